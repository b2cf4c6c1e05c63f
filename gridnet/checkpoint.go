package gridnet

import (
	torch "github.com/wangkuiyi/gotorch"
)

type chunkRef struct {
	input  torch.Tensor
	offset int64
	length int64
}

// chunkIndex returns the index tensor selecting rows [offset, offset+length).
func chunkIndex(offset, length int64) torch.Tensor {
	idx := make([]int64, length)
	for i := range idx {
		idx[i] = offset + int64(i)
	}
	return torch.NewTensor(idx)
}

// placeRows scatters a (length, k) block into rows [offset, offset+length)
// of an (n, k) result through a 0/1 placement matrix, leaving every other
// row zero. Summing placed blocks reassembles chunk outputs in order.
func placeRows(block torch.Tensor, offset, length, n int64) torch.Tensor {
	sel := make([]float32, n*length)
	for r := int64(0); r < length; r++ {
		sel[(offset+r)*length+r] = 1
	}
	m := torch.NewTensor(sel)
	m = m.View(n, length)
	return torch.MM(m, block)
}

// RecomputeRegion is a structured scope implementing gradient checkpointing
// for chunked patch classification. The forward pass classifies one chunk at
// a time and keeps only the chunk inputs and the detached chunk outputs, so
// each chunk's activation graph is released before the next chunk runs.
// Backward re-enters the region, recomputes each chunk, and pushes the
// output gradient through it; peak activation memory is bounded by a single
// chunk.
type RecomputeRegion struct {
	run    func(patches, aux torch.Tensor) torch.Tensor
	aux    torch.Tensor
	chunks []chunkRef
	leaf   torch.Tensor
}

func newRecomputeRegion(run func(patches, aux torch.Tensor) torch.Tensor, aux torch.Tensor) *RecomputeRegion {
	if aux.T == nil {
		// Without a gradient-tracked input the recompute graph would
		// silently produce zero gradients, so this is fatal here.
		panic("gridnet: recompute region requires the gradient-tracked auxiliary scalar")
	}
	return &RecomputeRegion{run: run, aux: aux}
}

// Forward classifies patches in contiguous chunks of at most limit entries,
// returning the reassembled predictions. Each chunk output is detached as
// soon as its forward completes, dropping the chunk's graph; the returned
// tensor's autograd history reaches only an internal leaf, so a later loss
// backward deposits d(loss)/d(predictions) on that leaf instead of flowing
// into the classifier. Backward then replays each chunk to recover those
// gradients.
func (r *RecomputeRegion) Forward(patches torch.Tensor, limit int64) torch.Tensor {
	n := patches.Shape()[0]
	var preds torch.Tensor
	for count := int64(0); count < n; count += limit {
		length := limit
		if n-count < limit {
			length = n - count
		}
		in := torch.IndexSelect(patches, 0, chunkIndex(count, length))
		out := r.run(in, r.aux)
		placed := placeRows(out.Detach(), count, length, n)
		if preds.T == nil {
			preds = placed
		} else {
			preds = torch.Add(preds, placed, 1)
		}
		r.chunks = append(r.chunks, chunkRef{input: in, offset: count, length: length})
	}

	r.leaf = torch.Full(preds.Shape(), 0, true)
	return torch.Add(r.leaf, preds, 1)
}

// Backward recomputes every chunk and backpropagates the leaf gradient
// through it as a vector-Jacobian product, accumulating into the classifier
// parameters. It must run after the loss backward and releases the stored
// chunk inputs when done.
func (r *RecomputeRegion) Backward() {
	grad := r.leaf.Grad()
	if grad.T == nil {
		panic("gridnet: recompute region backward called before loss backward")
	}

	for _, c := range r.chunks {
		out := r.run(c.input, r.aux)
		gSlice := torch.IndexSelect(grad, 0, chunkIndex(c.offset, c.length))
		vjp := torch.Sum(torch.Mul(out, gSlice))
		vjp.Backward()
	}

	r.chunks = nil
	r.leaf = torch.Tensor{}
}
