// Package gridnet implements a two-stage segmentation model: a per-patch
// classifier whose outputs are arranged into a spatial grid and refined by a
// convolutional corrector network that exploits neighborhood context.
package gridnet

import (
	"fmt"
	"strings"

	torch "github.com/wangkuiyi/gotorch"
)

// PatchClassifier maps a batch of patches (n, channels, patchH, patchW) to
// per-class logits (n, classes). It is an external collaborator; GridNet
// holds a reference but does not construct it.
type PatchClassifier interface {
	Forward(x torch.Tensor) torch.Tensor
	NamedParameters() map[string]torch.Tensor
	// Trainable reports whether any parameter should receive gradients.
	// Frozen classifiers skip gradient checkpointing entirely.
	Trainable() bool
	Train(on bool)
	To(device torch.Device, dtype ...int8)
}

// Config declares the grid geometry and prediction behavior of a GridNet.
type Config struct {
	// PatchShape is (channels, patchH, patchW).
	PatchShape [3]int64
	// GridShape is (gridH, gridW).
	GridShape  [2]int64
	NumClasses int64

	UseBatchNorm bool
	Topology     Topology

	// AtOncePatchLimit caps how many patches are classified per call.
	// Zero disables chunking: the whole flattened patch list is
	// classified at once.
	AtOncePatchLimit int64
}

// GridNet owns the corrector network and orchestrates reshaping batches of
// patch grids through the flat classifier domain and back.
type GridNet struct {
	classifier PatchClassifier
	corrector  Corrector
	cfg        Config

	// bg is the constant score vector returned for all-zero patches by
	// the deprecated per-patch path (see ClassifyPatch).
	bg torch.Tensor
	// aux is a non-learnable scalar with gradient tracking enabled. Every
	// checkpointed classification call takes it as an input: a call with
	// no gradient-tracked input would break gradient propagation through
	// the recompute region.
	aux  torch.Tensor
	zero torch.Tensor

	pending *RecomputeRegion
}

// New builds a GridNet around the supplied patch classifier.
func New(classifier PatchClassifier, cfg Config) *GridNet {
	return &GridNet{
		classifier: classifier,
		corrector:  BuildCorrector(cfg.Topology, cfg.NumClasses, cfg.UseBatchNorm),
		cfg:        cfg,
		bg:         torch.Full([]int64{1, cfg.NumClasses}, 0, false),
		aux:        torch.Full([]int64{1}, 1, true),
		zero:       torch.Full([]int64{1}, 0, false),
	}
}

// Config returns the geometry the net was built with.
func (g *GridNet) Config() Config { return g.cfg }

// Corrector exposes the owned corrector network, e.g. for optimizers.
func (g *GridNet) Corrector() Corrector { return g.corrector }

// classifyChunk runs the patch classifier on a flat patch batch. aux must be
// the gradient-tracked auxiliary scalar; it is folded into the result with
// zero weight so every checkpointed call has a gradient-tracked input.
func (g *GridNet) classifyChunk(patches, aux torch.Tensor) torch.Tensor {
	if aux.T == nil {
		panic("gridnet: classification called without the auxiliary scalar")
	}
	out := g.classifier.Forward(patches)
	return torch.Add(out, torch.Mul(aux, g.zero), 1)
}

// PatchPredictions flattens a (batch, gridH, gridW, channels, patchH,
// patchW) input into the classifier domain, classifies it (chunked and
// gradient-checkpointed when configured), and reassembles the result as a
// (batch, classes, gridH, gridW) grid.
//
// All patches are classified uniformly, including all-zero background
// patches; see ClassifyPatch for the deprecated short-circuit variant.
func (g *GridNet) PatchPredictions(x torch.Tensor) torch.Tensor {
	c, ph, pw := g.cfg.PatchShape[0], g.cfg.PatchShape[1], g.cfg.PatchShape[2]
	gh, gw := g.cfg.GridShape[0], g.cfg.GridShape[1]

	numel := int64(1)
	for _, d := range x.Shape() {
		numel *= d
	}
	perSample := gh * gw * c * ph * pw
	if perSample == 0 || numel%perSample != 0 {
		panic(fmt.Sprintf("gridnet: input with %d elements does not fit a %dx%d grid of %dx%dx%d patches",
			numel, gh, gw, c, ph, pw))
	}

	patchList := x.View(-1, c, ph, pw)

	// A region left over from a forward pass that was never backproped
	// (e.g. a validation batch) is dead; drop it.
	g.pending = nil

	var predList torch.Tensor
	switch {
	case g.cfg.AtOncePatchLimit <= 0:
		predList = g.classifyChunk(patchList, g.aux)
	case g.classifier.Trainable():
		region := newRecomputeRegion(g.classifyChunk, g.aux)
		predList = region.Forward(patchList, g.cfg.AtOncePatchLimit)
		g.pending = region
	default:
		// Chunked but frozen: no recompute region needed, classify
		// chunk by chunk and reassemble in order.
		n := patchList.Shape()[0]
		for count := int64(0); count < n; count += g.cfg.AtOncePatchLimit {
			length := g.cfg.AtOncePatchLimit
			if n-count < length {
				length = n - count
			}
			chunk := torch.IndexSelect(patchList, 0, chunkIndex(count, length))
			placed := placeRows(g.classifyChunk(chunk, g.aux), count, length, n)
			if predList.T == nil {
				predList = placed
			} else {
				predList = torch.Add(predList, placed, 1)
			}
		}
	}

	grid := predList.View(-1, gh, gw, g.cfg.NumClasses)
	return grid.Permute([]int64{0, 3, 1, 2})
}

// Forward returns the corrected grid predictions for a batch of patch grids.
func (g *GridNet) Forward(x torch.Tensor) torch.Tensor {
	return g.corrector.Forward(g.PatchPredictions(x))
}

// Backward backpropagates loss through the whole net. When the last forward
// opened a recompute region, it is re-entered after the loss backward so the
// classifier gradients are reconstructed, then released.
func (g *GridNet) Backward(loss torch.Tensor) {
	loss.Backward()
	if g.pending != nil {
		g.pending.Backward()
		g.pending = nil
	}
}

// ClassifyPatch scores a single (channels, patchH, patchW) patch. An
// all-zero patch is treated as pure background and short-circuited to a
// constant zero score vector without reaching the classifier.
//
// Deprecated: the batched path in PatchPredictions does not take this
// shortcut, so the two can disagree on all-zero patches. Kept for per-patch
// inspection only.
func (g *GridNet) ClassifyPatch(p torch.Tensor) torch.Tensor {
	if torch.Sum(torch.Mul(p, p)).Item().(float32) == 0 {
		return g.bg
	}
	c, ph, pw := g.cfg.PatchShape[0], g.cfg.PatchShape[1], g.cfg.PatchShape[2]
	return g.classifier.Forward(p.View(1, c, ph, pw))
}

const classifierPrefix = "patch_classifier."

// StateDict collects corrector and classifier parameters under prefixed
// keys, mirroring the ownership split.
func (g *GridNet) StateDict() map[string]torch.Tensor {
	states := make(map[string]torch.Tensor)
	for k, v := range g.corrector.StateDict() {
		states["corrector."+k] = v
	}
	for k, v := range g.classifier.NamedParameters() {
		states[classifierPrefix+k] = v
	}
	return states
}

// SetStateDict restores parameters captured by StateDict.
func (g *GridNet) SetStateDict(states map[string]torch.Tensor) error {
	correctorStates := make(map[string]torch.Tensor)
	named := g.classifier.NamedParameters()
	for k, v := range states {
		if strings.HasPrefix(k, classifierPrefix) {
			if p, ok := named[strings.TrimPrefix(k, classifierPrefix)]; ok {
				p.SetData(v)
			}
			continue
		}
		correctorStates[strings.TrimPrefix(k, "corrector.")] = v
	}
	return g.corrector.SetStateDict(correctorStates)
}

// To moves the model and its constants to device.
func (g *GridNet) To(device torch.Device) {
	g.corrector.To(device)
	g.classifier.To(device)
	g.bg = g.bg.To(device, g.bg.Dtype())
	g.aux = g.aux.To(device, g.aux.Dtype())
	g.zero = g.zero.To(device, g.zero.Dtype())
}

// Train toggles training mode on the corrector. The patch classifier is
// always held in eval mode so its normalization statistics stay fixed, even
// when its parameters are being fine-tuned.
func (g *GridNet) Train(on bool) {
	g.corrector.Train(on)
	g.classifier.Train(false)
}
