package util

import (
	torch "github.com/wangkuiyi/gotorch"
)

// Scalar returns a one-element float tensor holding v.
func Scalar(v float32, requiresGrad bool) torch.Tensor {
	return torch.Full([]int64{1}, v, requiresGrad)
}

// Floats2D pulls a two-dimensional float tensor into Go slices, row major.
func Floats2D(t torch.Tensor) [][]float32 {
	shape := t.Shape()
	if len(shape) != 2 {
		panic("util: Floats2D expects a 2-D tensor")
	}
	out := make([][]float32, shape[0])
	for i := int64(0); i < shape[0]; i++ {
		row := make([]float32, shape[1])
		for j := int64(0); j < shape[1]; j++ {
			row[j] = t.Index(i, j).Item().(float32)
		}
		out[i] = row
	}
	return out
}

// Floats1D pulls a one-dimensional float tensor into a Go slice.
func Floats1D(t torch.Tensor) []float32 {
	shape := t.Shape()
	if len(shape) != 1 {
		panic("util: Floats1D expects a 1-D tensor")
	}
	out := make([]float32, shape[0])
	for i := int64(0); i < shape[0]; i++ {
		out[i] = t.Index(i).Item().(float32)
	}
	return out
}

// Longs1D pulls a one-dimensional integer tensor into a Go slice.
func Longs1D(t torch.Tensor) []int64 {
	shape := t.Shape()
	if len(shape) != 1 {
		panic("util: Longs1D expects a 1-D tensor")
	}
	out := make([]int64, shape[0])
	for i := int64(0); i < shape[0]; i++ {
		out[i] = t.Index(i).Item().(int64)
	}
	return out
}

// CloneTensor deep-copies t, detached from any autograd history.
func CloneTensor(t torch.Tensor) torch.Tensor {
	c := torch.Full(t.Shape(), 0, false)
	return torch.Add(c, t.Detach(), 1)
}

// CloneStates deep-copies a state dict so a later SetData on the source
// cannot mutate the snapshot.
func CloneStates(states map[string]torch.Tensor) map[string]torch.Tensor {
	out := make(map[string]torch.Tensor, len(states))
	for k, v := range states {
		out[k] = CloneTensor(v)
	}
	return out
}
