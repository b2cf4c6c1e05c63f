package gridnet

import (
	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/nn"
)

// Topology selects the spatial packing of the patch grid, which determines
// the corrector stack built for it.
type Topology int

const (
	// Rectangular grids use plain square convolutions.
	Rectangular Topology = iota
	// Hexagonal grids use offset hex-packed addressing and hex convolutions.
	Hexagonal
)

// Corrector refines a (batch, classes, gridH, gridW) tensor of per-patch
// class scores using spatial context. Implementations are gotorch modules.
type Corrector interface {
	Forward(x torch.Tensor) torch.Tensor
	To(device torch.Device, dtype ...int8)
	Train(on bool)
	StateDict() map[string]torch.Tensor
	SetStateDict(states map[string]torch.Tensor) error
	Parameters() []torch.Tensor
}

// BuildCorrector returns the corrector stack for the given grid topology.
func BuildCorrector(topo Topology, nClasses int64, useBN bool) Corrector {
	if topo == Hexagonal {
		return NewHexCorrector(nClasses, useBN)
	}
	return NewRectCorrector(nClasses, useBN)
}

// RectCorrectorModule is the rectangular-grid corrector: four square
// convolutions (kernels 3,5,5,3, same padding) with optional batch
// normalization and ReLU between the first three. Channel count stays at
// the class count throughout.
type RectCorrectorModule struct {
	nn.Module
	Conv1, Conv2, Conv3, Conv4 *nn.Conv2dModule
	Bn1, Bn2, Bn3              *nn.BatchNorm2dModule
}

// NewRectCorrector builds the rectangular corrector over nClasses channels.
func NewRectCorrector(nClasses int64, useBN bool) *RectCorrectorModule {
	r := &RectCorrectorModule{
		Conv1: nn.Conv2d(nClasses, nClasses, 3, 1, 1, 1, 1, true, "zeros"),
		Conv2: nn.Conv2d(nClasses, nClasses, 5, 1, 2, 1, 1, true, "zeros"),
		Conv3: nn.Conv2d(nClasses, nClasses, 5, 1, 2, 1, 1, true, "zeros"),
		Conv4: nn.Conv2d(nClasses, nClasses, 3, 1, 1, 1, 1, true, "zeros"),
	}
	if useBN {
		r.Bn1 = nn.BatchNorm2d(nClasses, 1e-5, 0.1, true, true)
		r.Bn2 = nn.BatchNorm2d(nClasses, 1e-5, 0.1, true, true)
		r.Bn3 = nn.BatchNorm2d(nClasses, 1e-5, 0.1, true, true)
	}
	r.Init(r)
	return r
}

func (r *RectCorrectorModule) Forward(x torch.Tensor) torch.Tensor {
	x = r.Conv1.Forward(x)
	if r.Bn1 != nil {
		x = r.Bn1.Forward(x)
	}
	x = x.Relu()
	x = r.Conv2.Forward(x)
	if r.Bn2 != nil {
		x = r.Bn2.Forward(x)
	}
	x = x.Relu()
	x = r.Conv3.Forward(x)
	if r.Bn3 != nil {
		x = r.Bn3.Forward(x)
	}
	x = x.Relu()
	return r.Conv4.Forward(x)
}
