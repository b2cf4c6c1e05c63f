package gridnet

import (
	"math"

	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/nn"
	F "github.com/wangkuiyi/gotorch/nn/functional"
	"github.com/wangkuiyi/gotorch/nn/initializer"
)

// HexConv2dModule convolves over a hexagonally packed grid stored in offset
// (column-staggered) addressing, covering the radius-1 neighborhood of seven
// cells with same padding at stride 1.
//
// The hex neighborhood is a subset of the square 3x3 neighborhood, but which
// two corners fall outside it depends on column parity. The layer therefore
// keeps one 3x3 weight tensor, applies it twice under two fixed corner
// masks, and recombines the results column by column.
type HexConv2dModule struct {
	nn.Module
	Weight torch.Tensor
	Bias   torch.Tensor

	MaskEven torch.Tensor `gotorch:"buffer"`
	MaskOdd  torch.Tensor `gotorch:"buffer"`
}

// HexConv2d builds a hex convolution mapping inChannels to outChannels.
func HexConv2d(inChannels, outChannels int64) *HexConv2dModule {
	h := &HexConv2dModule{
		Weight: torch.RandN([]int64{outChannels, inChannels, 3, 3}, true),
		Bias:   torch.Full([]int64{outChannels}, 0, true),
	}
	bound := 1.0 / math.Sqrt(float64(inChannels*9))
	initializer.Uniform(&h.Weight, -bound, bound)

	// Even columns lack the two bottom corners of the 3x3 window, odd
	// columns the two top corners.
	h.MaskEven = torch.NewTensor([]float32{
		1, 1, 1,
		1, 1, 1,
		0, 1, 0,
	}).View(1, 1, 3, 3)
	h.MaskOdd = torch.NewTensor([]float32{
		0, 1, 0,
		1, 1, 1,
		1, 1, 1,
	}).View(1, 1, 3, 3)

	h.Init(h)
	return h
}

// columnMasks returns (1,1,1,width) selectors for even and odd columns.
func columnMasks(width int64) (torch.Tensor, torch.Tensor) {
	even := make([]float32, width)
	odd := make([]float32, width)
	for i := int64(0); i < width; i++ {
		if i%2 == 0 {
			even[i] = 1
		} else {
			odd[i] = 1
		}
	}
	return torch.NewTensor(even).View(1, 1, 1, width),
		torch.NewTensor(odd).View(1, 1, 1, width)
}

func (h *HexConv2dModule) Forward(x torch.Tensor) torch.Tensor {
	stride := []int64{1, 1}
	padding := []int64{1, 1}
	dilation := []int64{1, 1}

	outEven := F.Conv2d(x, torch.Mul(h.Weight, h.MaskEven), h.Bias, stride, padding, dilation, 1)
	outOdd := F.Conv2d(x, torch.Mul(h.Weight, h.MaskOdd), h.Bias, stride, padding, dilation, 1)

	colEven, colOdd := columnMasks(x.Shape()[3])
	return torch.Add(torch.Mul(outEven, colEven), torch.Mul(outOdd, colOdd), 1)
}

// HexCorrectorModule is the hexagonal-grid corrector: two pairs of hex
// convolutions over 32 intermediate channels, each pair followed by optional
// batch normalization and ReLU, narrowing back to the class count at the
// output.
type HexCorrectorModule struct {
	nn.Module
	Hex1, Hex2, Hex3, Hex4, Hex5 *HexConv2dModule
	Bn1, Bn2                     *nn.BatchNorm2dModule
}

const hexHiddenChannels = 32

// NewHexCorrector builds the hexagonal corrector over nClasses channels.
func NewHexCorrector(nClasses int64, useBN bool) *HexCorrectorModule {
	c := &HexCorrectorModule{
		Hex1: HexConv2d(nClasses, hexHiddenChannels),
		Hex2: HexConv2d(hexHiddenChannels, hexHiddenChannels),
		Hex3: HexConv2d(hexHiddenChannels, hexHiddenChannels),
		Hex4: HexConv2d(hexHiddenChannels, hexHiddenChannels),
		Hex5: HexConv2d(hexHiddenChannels, nClasses),
	}
	if useBN {
		c.Bn1 = nn.BatchNorm2d(hexHiddenChannels, 1e-5, 0.1, true, true)
		c.Bn2 = nn.BatchNorm2d(hexHiddenChannels, 1e-5, 0.1, true, true)
	}
	c.Init(c)
	return c
}

func (c *HexCorrectorModule) Forward(x torch.Tensor) torch.Tensor {
	x = c.Hex1.Forward(x)
	x = c.Hex2.Forward(x)
	if c.Bn1 != nil {
		x = c.Bn1.Forward(x)
	}
	x = x.Relu()
	x = c.Hex3.Forward(x)
	x = c.Hex4.Forward(x)
	if c.Bn2 != nil {
		x = c.Bn2.Forward(x)
	}
	x = x.Relu()
	return c.Hex5.Forward(x)
}
