// Package optim provides SGD and Adam over explicit parameter slices.
// Unlike the optimizers bundled with gotorch these expose their internal
// state as a state dict, so training can persist and restore optimizer
// moments alongside model weights.
package optim

import (
	"fmt"
	"math"

	torch "github.com/wangkuiyi/gotorch"

	"github.com/codyheiser/st-gridnet/util"
)

// Optimizer updates a fixed set of parameters from their accumulated
// gradients.
type Optimizer interface {
	Step()
	ZeroGrad()
	StateDict() map[string]torch.Tensor
	SetStateDict(states map[string]torch.Tensor)
}

func scale(t torch.Tensor, s float64) torch.Tensor {
	return torch.Mul(t, torch.Full([]int64{1}, float32(s), false))
}

func zerosLike(t torch.Tensor) torch.Tensor {
	return torch.Full(t.Shape(), 0, false)
}

// sqrtPlusEps computes elementwise sqrt(t) + eps. The tensor bindings expose
// no square-root op, so the values round-trip through Go.
func sqrtPlusEps(t torch.Tensor, eps float64) torch.Tensor {
	shape := t.Shape()
	flat := t.View(-1)
	vals := util.Floats1D(flat)
	for i, v := range vals {
		vals[i] = float32(math.Sqrt(float64(v)) + eps)
	}
	out := torch.NewTensor(vals)
	return out.View(shape...)
}

// zeroGrad resets accumulated gradients in place.
func zeroGrad(params []torch.Tensor) {
	for _, p := range params {
		g := p.Grad()
		if g.T == nil {
			continue
		}
		g.SetData(torch.Full(g.Shape(), 0, true))
	}
}

// SGDOpt is stochastic gradient descent with optional momentum.
type SGDOpt struct {
	params   []torch.Tensor
	lr       float64
	momentum float64
	bufs     []torch.Tensor
	step     int64
}

// SGD builds an SGD optimizer over params.
func SGD(params []torch.Tensor, lr, momentum float64) *SGDOpt {
	return &SGDOpt{params: params, lr: lr, momentum: momentum, bufs: make([]torch.Tensor, len(params))}
}

func (o *SGDOpt) Step() {
	o.step++
	for i, p := range o.params {
		g := p.Grad()
		if g.T == nil {
			continue
		}
		upd := g
		if o.momentum > 0 {
			if o.bufs[i].T == nil {
				o.bufs[i] = zerosLike(p)
			}
			o.bufs[i] = torch.Add(scale(o.bufs[i], o.momentum), g, 1)
			upd = o.bufs[i]
		}
		p.SetData(torch.Sub(p, upd, float32(o.lr)))
	}
}

func (o *SGDOpt) ZeroGrad() { zeroGrad(o.params) }

func (o *SGDOpt) StateDict() map[string]torch.Tensor {
	states := map[string]torch.Tensor{
		"step": torch.Full([]int64{1}, float32(o.step), false),
	}
	for i, b := range o.bufs {
		if b.T != nil {
			states[fmt.Sprintf("buf.%d", i)] = b
		}
	}
	return states
}

func (o *SGDOpt) SetStateDict(states map[string]torch.Tensor) {
	if s, ok := states["step"]; ok {
		o.step = int64(s.Item().(float32))
	}
	for i := range o.bufs {
		if b, ok := states[fmt.Sprintf("buf.%d", i)]; ok {
			o.bufs[i] = b
		}
	}
}

// AdamOpt implements the Adam update rule with bias correction.
type AdamOpt struct {
	params       []torch.Tensor
	lr           float64
	beta1, beta2 float64
	eps          float64
	m, v         []torch.Tensor
	step         int64
}

// Adam builds an Adam optimizer over params. The usual defaults are
// beta1=0.9, beta2=0.999, eps=1e-8.
func Adam(params []torch.Tensor, lr, beta1, beta2, eps float64) *AdamOpt {
	return &AdamOpt{
		params: params,
		lr:     lr,
		beta1:  beta1,
		beta2:  beta2,
		eps:    eps,
		m:      make([]torch.Tensor, len(params)),
		v:      make([]torch.Tensor, len(params)),
	}
}

func (o *AdamOpt) Step() {
	o.step++
	c1 := 1.0
	c2 := 1.0
	for t := int64(0); t < o.step; t++ {
		c1 *= o.beta1
		c2 *= o.beta2
	}
	// c1 = beta1^step, c2 = beta2^step.
	for i, p := range o.params {
		g := p.Grad()
		if g.T == nil {
			continue
		}
		if o.m[i].T == nil {
			o.m[i] = zerosLike(p)
			o.v[i] = zerosLike(p)
		}
		o.m[i] = torch.Add(scale(o.m[i], o.beta1), g, float32(1-o.beta1))
		o.v[i] = torch.Add(scale(o.v[i], o.beta2), torch.Mul(g, g), float32(1-o.beta2))

		mHat := scale(o.m[i], 1/(1-c1))
		vHat := scale(o.v[i], 1/(1-c2))
		denom := sqrtPlusEps(vHat, o.eps)
		p.SetData(torch.Sub(p, torch.Div(mHat, denom), float32(o.lr)))
	}
}

func (o *AdamOpt) ZeroGrad() { zeroGrad(o.params) }

func (o *AdamOpt) StateDict() map[string]torch.Tensor {
	states := map[string]torch.Tensor{
		"step": torch.Full([]int64{1}, float32(o.step), false),
	}
	for i := range o.params {
		if o.m[i].T != nil {
			states[fmt.Sprintf("m.%d", i)] = o.m[i]
			states[fmt.Sprintf("v.%d", i)] = o.v[i]
		}
	}
	return states
}

func (o *AdamOpt) SetStateDict(states map[string]torch.Tensor) {
	if s, ok := states["step"]; ok {
		o.step = int64(s.Item().(float32))
	}
	for i := range o.params {
		if m, ok := states[fmt.Sprintf("m.%d", i)]; ok {
			o.m[i] = m
		}
		if v, ok := states[fmt.Sprintf("v.%d", i)]; ok {
			o.v[i] = v
		}
	}
}
