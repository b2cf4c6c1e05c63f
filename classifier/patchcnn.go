// Package classifier provides patch classifier networks satisfying
// gridnet.PatchClassifier, plus gob persistence for pretrained weights.
package classifier

import (
	"fmt"

	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/nn"
	F "github.com/wangkuiyi/gotorch/nn/functional"
)

func maxPool2(x torch.Tensor) torch.Tensor {
	return F.MaxPool2d(x, []int64{2, 2}, []int64{2, 2}, []int64{0, 0}, []int64{1, 1}, false)
}

// PatchCNNModule is a small convolutional classifier for individual patches:
// three conv/BN/ReLU/pool blocks followed by two fully connected layers.
type PatchCNNModule struct {
	nn.Module
	Conv1, Conv2, Conv3 *nn.Conv2dModule
	Bn1, Bn2, Bn3       *nn.BatchNorm2dModule
	Fc1, Fc2            *nn.LinearModule

	flat      int64
	trainable bool
}

// NewPatchCNN builds the simple patch classifier for (channels, patchH,
// patchW) patches and nClasses outputs. Patch height and width must be
// divisible by 8 (three pooling halvings).
func NewPatchCNN(channels, patchH, patchW, nClasses int64) *PatchCNNModule {
	if patchH%8 != 0 || patchW%8 != 0 {
		panic(fmt.Sprintf("classifier: patch %dx%d not divisible by 8", patchH, patchW))
	}
	m := &PatchCNNModule{
		Conv1:     nn.Conv2d(channels, 16, 3, 1, 1, 1, 1, true, "zeros"),
		Conv2:     nn.Conv2d(16, 32, 3, 1, 1, 1, 1, true, "zeros"),
		Conv3:     nn.Conv2d(32, 64, 3, 1, 1, 1, 1, true, "zeros"),
		Bn1:       nn.BatchNorm2d(16, 1e-5, 0.1, true, true),
		Bn2:       nn.BatchNorm2d(32, 1e-5, 0.1, true, true),
		Bn3:       nn.BatchNorm2d(64, 1e-5, 0.1, true, true),
		flat:      64 * (patchH / 8) * (patchW / 8),
		trainable: true,
	}
	m.Fc1 = nn.Linear(m.flat, 128, true)
	m.Fc2 = nn.Linear(128, nClasses, true)
	m.Init(m)
	return m
}

func (m *PatchCNNModule) Forward(x torch.Tensor) torch.Tensor {
	x = m.Bn1.Forward(m.Conv1.Forward(x))
	x = maxPool2(x.Relu())
	x = m.Bn2.Forward(m.Conv2.Forward(x))
	x = maxPool2(x.Relu())
	x = m.Bn3.Forward(m.Conv3.Forward(x))
	x = maxPool2(x.Relu())
	x = x.View(-1, m.flat)
	x = m.Fc1.Forward(x)
	return m.Fc2.Forward(x.Relu())
}

// Trainable reports whether the classifier participates in training.
func (m *PatchCNNModule) Trainable() bool { return m.trainable }

// SetTrainable freezes or unfreezes the classifier for training purposes.
// Frozen classifiers are skipped by gradient checkpointing and must not be
// handed to an optimizer.
func (m *PatchCNNModule) SetTrainable(on bool) { m.trainable = on }

// DeepPatchCNNModule is a wider, deeper variant of PatchCNN used when patch
// texture is too rich for the simple stack: four conv blocks up to 128
// channels. Patch height and width must be divisible by 16.
type DeepPatchCNNModule struct {
	nn.Module
	Conv1, Conv2, Conv3, Conv4 *nn.Conv2dModule
	Bn1, Bn2, Bn3, Bn4         *nn.BatchNorm2dModule
	Fc1, Fc2                   *nn.LinearModule

	flat      int64
	trainable bool
}

// NewDeepPatchCNN builds the deep patch classifier.
func NewDeepPatchCNN(channels, patchH, patchW, nClasses int64) *DeepPatchCNNModule {
	if patchH%16 != 0 || patchW%16 != 0 {
		panic(fmt.Sprintf("classifier: patch %dx%d not divisible by 16", patchH, patchW))
	}
	m := &DeepPatchCNNModule{
		Conv1:     nn.Conv2d(channels, 32, 3, 1, 1, 1, 1, true, "zeros"),
		Conv2:     nn.Conv2d(32, 64, 3, 1, 1, 1, 1, true, "zeros"),
		Conv3:     nn.Conv2d(64, 128, 3, 1, 1, 1, 1, true, "zeros"),
		Conv4:     nn.Conv2d(128, 128, 3, 1, 1, 1, 1, true, "zeros"),
		Bn1:       nn.BatchNorm2d(32, 1e-5, 0.1, true, true),
		Bn2:       nn.BatchNorm2d(64, 1e-5, 0.1, true, true),
		Bn3:       nn.BatchNorm2d(128, 1e-5, 0.1, true, true),
		Bn4:       nn.BatchNorm2d(128, 1e-5, 0.1, true, true),
		flat:      128 * (patchH / 16) * (patchW / 16),
		trainable: true,
	}
	m.Fc1 = nn.Linear(m.flat, 256, true)
	m.Fc2 = nn.Linear(256, nClasses, true)
	m.Init(m)
	return m
}

func (m *DeepPatchCNNModule) Forward(x torch.Tensor) torch.Tensor {
	x = m.Bn1.Forward(m.Conv1.Forward(x))
	x = maxPool2(x.Relu())
	x = m.Bn2.Forward(m.Conv2.Forward(x))
	x = maxPool2(x.Relu())
	x = m.Bn3.Forward(m.Conv3.Forward(x))
	x = maxPool2(x.Relu())
	x = m.Bn4.Forward(m.Conv4.Forward(x))
	x = maxPool2(x.Relu())
	x = x.View(-1, m.flat)
	x = m.Fc1.Forward(x)
	return m.Fc2.Forward(x.Relu())
}

func (m *DeepPatchCNNModule) Trainable() bool      { return m.trainable }
func (m *DeepPatchCNNModule) SetTrainable(on bool) { m.trainable = on }
