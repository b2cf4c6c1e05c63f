package gridnet

import (
	"math"
	"testing"

	torch "github.com/wangkuiyi/gotorch"

	"github.com/codyheiser/st-gridnet/util"
)

// fakeClassifier is a linear patch classifier with full autograd support:
// logits = flatten(patch) x weight + bias.
type fakeClassifier struct {
	weight    torch.Tensor // (flat, classes)
	bias      torch.Tensor // (classes)
	flat      int64
	trainable bool
}

func newFakeClassifier(flat, classes int64, trainable bool) *fakeClassifier {
	return &fakeClassifier{
		weight:    torch.RandN([]int64{flat, classes}, trainable),
		bias:      torch.RandN([]int64{classes}, trainable),
		flat:      flat,
		trainable: trainable,
	}
}

func (f *fakeClassifier) Forward(x torch.Tensor) torch.Tensor {
	return torch.Add(torch.MM(x.View(-1, f.flat), f.weight), f.bias, 1)
}

func (f *fakeClassifier) NamedParameters() map[string]torch.Tensor {
	return map[string]torch.Tensor{"weight": f.weight, "bias": f.bias}
}

func (f *fakeClassifier) Trainable() bool        { return f.trainable }
func (f *fakeClassifier) Train(on bool)          {}
func (f *fakeClassifier) To(device torch.Device, dtype ...int8) {}

func testConfig(gh, gw int64, limit int64) Config {
	return Config{
		PatchShape:       [3]int64{3, 8, 8},
		GridShape:        [2]int64{gh, gw},
		NumClasses:       4,
		AtOncePatchLimit: limit,
	}
}

func TestPatchPredictionsShape(t *testing.T) {
	fc := newFakeClassifier(3*8*8, 4, false)
	net := New(fc, testConfig(2, 3, 0))

	x := torch.RandN([]int64{2, 2, 3, 3, 8, 8}, false)
	out := net.PatchPredictions(x)

	want := []int64{2, 4, 2, 3}
	got := out.Shape()
	if len(got) != len(want) {
		t.Fatalf("got shape %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got shape %v, want %v", got, want)
		}
	}
}

// TestReshapeRoundTrip drives constant-valued patches through an all-ones
// classifier so each grid cell's prediction identifies the patch placed
// there: row-major flattening and the inverse reshape must agree.
func TestReshapeRoundTrip(t *testing.T) {
	const gh, gw = 2, 3
	flat := int64(3 * 8 * 8)

	fc := newFakeClassifier(flat, 4, false)
	fc.weight = torch.Full([]int64{flat, 4}, 1, false)
	fc.bias = torch.Full([]int64{4}, 0, false)
	net := New(fc, testConfig(gh, gw, 0))

	// Patch (i, j) holds the constant i*10+j.
	cells := make([]float32, gh*gw*flat)
	for i := 0; i < gh; i++ {
		for j := 0; j < gw; j++ {
			base := (i*gw + j) * int(flat)
			for k := 0; k < int(flat); k++ {
				cells[base+k] = float32(i*10 + j)
			}
		}
	}
	x := torch.NewTensor(cells).View(1, gh, gw, 3, 8, 8)

	out := net.PatchPredictions(x) // (1, 4, gh, gw)
	for i := int64(0); i < gh; i++ {
		for j := int64(0); j < gw; j++ {
			want := float32(i*10+j) * float32(flat)
			for k := int64(0); k < 4; k++ {
				got := out.Index(0, k, i, j).Item().(float32)
				if got != want {
					t.Fatalf("cell (%d,%d) class %d: got %v, want %v", i, j, k, got, want)
				}
			}
		}
	}
}

// cloneLeaf copies t's values into a fresh leaf tensor so two classifiers
// can start from identical weights while accumulating gradients separately.
func cloneLeaf(t torch.Tensor, requiresGrad bool) torch.Tensor {
	c := torch.Full(t.Shape(), 0, requiresGrad)
	c.SetData(t.Detach())
	return c
}

func sharedClassifierPair(trainable bool) (*fakeClassifier, *fakeClassifier) {
	a := newFakeClassifier(3*8*8, 4, trainable)
	b := &fakeClassifier{
		weight:    cloneLeaf(a.weight, trainable),
		bias:      cloneLeaf(a.bias, trainable),
		flat:      a.flat,
		trainable: trainable,
	}
	return a, b
}

func TestChunkedMatchesUnchunked(t *testing.T) {
	for _, tc := range []struct {
		name      string
		gh, gw    int64
		limit     int64
		trainable bool
	}{
		{"even split frozen", 2, 2, 2, false},
		{"uneven split frozen", 2, 5, 4, false}, // 10 patches -> 4,4,2
		{"even split trainable", 2, 2, 2, true},
		{"uneven split trainable", 2, 5, 4, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fc, _ := sharedClassifierPair(tc.trainable)
			whole := New(fc, testConfig(tc.gh, tc.gw, 0))
			chunked := New(fc, testConfig(tc.gh, tc.gw, tc.limit))

			x := torch.RandN([]int64{1, tc.gh, tc.gw, 3, 8, 8}, false)
			a := whole.PatchPredictions(x)
			b := chunked.PatchPredictions(x)

			for i := int64(0); i < 4; i++ {
				for r := int64(0); r < tc.gh; r++ {
					for c := int64(0); c < tc.gw; c++ {
						va := a.Index(0, i, r, c).Item().(float32)
						vb := b.Index(0, i, r, c).Item().(float32)
						if va != vb {
							t.Fatalf("class %d cell (%d,%d): unchunked %v != chunked %v", i, r, c, va, vb)
						}
					}
				}
			}
		})
	}
}

func TestCheckpointedGradientsMatch(t *testing.T) {
	fcPlain, fcChunked := sharedClassifierPair(true)
	plain := New(fcPlain, testConfig(2, 5, 0))
	chunked := New(fcChunked, testConfig(2, 5, 4))

	x := torch.RandN([]int64{1, 2, 5, 3, 8, 8}, false)

	lossA := torch.Sum(plain.PatchPredictions(x))
	plain.Backward(lossA)

	lossB := torch.Sum(chunked.PatchPredictions(x))
	chunked.Backward(lossB)

	ga := util.Floats2D(fcPlain.weight.Grad())
	gb := util.Floats2D(fcChunked.weight.Grad())
	for i := range ga {
		for j := range ga[i] {
			if diff := math.Abs(float64(ga[i][j] - gb[i][j])); diff > 1e-4 {
				t.Fatalf("weight grad (%d,%d): plain %v, checkpointed %v", i, j, ga[i][j], gb[i][j])
			}
		}
	}

	ba := util.Floats1D(fcPlain.bias.Grad())
	bb := util.Floats1D(fcChunked.bias.Grad())
	for i := range ba {
		if diff := math.Abs(float64(ba[i] - bb[i])); diff > 1e-4 {
			t.Fatalf("bias grad %d: plain %v, checkpointed %v", i, ba[i], bb[i])
		}
	}
}

// TestAllZeroPatchPolicy pins the documented split: the deprecated per-patch
// path short-circuits all-zero patches to the constant background vector,
// while the batched path classifies them like any other patch.
func TestAllZeroPatchPolicy(t *testing.T) {
	fc := newFakeClassifier(3*8*8, 4, false)
	net := New(fc, testConfig(1, 1, 0))

	zero := torch.Full([]int64{3, 8, 8}, 0, false)
	shortcut := net.ClassifyPatch(zero)
	for i, v := range util.Floats2D(shortcut)[0] {
		if v != 0 {
			t.Fatalf("background constant class %d: got %v, want 0", i, v)
		}
	}

	// The batched path reaches the classifier, whose bias makes the
	// all-zero response nonzero.
	out := net.PatchPredictions(zero.View(1, 1, 1, 3, 8, 8))
	bias := util.Floats1D(fc.bias)
	for k := int64(0); k < 4; k++ {
		got := out.Index(0, k, 0, 0).Item().(float32)
		if got != bias[k] {
			t.Fatalf("batched zero-patch class %d: got %v, want bias %v", k, got, bias[k])
		}
	}
}

func TestPatchPredictionsShapeMismatchPanics(t *testing.T) {
	fc := newFakeClassifier(3*8*8, 4, false)
	net := New(fc, testConfig(2, 2, 0))

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on mismatched input size")
		}
	}()
	net.PatchPredictions(torch.RandN([]int64{1, 2, 2, 3, 8, 7}, false))
}

func TestRecomputeRegionRequiresAux(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on missing auxiliary scalar")
		}
	}()
	newRecomputeRegion(func(p, a torch.Tensor) torch.Tensor { return p }, torch.Tensor{})
}

func TestRecomputeRegionBackwardBeforeLossPanics(t *testing.T) {
	aux := torch.Full([]int64{1}, 1, true)
	r := newRecomputeRegion(func(p, a torch.Tensor) torch.Tensor { return p }, aux)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on backward before loss backward")
		}
	}()
	r.Backward()
}
