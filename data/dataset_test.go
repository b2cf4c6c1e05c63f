package data

import (
	"path/filepath"
	"testing"

	"gocv.io/x/gocv"
)

// writeSample creates one grid image and its label grid on disk.
func writeSample(t *testing.T, imgPath, lblPath string, gridH, gridW, patchH, patchW int) {
	t.Helper()

	img := gocv.NewMatWithSize(gridH*patchH, gridW*patchW, gocv.MatTypeCV8UC3)
	defer img.Close()
	if !gocv.IMWrite(imgPath, img) {
		t.Fatalf("cannot write %s", imgPath)
	}

	lbl := gocv.NewMatWithSize(gridH, gridW, gocv.MatTypeCV8UC1)
	defer lbl.Close()
	for r := 0; r < gridH; r++ {
		for c := 0; c < gridW; c++ {
			lbl.SetUCharAt(r, c, uint8(r*gridW+c))
		}
	}
	if !gocv.IMWrite(lblPath, lbl) {
		t.Fatalf("cannot write %s", lblPath)
	}
}

func TestPatchGridDatasetShapes(t *testing.T) {
	imgDir, lblDir := t.TempDir(), t.TempDir()
	writeSample(t, filepath.Join(imgDir, "s0.png"), filepath.Join(lblDir, "s0.png"), 2, 3, 8, 8)
	writeSample(t, filepath.Join(imgDir, "s1.png"), filepath.Join(lblDir, "s1.png"), 2, 3, 8, 8)

	ds, err := NewPatchGridDataset(imgDir, lblDir, 2, 3, 8, 8, false)
	if err != nil {
		t.Fatal(err)
	}
	if ds.Len() != 2 {
		t.Fatalf("dataset has %d samples, want 2", ds.Len())
	}

	grid, label, err := ds.At(0)
	if err != nil {
		t.Fatal(err)
	}

	wantGrid := []int64{2, 3, 3, 8, 8}
	for i, d := range grid.Shape() {
		if d != wantGrid[i] {
			t.Fatalf("grid shape %v, want %v", grid.Shape(), wantGrid)
		}
	}
	wantLbl := []int64{2, 3}
	for i, d := range label.Shape() {
		if d != wantLbl[i] {
			t.Fatalf("label shape %v, want %v", label.Shape(), wantLbl)
		}
	}

	// Label values survive the decode in row-major order.
	for r := int64(0); r < 2; r++ {
		for c := int64(0); c < 3; c++ {
			if got := label.Index(r, c).Item().(int64); got != r*3+c {
				t.Fatalf("label (%d,%d) = %d, want %d", r, c, got, r*3+c)
			}
		}
	}
}

func TestPatchGridDatasetSizeMismatch(t *testing.T) {
	imgDir, lblDir := t.TempDir(), t.TempDir()
	writeSample(t, filepath.Join(imgDir, "s0.png"), filepath.Join(lblDir, "s0.png"), 2, 2, 8, 8)

	ds, err := NewPatchGridDataset(imgDir, lblDir, 4, 4, 8, 8, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := ds.At(0); err == nil {
		t.Fatal("expected size mismatch error")
	}
}

func TestLoaderBatchingAndReset(t *testing.T) {
	imgDir, lblDir := t.TempDir(), t.TempDir()
	for _, name := range []string{"a.png", "b.png", "c.png"} {
		writeSample(t, filepath.Join(imgDir, name), filepath.Join(lblDir, name), 2, 2, 8, 8)
	}

	ds, err := NewPatchGridDataset(imgDir, lblDir, 2, 2, 8, 8, false)
	if err != nil {
		t.Fatal(err)
	}

	l := NewLoader(ds, 2, false, 1)
	var batchSizes []int64
	for l.Scan() {
		input, label := l.Minibatch()
		batchSizes = append(batchSizes, input.Shape()[0])
		if label.Shape()[0] != input.Shape()[0] {
			t.Fatal("input and label batch sizes differ")
		}
	}
	if err := l.Err(); err != nil {
		t.Fatal(err)
	}
	if len(batchSizes) != 2 || batchSizes[0] != 2 || batchSizes[1] != 1 {
		t.Fatalf("batch sizes %v, want [2 1]", batchSizes)
	}

	l.Reset()
	count := 0
	for l.Scan() {
		count++
	}
	if count != 2 {
		t.Fatalf("got %d batches after Reset, want 2", count)
	}
}

func TestSplitHoldsOutValidation(t *testing.T) {
	imgDir, lblDir := t.TempDir(), t.TempDir()
	for _, name := range []string{"a.png", "b.png", "c.png", "d.png", "e.png"} {
		writeSample(t, filepath.Join(imgDir, name), filepath.Join(lblDir, name), 2, 2, 8, 8)
	}

	ds, err := NewPatchGridDataset(imgDir, lblDir, 2, 2, 8, 8, false)
	if err != nil {
		t.Fatal(err)
	}

	trainDS, valDS := Split(ds, 0.2, 1)
	if trainDS.Len()+valDS.Len() != ds.Len() {
		t.Fatalf("split sizes %d+%d do not cover %d samples", trainDS.Len(), valDS.Len(), ds.Len())
	}
	if valDS.Len() != 1 {
		t.Fatalf("validation split has %d samples, want 1", valDS.Len())
	}
}
