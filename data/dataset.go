// Package data loads patch-grid segmentation datasets: per sample one image
// covering a full grid of patches, and one small label image holding the
// class id of every grid cell (0 = background).
package data

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/vision/transforms"
	"gocv.io/x/gocv"
)

// Dataset yields (grid, label) pairs: a (gridH, gridW, channels, patchH,
// patchW) float tensor and a (gridH, gridW) integer label grid.
type Dataset interface {
	Len() int
	At(i int) (grid, label torch.Tensor, err error)
}

// PatchGridDataset reads grid images from one directory and label grids from
// another, pairing files by sorted order.
type PatchGridDataset struct {
	imgPaths []string
	lblPaths []string

	gridH, gridW   int64
	patchH, patchW int64
	normalize      bool
}

// ImageNet channel statistics, used when the patch classifier expects
// pretrained-style preprocessing.
var (
	imagenetMean = []float32{0.485, 0.456, 0.406}
	imagenetStd  = []float32{0.229, 0.224, 0.225}
)

// NewPatchGridDataset scans imgDir and lblDir for matching sample files.
func NewPatchGridDataset(imgDir, lblDir string, gridH, gridW, patchH, patchW int64, normalize bool) (*PatchGridDataset, error) {
	imgs, err := listFiles(imgDir)
	if err != nil {
		return nil, err
	}
	lbls, err := listFiles(lblDir)
	if err != nil {
		return nil, err
	}
	if len(imgs) == 0 {
		return nil, fmt.Errorf("data: no images in %s", imgDir)
	}
	if len(imgs) != len(lbls) {
		return nil, fmt.Errorf("data: %d images in %s but %d labels in %s", len(imgs), imgDir, len(lbls), lblDir)
	}
	return &PatchGridDataset{
		imgPaths:  imgs,
		lblPaths:  lbls,
		gridH:     gridH,
		gridW:     gridW,
		patchH:    patchH,
		patchW:    patchW,
		normalize: normalize,
	}, nil
}

func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("data: reading %s: %w", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (d *PatchGridDataset) Len() int { return len(d.imgPaths) }

// At decodes sample i and slices the image into its patch grid.
func (d *PatchGridDataset) At(i int) (torch.Tensor, torch.Tensor, error) {
	img := gocv.IMRead(d.imgPaths[i], gocv.IMReadColor)
	if img.Empty() {
		return torch.Tensor{}, torch.Tensor{}, fmt.Errorf("data: cannot decode %s", d.imgPaths[i])
	}
	defer img.Close()

	wantRows, wantCols := int(d.gridH*d.patchH), int(d.gridW*d.patchW)
	if img.Rows() != wantRows || img.Cols() != wantCols {
		return torch.Tensor{}, torch.Tensor{}, fmt.Errorf("data: %s is %dx%d, want %dx%d",
			d.imgPaths[i], img.Rows(), img.Cols(), wantRows, wantCols)
	}

	t := transforms.ToTensor().Run(img)
	if d.normalize {
		t = transforms.Normalize(imagenetMean, imagenetStd).Run(t)
	}

	// (C, gridH*patchH, gridW*patchW) -> (gridH, gridW, C, patchH, patchW)
	channels := t.Shape()[0]
	grid := t.View(channels, d.gridH, d.patchH, d.gridW, d.patchW)
	grid = grid.Permute([]int64{1, 3, 0, 2, 4})

	label, err := d.readLabel(i)
	if err != nil {
		return torch.Tensor{}, torch.Tensor{}, err
	}
	return grid, label, nil
}

// readLabel decodes the label grid: a grayscale image of exactly
// (gridH, gridW) pixels whose values are class ids.
func (d *PatchGridDataset) readLabel(i int) (torch.Tensor, error) {
	m := gocv.IMRead(d.lblPaths[i], gocv.IMReadGrayScale)
	if m.Empty() {
		return torch.Tensor{}, fmt.Errorf("data: cannot decode %s", d.lblPaths[i])
	}
	defer m.Close()

	if int64(m.Rows()) != d.gridH || int64(m.Cols()) != d.gridW {
		return torch.Tensor{}, fmt.Errorf("data: label %s is %dx%d, want %dx%d",
			d.lblPaths[i], m.Rows(), m.Cols(), d.gridH, d.gridW)
	}

	vals := make([]int64, 0, d.gridH*d.gridW)
	for r := 0; r < int(d.gridH); r++ {
		for c := 0; c < int(d.gridW); c++ {
			vals = append(vals, int64(m.GetUCharAt(r, c)))
		}
	}
	return torch.NewTensor(vals).View(d.gridH, d.gridW), nil
}
