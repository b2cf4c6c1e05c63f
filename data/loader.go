package data

import (
	"math/rand"

	torch "github.com/wangkuiyi/gotorch"
)

// Loader batches a Dataset behind the Scan/Minibatch protocol. Reset rewinds
// (and reshuffles) it for the next epoch.
type Loader struct {
	ds        Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand

	order []int
	pos   int

	input torch.Tensor
	label torch.Tensor
	err   error
}

// NewLoader wraps ds. A batchSize below 1 is treated as 1.
func NewLoader(ds Dataset, batchSize int, shuffle bool, seed int64) *Loader {
	if batchSize < 1 {
		batchSize = 1
	}
	l := &Loader{
		ds:        ds,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
	}
	l.Reset()
	return l
}

// Reset rewinds the loader and draws a fresh sample order.
func (l *Loader) Reset() {
	l.order = make([]int, l.ds.Len())
	for i := range l.order {
		l.order[i] = i
	}
	if l.shuffle {
		l.rng.Shuffle(len(l.order), func(i, j int) {
			l.order[i], l.order[j] = l.order[j], l.order[i]
		})
	}
	l.pos = 0
	l.err = nil
}

// Scan prepares the next minibatch. It returns false at the end of the epoch
// or on a decode error (see Err).
func (l *Loader) Scan() bool {
	if l.err != nil || l.pos >= len(l.order) {
		return false
	}
	end := l.pos + l.batchSize
	if end > len(l.order) {
		end = len(l.order)
	}

	grids := make([]torch.Tensor, 0, end-l.pos)
	labels := make([]torch.Tensor, 0, end-l.pos)
	for _, idx := range l.order[l.pos:end] {
		g, lbl, err := l.ds.At(idx)
		if err != nil {
			l.err = err
			return false
		}
		grids = append(grids, g)
		labels = append(labels, lbl)
	}
	l.pos = end

	l.input = torch.Stack(grids, 0)
	l.label = torch.Stack(labels, 0)
	return true
}

// Minibatch returns the batch prepared by the last successful Scan.
func (l *Loader) Minibatch() (torch.Tensor, torch.Tensor) {
	return l.input, l.label
}

// Err reports the decode error that stopped the loader, if any.
func (l *Loader) Err() error { return l.err }

// Len is the number of samples in the underlying dataset.
func (l *Loader) Len() int { return l.ds.Len() }

// subset presents a fixed index selection of another dataset.
type subset struct {
	ds  Dataset
	idx []int
}

func (s *subset) Len() int { return len(s.idx) }

func (s *subset) At(i int) (torch.Tensor, torch.Tensor, error) {
	return s.ds.At(s.idx[i])
}

// Split randomly partitions ds into train and validation subsets, holding
// out valFraction of the samples (at least one when the dataset is
// non-empty).
func Split(ds Dataset, valFraction float64, seed int64) (train, val Dataset) {
	n := ds.Len()
	nVal := int(valFraction * float64(n))
	if nVal < 1 && n > 1 {
		nVal = 1
	}

	order := rand.New(rand.NewSource(seed)).Perm(n)
	return &subset{ds: ds, idx: order[nVal:]}, &subset{ds: ds, idx: order[:nVal]}
}
