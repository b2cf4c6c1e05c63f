// Package train drives epochs of train/val phases over a GridNet: masking
// background cells, accumulating gradients, stepping one or two optimizers,
// and persisting the best checkpoint seen on validation accuracy.
package train

import (
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	torch "github.com/wangkuiyi/gotorch"

	"github.com/codyheiser/st-gridnet/gridnet"
	"github.com/codyheiser/st-gridnet/metrics"
	"github.com/codyheiser/st-gridnet/optim"
	"github.com/codyheiser/st-gridnet/util"
)

// Loader yields minibatches of (input grids, label grids) and can be rewound
// for the next epoch. data.Loader satisfies it.
type Loader interface {
	Scan() bool
	Minibatch() (torch.Tensor, torch.Tensor)
	Reset()
	Err() error
	Len() int
}

// Config holds the training loop parameters.
type Config struct {
	Epochs int
	// AccumIters is the gradient accumulation interval: optimizers step
	// once every AccumIters batches.
	AccumIters int
	// Outfile receives the best model weights; optimizer state goes to
	// the same path with its extension replaced by ".opt". Empty disables
	// persistence.
	Outfile string
	Device  torch.Device
}

// State is the mutable training state, updated only at epoch boundaries.
type State struct {
	BestAcc     float64
	BestWeights map[string]torch.Tensor
	// History records validation accuracy per epoch.
	History []float64
}

// Run trains net over loaders["train"] and loaders["val"]. gOpt updates the
// corrector parameters; fOpt, when non-nil, updates a second parameter group
// (the patch classifier under fine-tuning). On return the net holds the
// best-validation weights seen.
func Run(net *gridnet.GridNet, loaders map[string]Loader, gOpt, fOpt optim.Optimizer, cfg Config) (*State, error) {
	if cfg.AccumIters < 1 {
		cfg.AccumIters = 1
	}
	since := time.Now()
	net.To(cfg.Device)

	state := &State{BestWeights: util.CloneStates(net.StateDict())}

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		util.Logger.Printf("Epoch %d/%d", epoch, cfg.Epochs-1)

		for _, phase := range []string{"train", "val"} {
			acc, err := runEpoch(net, loaders[phase], gOpt, fOpt, phase, cfg)
			if err != nil {
				return nil, err
			}
			if phase != "val" {
				continue
			}
			state.History = append(state.History, acc)
			if acc > state.BestAcc {
				state.BestAcc = acc
				state.BestWeights = util.CloneStates(net.StateDict())
				if cfg.Outfile != "" {
					if err := saveCheckpoint(net, gOpt, fOpt, cfg.Outfile); err != nil {
						return nil, err
					}
				}
			}
		}
	}

	util.Logger.Printf("Training complete in %s", time.Since(since).Round(time.Second))
	util.Logger.Printf("Best val Acc: %.4f", state.BestAcc)

	if err := net.SetStateDict(state.BestWeights); err != nil {
		return nil, err
	}
	return state, nil
}

func runEpoch(net *gridnet.GridNet, loader Loader, gOpt, fOpt optim.Optimizer, phase string, cfg Config) (float64, error) {
	isTrain := phase == "train"
	net.Train(isTrain)

	if isTrain {
		gOpt.ZeroGrad()
		if fOpt != nil {
			fOpt.ZeroGrad()
		}
	}

	var runningLoss float64
	var corrects, foreground int64
	samples := 0
	var epochScores [][]float32
	var epochLabels []int64

	loader.Reset()
	for batchInd := 0; loader.Scan(); batchInd++ {
		inputs, labels := loader.Minibatch()
		inputs = inputs.To(cfg.Device, inputs.Dtype())
		labels = labels.To(cfg.Device, labels.Dtype())

		outputs := net.Forward(inputs)

		oShape, lShape := outputs.Shape(), labels.Shape()
		if oShape[2] != lShape[1] || oShape[3] != lShape[2] {
			panic(fmt.Sprintf("train: output grid %dx%d does not match label grid %dx%d",
				oShape[2], oShape[3], lShape[1], lShape[2]))
		}

		rows := gridScores(outputs)
		lbls := gridLabels(labels)

		// Foreground classes arrive as 1..N with 0 for background. The
		// loss is the mean negative log-probability of the true class
		// over foreground cells, selected through a one-hot mask so
		// background cells never contribute; a batch with no foreground
		// produces no loss and nothing to backpropagate.
		var fgd int64
		for _, l := range lbls {
			if l > 0 {
				fgd++
			}
		}
		batchSize := int(oShape[0])
		if fgd > 0 {
			logProbs := outputs.LogSoftmax(1)
			mask := foregroundMask(lbls, oShape)
			mask = mask.To(cfg.Device, mask.Dtype())
			total := torch.Sum(torch.Mul(logProbs, mask))
			loss := torch.Mul(total, util.Scalar(-1/(float32(fgd)*float32(cfg.AccumIters)), false))
			if isTrain {
				net.Backward(loss)
			}
			runningLoss += float64(loss.Item().(float32)) * float64(batchSize)
		}
		if isTrain && (batchInd+1)%cfg.AccumIters == 0 {
			gOpt.Step()
			gOpt.ZeroGrad()
			if fOpt != nil {
				fOpt.Step()
				fOpt.ZeroGrad()
			}
		}
		samples += batchSize

		c, f := accumulateMetrics(rows, lbls, &epochScores, &epochLabels)
		corrects += c
		foreground += f
	}
	if err := loader.Err(); err != nil {
		return 0, err
	}

	epochLoss := math.NaN()
	if samples > 0 {
		epochLoss = runningLoss / float64(samples)
	}
	epochAcc := 0.0
	if foreground > 0 {
		epochAcc = float64(corrects) / float64(foreground)
	}
	util.Logger.Printf("%s Loss: %.4f Acc: %.4f", phase, epochLoss, epochAcc)
	util.Logger.Printf("%s AUROC: %s", phase, formatAUROC(metrics.ClassAUROC(epochScores, epochLabels)))

	return epochAcc, nil
}

// gridScores flattens a (batch, classes, h, w) prediction tensor into one
// class-score row per grid cell, in (batch, row, column) order.
func gridScores(outputs torch.Tensor) [][]float32 {
	shape := outputs.Shape()
	b, k, h, w := shape[0], shape[1], shape[2], shape[3]
	rows := make([][]float32, 0, b*h*w)
	for bi := int64(0); bi < b; bi++ {
		for r := int64(0); r < h; r++ {
			for c := int64(0); c < w; c++ {
				row := make([]float32, k)
				for ki := int64(0); ki < k; ki++ {
					row[ki] = outputs.Index(bi, ki, r, c).Item().(float32)
				}
				rows = append(rows, row)
			}
		}
	}
	return rows
}

// gridLabels flattens a (batch, h, w) label tensor in the same cell order as
// gridScores.
func gridLabels(labels torch.Tensor) []int64 {
	shape := labels.Shape()
	b, h, w := shape[0], shape[1], shape[2]
	out := make([]int64, 0, b*h*w)
	for bi := int64(0); bi < b; bi++ {
		for r := int64(0); r < h; r++ {
			for c := int64(0); c < w; c++ {
				out = append(out, labels.Index(bi, r, c).Item().(int64))
			}
		}
	}
	return out
}

// foregroundMask builds a (batch, classes, h, w) tensor that is 1 at the
// 0-indexed true class of every foreground cell and 0 everywhere else,
// including all positions of background cells.
func foregroundMask(lbls []int64, shape []int64) torch.Tensor {
	b, k, h, w := shape[0], shape[1], shape[2], shape[3]
	vals := make([]float32, b*k*h*w)
	i := 0
	for bi := int64(0); bi < b; bi++ {
		for r := int64(0); r < h; r++ {
			for c := int64(0); c < w; c++ {
				if l := lbls[i]; l > 0 {
					vals[((bi*k+l-1)*h+r)*w+c] = 1
				}
				i++
			}
		}
	}
	m := torch.NewTensor(vals)
	return m.View(b, k, h, w)
}

// accumulateMetrics filters foreground cells (label > 0) out of one batch,
// counting argmax hits and buffering softmax rows with their 0-indexed
// labels for the epoch-end AUROC. Background cells contribute nothing.
func accumulateMetrics(rows [][]float32, lbls []int64, scores *[][]float32, labels *[]int64) (corrects, foreground int64) {
	for i, lbl := range lbls {
		if lbl <= 0 {
			continue
		}
		foreground++
		if argmax(rows[i]) == lbl-1 {
			corrects++
		}
		*scores = append(*scores, softmax(rows[i]))
		*labels = append(*labels, lbl-1)
	}
	return corrects, foreground
}

func argmax(row []float32) int64 {
	best := int64(0)
	for i, v := range row {
		if v > row[best] {
			best = int64(i)
		}
	}
	return best
}

func softmax(logits []float32) []float32 {
	max := logits[0]
	for _, v := range logits[1:] {
		if v > max {
			max = v
		}
	}
	var sum float64
	out := make([]float32, len(logits))
	for i, v := range logits {
		e := math.Exp(float64(v - max))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}

func formatAUROC(auroc []float64) string {
	parts := make([]string, len(auroc))
	for i, v := range auroc {
		parts[i] = fmt.Sprintf("%.4f", v)
	}
	return strings.Join(parts, "\t")
}

// saveCheckpoint persists model weights to outfile and optimizer state to
// the matching ".opt" file: a combined record keyed g_opt/f_opt when two
// optimizers run, the bare state otherwise.
func saveCheckpoint(net *gridnet.GridNet, gOpt, fOpt optim.Optimizer, outfile string) error {
	if err := encodeGob(outfile, net.StateDict()); err != nil {
		return err
	}

	optPath := strings.TrimSuffix(outfile, filepath.Ext(outfile)) + ".opt"
	if fOpt != nil {
		record := map[string]map[string]torch.Tensor{
			"g_opt": gOpt.StateDict(),
			"f_opt": fOpt.StateDict(),
		}
		return encodeGob(optPath, record)
	}
	return encodeGob(optPath, gOpt.StateDict())
}

func encodeGob(path string, v interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("train: cannot create %s: %w", path, err)
	}
	defer f.Close()

	if err := gob.NewEncoder(f).Encode(v); err != nil {
		return fmt.Errorf("train: encoding %s: %w", path, err)
	}
	return nil
}
