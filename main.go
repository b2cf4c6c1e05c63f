// Command st-gridnet trains a GridNet tissue segmentation model on a
// directory of patch-grid images and per-cell label grids.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/nn/initializer"

	"github.com/codyheiser/st-gridnet/classifier"
	"github.com/codyheiser/st-gridnet/data"
	"github.com/codyheiser/st-gridnet/gridnet"
	"github.com/codyheiser/st-gridnet/optim"
	"github.com/codyheiser/st-gridnet/train"
	"github.com/codyheiser/st-gridnet/util"
)

const imageChannels = 3

func main() {
	classes := flag.Int64("k", 2, "number of foreground classes")
	batchSize := flag.Int("b", 1, "batch size")
	epochs := flag.Int("n", 5, "number of training epochs")
	accumIters := flag.Int("a", 1, "step optimizers every a batches (gradient accumulation)")
	outfile := flag.String("o", "", "path in which to save the best model")
	chunks := flag.Int64("c", 0, "number of gradient checkpoint chunks (0 disables chunking)")
	pretrained := flag.String("p", "", "path to pretrained patch classifier weights")
	deep := flag.Bool("d", false, "use the deep patch classifier architecture")
	finetune := flag.Bool("f", false, "fine-tune the patch classifier parameters")
	hex := flag.Bool("x", false, "treat the grid as hexagonally packed")
	gridH := flag.Int64("grid-h", 32, "grid height in patches")
	gridW := flag.Int64("grid-w", 32, "grid width in patches")
	patchH := flag.Int64("patch-h", 64, "patch height in pixels")
	patchW := flag.Int64("patch-w", 64, "patch width in pixels")
	seed := flag.Int64("seed", 1, "random seed")
	flag.Parse()

	if flag.NArg() != 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] imgdir lbldir\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}
	imgDir, lblDir := flag.Arg(0), flag.Arg(1)

	util.InitLogger("gridnet")
	initializer.ManualSeed(*seed)

	var device torch.Device
	if torch.IsCUDAAvailable() {
		log.Println("CUDA is available")
		device = torch.NewDevice("cuda")
	} else {
		log.Println("No CUDA found; fitting on CPU")
		device = torch.NewDevice("cpu")
	}

	// The deep classifier expects ImageNet-style channel normalization.
	dataset, err := data.NewPatchGridDataset(imgDir, lblDir, *gridH, *gridW, *patchH, *patchW, *deep)
	if err != nil {
		log.Fatal(err)
	}
	trainDS, valDS := data.Split(dataset, 0.2, *seed)
	loaders := map[string]train.Loader{
		"train": data.NewLoader(trainDS, *batchSize, true, *seed),
		"val":   data.NewLoader(valDS, *batchSize, true, *seed+1),
	}

	pc, pcParams := buildClassifier(*deep, *patchH, *patchW, *classes, *pretrained, *finetune)

	// Chunk count translates into a per-call patch cap over one batch of
	// flattened grids.
	var atonce int64
	if *chunks > 0 {
		total := int64(*batchSize) * *gridH * *gridW
		atonce = (total + *chunks - 1) / *chunks
	}

	net := gridnet.New(pc, gridnet.Config{
		PatchShape:       [3]int64{imageChannels, *patchH, *patchW},
		GridShape:        [2]int64{*gridH, *gridW},
		NumClasses:       *classes,
		UseBatchNorm:     !*finetune,
		Topology:         topology(*hex),
		AtOncePatchLimit: atonce,
	})

	gOpt := optim.Adam(net.Corrector().Parameters(), 0.001, 0.9, 0.999, 1e-8)
	var fOpt optim.Optimizer
	if *finetune {
		fOpt = optim.Adam(pcParams, 0.0001, 0.9, 0.999, 1e-8)
	}

	state, err := train.Run(net, loaders, gOpt, fOpt, train.Config{
		Epochs:     *epochs,
		AccumIters: *accumIters,
		Outfile:    *outfile,
		Device:     device,
	})
	if err != nil {
		log.Fatal(err)
	}

	for epoch, acc := range state.History {
		util.Logger.Printf("epoch %d val acc %.4f", epoch, acc)
	}
}

func topology(hex bool) gridnet.Topology {
	if hex {
		return gridnet.Hexagonal
	}
	return gridnet.Rectangular
}

// buildClassifier constructs the patch classifier, loads pretrained weights
// when given, and freezes it unless fine-tuning. The returned parameters are
// the group handed to the secondary optimizer.
func buildClassifier(deep bool, patchH, patchW, classes int64, pretrained string, finetune bool) (gridnet.PatchClassifier, []torch.Tensor) {
	type patchModule interface {
		gridnet.PatchClassifier
		StateDict() map[string]torch.Tensor
		SetStateDict(states map[string]torch.Tensor) error
		Parameters() []torch.Tensor
		SetTrainable(on bool)
	}

	var m patchModule
	if deep {
		m = classifier.NewDeepPatchCNN(imageChannels, patchH, patchW, classes)
	} else {
		m = classifier.NewPatchCNN(imageChannels, patchH, patchW, classes)
	}

	if pretrained != "" {
		if err := classifier.Load(m, pretrained); err != nil {
			log.Fatal(err)
		}
		log.Printf("loaded pretrained patch classifier from %s", pretrained)
	}
	if !finetune {
		m.SetTrainable(false)
	}
	return m, m.Parameters()
}
