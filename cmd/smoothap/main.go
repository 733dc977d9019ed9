// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// smoothap trains an image embedding network for retrieval with the Smooth-AP, triplet or margin
// losses, evaluating Recall@K, NMI and F1 after every epoch.
//
// Example:
//
//	smoothap -dataset=METU-Trademark -source_path=~/datasets -save_path=~/runs -loss=smoothap \
//		-arch=resnet -set="resnet_num_stages=3"
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/smoothap/internal/config"
	"github.com/gomlx/smoothap/internal/criteria"
	"github.com/gomlx/smoothap/internal/evaluation"
	"github.com/gomlx/smoothap/internal/experiment"
	"github.com/gomlx/smoothap/internal/network"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var defaults = config.Default()

var (
	flagDataset    = flag.String("dataset", defaults.Dataset, "Dataset folder under -source_path.")
	flagSourcePath = flag.String("source_path", defaults.SourcePath, "Directory holding the datasets.")
	flagSavePath   = flag.String("save_path", defaults.SavePath, "Base directory of the run outputs.")
	flagSaveName   = flag.String("savename", "", "Optional suffix appended to the run name.")

	flagLR          = flag.Float64("lr", defaults.LearningRate, "Learning rate of the backbone.")
	flagFCLRMul     = flag.Float64("fc_lr_mul", defaults.EmbeddingLRMultiplier, "Learning rate multiplier of the embedding layer, 0 to disable.")
	flagDecay       = flag.Float64("decay", defaults.WeightDecay, "Weight decay of the network parameters.")
	flagEpochs      = flag.Int("n_epochs", defaults.Epochs, "Number of training epochs.")
	flagKernels     = flag.Int("kernels", defaults.Workers, "Number of goroutines decoding images, 0 for the number of CPUs.")
	flagBatchSize   = flag.Int("bs", defaults.BatchSize, "Training batch size.")
	flagEvalBS      = flag.Int("eval_bs", defaults.EvalBatchSize, "Evaluation batch size.")
	flagSPC         = flag.Int("samples_per_class", defaults.SamplesPerClass, "Examples of each class in a training batch.")
	flagSeed        = flag.Int64("seed", defaults.Seed, "Random seed.")
	flagScheduler   = flag.String("scheduler", defaults.Scheduler, "Learning rate scheduler: step, exp or none.")
	flagGamma       = flag.Float64("gamma", defaults.Gamma, "Learning rate decay of the scheduler.")
	flagMilestones  = xslices.Flag("tau", defaults.Milestones, "Comma separated epochs where the step scheduler decays the learning rate.", strconv.Atoi)
	flagOptimizer   = flag.String("opt", defaults.Optimizer, "Optimizer: adam or sgd.")
	flagLoss        = flag.String("loss", defaults.Loss, fmt.Sprintf("Loss, one of %q.", xslices.SortedKeys(criteria.KnownLosses)))
	flagSampling    = flag.String("sampling", defaults.Sampling, fmt.Sprintf("Triplet sampling, one of %q.", xslices.SortedKeys(criteria.KnownSamplers)))
	flagTemperature = flag.Float64("sigmoid_temperature", defaults.SigmoidTemperature, "Temperature of the Smooth-AP sigmoid.")
	flagMargin      = flag.Float64("margin", defaults.Margin, "Margin of the triplet and margin losses.")
	flagBeta        = flag.Float64("beta", defaults.BetaInit, "Initial boundary of the margin loss.")
	flagBetaLR      = flag.Float64("beta_lr", defaults.BetaLearningRate, "Learning rate of the margin loss boundary.")
	flagRecallK     = xslices.Flag("k_vals", defaults.RecallK, "Comma separated K values of Recall@K. The first one selects the best checkpoint.", strconv.Atoi)
	flagEmbedDim    = flag.Int("embed_dim", defaults.EmbedDim, "Embedding dimension.")
	flagEmbedInit   = flag.String("embed_init", defaults.EmbedInit, fmt.Sprintf("Initialization of the embedding layer, one of %q.", network.KnownEmbedInits))
	flagFTBatchNorm = flag.Bool("ft_batchnorm", false, "Update the batch normalization moving averages during training, instead of keeping them frozen.")
	flagArch        = flag.String("arch", defaults.Arch, "Backbone architecture: cnn or resnet.")
	flagImageSize   = flag.Int("image_size", defaults.ImageSize, "Size of the square images fed to the network.")
	flagResize256   = flag.Bool("resize256", false, "Resize evaluation images proportionally before center cropping them.")
	flagNotPretrain = flag.Bool("not_pretrained", false, "Don't load the pretrained backbone weights.")
	flagGradMeasure = flag.Bool("grad_measure", false, "Dump the gradient norms of the embedding layer for every step.")
	flagDistMeasure = flag.Bool("dist_measure", false, "Measure the intra/inter class distance ratio on the training images after every epoch.")
	flagInitPath    = flag.String("init_pth", "", "Checkpoint directory used to initialize the model.")
	flagEvalOnly    = flag.Bool("eval_only", false, "Only evaluate the model, without training.")
	flagGPU         = flag.Int("gpu", defaults.GPU, "Index of the GPU to use, -1 for the default.")
	flagBackend     = flag.String("backend", "", fmt.Sprintf("GoMLX backend configuration, overrides $%s.", backends.ConfigEnvVar))
	flagKeep        = flag.Int("num_checkpoints", defaults.NumCheckpoints, "Number of latest checkpoints kept.")
)

// configFromFlags returns the configuration set by the flags. settings are the GoMLX context settings
// given with "-set".
func configFromFlags(settings string) (config.Config, error) {
	cfg := config.Default()
	cfg.Dataset = *flagDataset
	var err error
	if cfg.SourcePath, err = fsutil.ReplaceTildeInDir(*flagSourcePath); err != nil {
		return cfg, err
	}
	if cfg.SavePath, err = fsutil.ReplaceTildeInDir(*flagSavePath); err != nil {
		return cfg, err
	}
	cfg.SaveName = *flagSaveName
	cfg.LearningRate = *flagLR
	cfg.EmbeddingLRMultiplier = *flagFCLRMul
	cfg.WeightDecay = *flagDecay
	cfg.Epochs = *flagEpochs
	cfg.Workers = *flagKernels
	cfg.BatchSize = *flagBatchSize
	cfg.EvalBatchSize = *flagEvalBS
	cfg.SamplesPerClass = *flagSPC
	cfg.Seed = *flagSeed
	cfg.Scheduler = *flagScheduler
	cfg.Gamma = *flagGamma
	cfg.Milestones = *flagMilestones
	cfg.Optimizer = *flagOptimizer
	cfg.Loss = *flagLoss
	cfg.Sampling = *flagSampling
	cfg.SigmoidTemperature = *flagTemperature
	cfg.Margin = *flagMargin
	cfg.BetaInit = *flagBeta
	cfg.BetaLearningRate = *flagBetaLR
	cfg.RecallK = *flagRecallK
	cfg.EmbedDim = *flagEmbedDim
	cfg.EmbedInit = *flagEmbedInit
	cfg.FineTuneBatchNorm = *flagFTBatchNorm
	cfg.Arch = *flagArch
	cfg.ImageSize = *flagImageSize
	cfg.Resize256 = *flagResize256
	cfg.Pretrained = !*flagNotPretrain
	cfg.GradMeasure = *flagGradMeasure
	cfg.DistMeasure = *flagDistMeasure
	if *flagInitPath != "" {
		if cfg.InitCheckpoint, err = fsutil.ReplaceTildeInDir(*flagInitPath); err != nil {
			return cfg, err
		}
	}
	cfg.EvalOnly = *flagEvalOnly
	cfg.GPU = *flagGPU
	cfg.Backend = strings.TrimSpace(*flagBackend)
	cfg.NumCheckpoints = *flagKeep
	cfg.ContextSettings = settings
	return cfg, nil
}

func main() {
	klog.InitFlags(nil)

	// Context only used to list the backbone hyperparameters in the -set help.
	settingsCtx := context.New()
	settingsCtx.SetParams(network.DefaultParams())
	settings := commandline.CreateContextSettingsFlag(settingsCtx, "set")
	flag.Parse()

	if err := run(*settings, os.Stdout); err != nil {
		klog.Exitf("%+v", err)
	}
	klog.Flush()
}

// run the experiment configured by the flags, printing the best result to out.
func run(settings string, out io.Writer) error {
	cfg, err := configFromFlags(settings)
	if err != nil {
		return errors.WithMessage(err, "configuration")
	}
	if cfg.GPU >= 0 {
		if err = os.Setenv("CUDA_VISIBLE_DEVICES", strconv.Itoa(cfg.GPU)); err != nil {
			return errors.Wrap(err, "selecting GPU")
		}
	}
	outcome, err := experiment.Run(cfg, out)
	if err != nil {
		return errors.WithMessagef(err, "run %q", cfg.ExperimentName())
	}
	if outcome.BestEpoch >= 0 {
		_, _ = fmt.Fprintf(out, "Best %s: %.4f at epoch %d, run in %q\n",
			evaluation.RecallName(cfg.RecallK[0]), outcome.BestRecall, outcome.BestEpoch, outcome.Dir)
	}
	return nil
}
