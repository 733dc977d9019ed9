// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package network builds the embedding network: a convolutional backbone followed by a dense
// embedding head whose output is L2-normalized.
//
// Variables are created under "/model": the backbone under "/model/backbone" and the head under
// "/model/embedding". Backbone hyperparameters are read from the context parameters, so they can be
// changed with the "-set" command-line flag.
package network

import (
	"math"
	"slices"
	"strings"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/smoothap/internal/config"
	"github.com/gomlx/smoothap/internal/optim"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// Scope of all model variables.
	Scope = "model"

	// BackboneScope and EmbeddingScope are sub-scopes of Scope.
	BackboneScope  = "backbone"
	EmbeddingScope = "embedding"
)

// BackboneFn builds the features of a batch of images shaped [batch_size, height, width, 3].
// It returns a tensor shaped [batch_size, num_features].
type BackboneFn func(ctx *context.Context, images *Node) *Node

// KnownArchitectures maps the architecture names to their backbones.
var KnownArchitectures = map[string]BackboneFn{
	"cnn":    CNNBackbone,
	"resnet": ResNetBackbone,
}

// KnownEmbedInits lists the initializations of the embedding head weights. "default" uses the
// context default initializer.
var KnownEmbedInits = []string{"default", "kaiming_normal", "kaiming_uniform", "normal"}

// normalInitStddev is the standard deviation of the "normal" embedding initialization.
const normalInitStddev = 0.01

// Per-channel statistics used to standardize the input images, whose values are in [0, 1].
var (
	imageMean = []float32{0.485, 0.456, 0.406}
	imageStd  = []float32{0.229, 0.224, 0.225}
)

// Network is the embedding network of a run.
type Network struct {
	cfg      config.Config
	backbone BackboneFn
}

// New returns the network configured in cfg.
func New(cfg config.Config) (*Network, error) {
	backbone, found := KnownArchitectures[cfg.Arch]
	if !found {
		return nil, errors.Errorf("unknown architecture %q, valid values are %q", cfg.Arch, xslices.SortedKeys(KnownArchitectures))
	}
	if !slices.Contains(KnownEmbedInits, cfg.EmbedInit) {
		return nil, errors.Errorf("unknown embedding initialization %q, valid values are %q", cfg.EmbedInit, KnownEmbedInits)
	}
	if cfg.EmbedDim < 1 {
		return nil, errors.Errorf("embedding dimension must be >= 1, got %d", cfg.EmbedDim)
	}
	return &Network{cfg: cfg.Clone(), backbone: backbone}, nil
}

// Arch returns the name of the backbone architecture.
func (n *Network) Arch() string { return n.cfg.Arch }

// EmbedDim returns the dimension of the embeddings.
func (n *Network) EmbedDim() int { return n.cfg.EmbedDim }

// Embed returns the L2-normalized embeddings of the images, shaped [batch_size, embed_dim].
//
// Whether batch normalization uses the batch statistics depends on ctx.IsTraining. Its moving
// averages are only updated if Config.FineTuneBatchNorm is set.
func (n *Network) Embed(ctx *context.Context, images *Node) *Node {
	g := images.Graph()
	dtype := images.DType()
	images.AssertRank(4)
	batchSize := images.Shape().Dim(0)

	ctx = ctx.In(Scope)
	ctx.SetParam(ParamFineTuneBatchNorm, n.cfg.FineTuneBatchNorm)
	mean := ConvertDType(Reshape(Const(g, imageMean), 1, 1, 1, 3), dtype)
	std := ConvertDType(Reshape(Const(g, imageStd), 1, 1, 1, 3), dtype)
	x := Div(Sub(images, mean), std)
	features := n.backbone(ctx.In(BackboneScope), x)
	features.AssertRank(2)
	embeddings := layers.Dense(n.embeddingContext(ctx, features.Shape().Dim(1)), features, true, n.cfg.EmbedDim)
	embeddings.AssertDims(batchSize, n.cfg.EmbedDim)
	return L2Normalize(embeddings, 1)
}

// embeddingContext returns the context of the embedding head, with the initializer of its weights.
func (n *Network) embeddingContext(ctx *context.Context, numFeatures int) *context.Context {
	ctx = ctx.In(EmbeddingScope)
	fanIn := float64(numFeatures)
	switch n.cfg.EmbedInit {
	case "kaiming_normal":
		return ctx.WithInitializer(initializers.RandomNormalFn(ctx, math.Sqrt(2/fanIn)))
	case "kaiming_uniform":
		bound := math.Sqrt(6 / fanIn)
		return ctx.WithInitializer(initializers.RandomUniformFn(ctx, -bound, bound))
	case "normal":
		return ctx.WithInitializer(initializers.RandomNormalFn(ctx, normalInitStddev))
	}
	return ctx
}

// Groups returns the optimizer parameter groups of the network variables: the embedding head is
// trained with the learning rate times the embedding multiplier (if not 0).
func (n *Network) Groups() []optim.Group {
	embeddingLR := n.cfg.LearningRate
	if n.cfg.EmbeddingLRMultiplier > 0 {
		embeddingLR *= n.cfg.EmbeddingLRMultiplier
	}
	modelScope := context.ScopeSeparator + Scope
	return []optim.Group{
		{
			Name:         "backbone",
			Scope:        modelScope,
			LearningRate: n.cfg.LearningRate,
			WeightDecay:  n.cfg.WeightDecay,
		},
		{
			Name:         "embedding",
			Scope:        modelScope + context.ScopeSeparator + EmbeddingScope,
			LearningRate: embeddingLR,
			WeightDecay:  n.cfg.WeightDecay,
		},
	}
}

// LoadPretrained attaches the pretrained backbone checkpoint of the architecture to ctx, if
// Config.Pretrained is set and the checkpoint exists. Variables are loaded when first created, so it
// must be called before the model graph is built.
//
// Only the variables under "/model/backbone" are taken from the checkpoint: the embedding head,
// optimizer state and global step are left to the loaders attached before, or to their
// initializers. Context parameters stored in the checkpoint are ignored. It returns whether a
// checkpoint was attached.
func (n *Network) LoadPretrained(ctx *context.Context) (bool, error) {
	if !n.cfg.Pretrained {
		return false, nil
	}
	dir := n.cfg.PretrainedDir()
	exists, err := fsutil.FileExists(dir)
	if err != nil {
		return false, errors.WithMessagef(err, "checking pretrained weights in %q", dir)
	}
	if !exists {
		klog.Warningf("No pretrained weights for %q in %q: training the backbone from scratch", n.cfg.Arch, dir)
		return false, nil
	}
	previous := ctx.Loader()
	handler, err := checkpoints.Build(ctx).Dir(dir).ExcludeAllParams().Done()
	if err != nil {
		return false, errors.WithMessagef(err, "loading pretrained weights from %q", dir)
	}
	ctx.SetLoader(&scopedLoader{
		scope:    context.ScopeSeparator + Scope + context.ScopeSeparator + BackboneScope,
		inScope:  handler,
		previous: previous,
	})
	hasCheckpoints, err := handler.HasCheckpoints()
	if err != nil {
		return false, err
	}
	if !hasCheckpoints {
		klog.Warningf("Directory %q has no checkpoints: training the backbone from scratch", dir)
		return false, nil
	}
	klog.Infof("Loading pretrained %q backbone from %q", n.cfg.Arch, dir)
	return true, nil
}

// scopedLoader loads the variables under scope with inScope, and all others with previous.
// inScope must have been attached after previous, so it also consults previous first.
type scopedLoader struct {
	scope    string
	inScope  context.Loader
	previous context.Loader
}

func (l *scopedLoader) contains(scope string) bool {
	return scope == l.scope || strings.HasPrefix(scope, l.scope+context.ScopeSeparator)
}

// LoadVariable implements context.Loader.
func (l *scopedLoader) LoadVariable(ctx *context.Context, scope, name string) (*tensors.Tensor, bool) {
	if l.contains(scope) {
		return l.inScope.LoadVariable(ctx, scope, name)
	}
	if l.previous == nil {
		return nil, false
	}
	return l.previous.LoadVariable(ctx, scope, name)
}

// DeleteVariable implements context.Loader. inScope cascades the deletion to previous.
func (l *scopedLoader) DeleteVariable(ctx *context.Context, scope, name string) error {
	return l.inScope.DeleteVariable(ctx, scope, name)
}
