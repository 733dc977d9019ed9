// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package network

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

// Backbone hyperparameters, read from the context.
const (
	// ParamCNNNumLayers is the number of convolution blocks of the "cnn" backbone.
	ParamCNNNumLayers = "cnn_num_layers"

	// ParamCNNChannels is the number of channels of the first "cnn" block, doubled on every block.
	ParamCNNChannels = "cnn_channels"

	// ParamCNNNormalization is the normalization used by the "cnn" backbone: "batch", "layer" or "none".
	ParamCNNNormalization = "cnn_normalization"

	// ParamResNetStages is the number of stages of the "resnet" backbone.
	ParamResNetStages = "resnet_num_stages"

	// ParamResNetBlocksPerStage is the number of residual blocks per stage.
	ParamResNetBlocksPerStage = "resnet_blocks_per_stage"

	// ParamResNetChannels is the number of channels of the stem, doubled on every stage.
	ParamResNetChannels = "resnet_channels"

	// ParamFineTuneBatchNorm enables the updates of the batch normalization moving averages. It is set
	// by Network.Embed from Config.FineTuneBatchNorm.
	ParamFineTuneBatchNorm = "ft_batchnorm"
)

// DefaultParams returns the default backbone hyperparameters. They are set in the context before
// the command-line settings are parsed, so "-set" knows their types.
func DefaultParams() map[string]any {
	return map[string]any{
		ParamCNNNumLayers:         4,
		ParamCNNChannels:          32,
		ParamCNNNormalization:     "batch",
		ParamResNetStages:         4,
		ParamResNetBlocksPerStage: 2,
		ParamResNetChannels:       64,
	}
}

// CNNBackbone is a plain convolutional backbone: blocks of two 3x3 convolutions with residual
// connections, each followed by a 2x2 max-pooling, and a final global average pooling.
func CNNBackbone(ctx *context.Context, images *Node) *Node {
	numLayers := context.GetParamOr(ctx, ParamCNNNumLayers, 4)
	numChannels := context.GetParamOr(ctx, ParamCNNChannels, 32)
	normalization := context.GetParamOr(ctx, ParamCNNNormalization, "batch")

	x := images
	for convIdx := range numLayers {
		ctx := ctx.Inf("%03d_conv", convIdx)
		for repeat := range 2 {
			ctx := ctx.Inf("repeat_%02d", repeat)
			residual := x
			x = layers.Convolution(ctx, x).Channels(numChannels).KernelSize(3).PadSame().Done()
			x = normalize(ctx, x, normalization)
			x = activations.Relu(x)
			if residual.Shape().Equal(x.Shape()) {
				x = Add(x, residual)
			}
		}
		if x.Shape().Dim(1) >= 2 && x.Shape().Dim(2) >= 2 {
			x = MaxPool(x).Window(2).Done()
		}
		numChannels *= 2
	}
	return globalAveragePool(x)
}

// ResNetBackbone is a residual network of basic blocks (two 3x3 convolutions with batch
// normalization), in the style of ResNet-18: a strided 7x7 stem, stages that halve the spatial
// dimensions and double the channels, and a final global average pooling.
func ResNetBackbone(ctx *context.Context, images *Node) *Node {
	numStages := context.GetParamOr(ctx, ParamResNetStages, 4)
	blocksPerStage := context.GetParamOr(ctx, ParamResNetBlocksPerStage, 2)
	numChannels := context.GetParamOr(ctx, ParamResNetChannels, 64)

	stemCtx := ctx.In("stem")
	x := layers.Convolution(stemCtx, images).Channels(numChannels).KernelSize(7).Strides(2).PadSame().Done()
	x = batchNorm(stemCtx, x)
	x = activations.Relu(x)
	x = MaxPool(x).Window(2).Done()

	for stage := range numStages {
		stageCtx := ctx.Inf("stage_%d", stage)
		for block := range blocksPerStage {
			strides := 1
			if stage > 0 && block == 0 {
				strides = 2
			}
			x = residualBlock(stageCtx.Inf("block_%d", block), x, numChannels, strides)
		}
		numChannels *= 2
	}
	return globalAveragePool(x)
}

// residualBlock is a basic ResNet block. The shortcut is projected with a 1x1 convolution if the
// shape changes.
func residualBlock(ctx *context.Context, x *Node, numChannels, strides int) *Node {
	shortcut := x
	x = layers.Convolution(ctx.In("conv_0"), x).Channels(numChannels).KernelSize(3).Strides(strides).PadSame().UseBias(false).Done()
	x = batchNorm(ctx.In("bn_0"), x)
	x = activations.Relu(x)
	x = layers.Convolution(ctx.In("conv_1"), x).Channels(numChannels).KernelSize(3).PadSame().UseBias(false).Done()
	x = batchNorm(ctx.In("bn_1"), x)
	if !shortcut.Shape().Equal(x.Shape()) {
		shortcut = layers.Convolution(ctx.In("projection"), shortcut).Channels(numChannels).KernelSize(1).Strides(strides).PadSame().UseBias(false).Done()
		shortcut = batchNorm(ctx.In("projection_bn"), shortcut)
	}
	return activations.Relu(Add(x, shortcut))
}

// batchNorm normalizes the last axis. Unless ParamFineTuneBatchNorm is set, the moving averages are
// frozen: training normalizes with them instead of the batch statistics, while scale and offset are
// still trained.
func batchNorm(ctx *context.Context, x *Node) *Node {
	fineTune := context.GetParamOr(ctx, ParamFineTuneBatchNorm, false)
	return batchnorm.New(ctx, x, -1).FrozenAverages(!fineTune).Done()
}

func normalize(ctx *context.Context, x *Node, normalization string) *Node {
	switch normalization {
	case "batch":
		return batchNorm(ctx, x)
	case "layer":
		return layers.LayerNormalization(ctx, x, 1, 2).ScaleNormalization(false).Done()
	case "none", "":
		return x
	}
	exceptions.Panicf("invalid normalization %q set with %q: valid values are batch, layer, none", normalization, ParamCNNNormalization)
	return nil
}

// globalAveragePool reduces images shaped [batch_size, height, width, channels] to [batch_size, channels].
func globalAveragePool(x *Node) *Node {
	x.AssertRank(4)
	return ReduceMean(x, 1, 2)
}
