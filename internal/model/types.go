package model

import (
	"context"

	"github.com/Brownie44l1/caption-api/internal/preprocess"
)

// Encoder maps one normalized image to a fixed-length embedding.
// Implementations run in inference mode and never mutate their weights.
type Encoder interface {
	Encode(ctx context.Context, t *preprocess.Tensor) ([]float32, error)
}

// Decoder greedily generates token ids for one embedding. The sequence ends
// with the end id or stops at the configured step limit.
type Decoder interface {
	Decode(ctx context.Context, embedding []float32) ([]int, error)
}

// RecurrentState is the hidden and cell state carried between decoder steps,
// each laid out as [layers, 1, hidden].
type RecurrentState struct {
	H []float32
	C []float32
}

// Stepper runs a single decoder step. prevToken is -1 on the first step,
// meaning the step is conditioned on features alone.
type Stepper interface {
	Step(ctx context.Context, features []float32, prevToken int64, state *RecurrentState) ([]float32, *RecurrentState, error)
}

// DecoderConfig bounds and parameterizes greedy decoding.
type DecoderConfig struct {
	EmbedSize  int
	HiddenSize int
	NumLayers  int
	VocabSize  int
	EndID      int
	MaxSteps   int
}
