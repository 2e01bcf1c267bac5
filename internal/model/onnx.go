package model

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/Brownie44l1/caption-api/internal/errs"
	"github.com/Brownie44l1/caption-api/internal/preprocess"
)

// Tensor names of the exported encoder and decoder-step graphs.
const (
	EncoderInput  = "images"
	EncoderOutput = "features"

	DecoderFeatures  = "features"
	DecoderPrevToken = "prev_token"
	DecoderHIn       = "h_in"
	DecoderCIn       = "c_in"
	DecoderLogits    = "logits"
	DecoderHOut      = "h_out"
	DecoderCOut      = "c_out"
)

// RuntimeConfig selects the ONNX Runtime library and execution provider.
type RuntimeConfig struct {
	LibraryPath    string
	Device         Device
	IntraOpThreads int
}

// Runtime owns the process-wide ONNX Runtime environment.
type Runtime struct {
	cfg    RuntimeConfig
	logger *zap.Logger

	closeOnce sync.Once
}

func NewRuntime(cfg RuntimeConfig, logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, errs.Mark(errs.ErrLoad, err, "failed to initialize ONNX environment")
	}
	logger.Info("ONNX runtime initialized",
		zap.String("device", string(cfg.Device)),
		zap.String("library", cfg.LibraryPath))
	return &Runtime{cfg: cfg, logger: logger}, nil
}

func (r *Runtime) Device() Device { return r.cfg.Device }

func (r *Runtime) sessionOptions() (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("creating session options: %w", err)
	}
	if r.cfg.IntraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(r.cfg.IntraOpThreads); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("setting thread count: %w", err)
		}
	}
	if r.cfg.Device == DeviceCUDA {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("creating CUDA options: %w", err)
		}
		defer cudaOpts.Destroy()
		if err := opts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("enabling CUDA: %w", err)
		}
	}
	return opts, nil
}

func (r *Runtime) newSession(path string, inputs, outputs []string) (*ort.DynamicAdvancedSession, error) {
	opts, err := r.sessionOptions()
	if err != nil {
		return nil, errs.Mark(errs.ErrLoad, err, path)
	}
	defer opts.Destroy()

	session, err := ort.NewDynamicAdvancedSession(path, inputs, outputs, opts)
	if err != nil {
		return nil, errs.Mark(errs.ErrLoad, err, fmt.Sprintf("failed to create ONNX session for %s", path))
	}
	r.logger.Info("Loaded ONNX session", zap.String("path", path), zap.Strings("inputs", inputs), zap.Strings("outputs", outputs))
	return session, nil
}

// Close tears down the ONNX environment. Sessions must be closed first.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		if err := ort.DestroyEnvironment(); err != nil {
			r.logger.Warn("Failed to destroy ONNX environment", zap.Error(err))
		}
	})
}

// ONNXEncoder runs the exported image encoder graph.
type ONNXEncoder struct {
	session   *ort.DynamicAdvancedSession
	embedSize int
}

var _ Encoder = (*ONNXEncoder)(nil)

func (r *Runtime) LoadEncoder(path string, embedSize int) (*ONNXEncoder, error) {
	if embedSize <= 0 {
		return nil, errs.New(errs.ErrLoad, "embed size must be positive, got %d", embedSize)
	}
	session, err := r.newSession(path, []string{EncoderInput}, []string{EncoderOutput})
	if err != nil {
		return nil, err
	}
	return &ONNXEncoder{session: session, embedSize: embedSize}, nil
}

func (e *ONNXEncoder) Encode(_ context.Context, t *preprocess.Tensor) ([]float32, error) {
	input, err := ort.NewTensor(ort.NewShape(t.Shape()...), t.Data)
	if err != nil {
		return nil, errs.Mark(errs.ErrInference, err, "failed to create input tensor")
	}
	defer input.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(e.embedSize)))
	if err != nil {
		return nil, errs.Mark(errs.ErrInference, err, "failed to create output tensor")
	}
	defer output.Destroy()

	if err := e.session.Run([]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output}); err != nil {
		return nil, errs.Mark(errs.ErrInference, err, "encoder failed")
	}

	embedding := make([]float32, e.embedSize)
	copy(embedding, output.GetData())
	return embedding, nil
}

func (e *ONNXEncoder) Close() {
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
}

// ONNXDecoder runs the exported single-step recurrent decoder graph and
// drives it with GreedyDecode.
type ONNXDecoder struct {
	session *ort.DynamicAdvancedSession
	cfg     DecoderConfig
}

var (
	_ Decoder = (*ONNXDecoder)(nil)
	_ Stepper = (*ONNXDecoder)(nil)
)

func (r *Runtime) LoadDecoder(path string, cfg DecoderConfig) (*ONNXDecoder, error) {
	if cfg.EmbedSize <= 0 || cfg.HiddenSize <= 0 || cfg.VocabSize <= 0 {
		return nil, errs.New(errs.ErrLoad, "invalid decoder dimensions embed=%d hidden=%d vocab=%d",
			cfg.EmbedSize, cfg.HiddenSize, cfg.VocabSize)
	}
	if cfg.MaxSteps <= 0 {
		return nil, errs.New(errs.ErrLoad, "max steps must be positive, got %d", cfg.MaxSteps)
	}
	if cfg.NumLayers <= 0 {
		cfg.NumLayers = 1
	}
	session, err := r.newSession(path,
		[]string{DecoderFeatures, DecoderPrevToken, DecoderHIn, DecoderCIn},
		[]string{DecoderLogits, DecoderHOut, DecoderCOut})
	if err != nil {
		return nil, err
	}
	return &ONNXDecoder{session: session, cfg: cfg}, nil
}

func (d *ONNXDecoder) Decode(ctx context.Context, embedding []float32) ([]int, error) {
	if len(embedding) != d.cfg.EmbedSize {
		return nil, errs.New(errs.ErrInference, "embedding has %d values, want %d", len(embedding), d.cfg.EmbedSize)
	}
	return GreedyDecode(ctx, d, embedding, d.cfg.EndID, d.cfg.MaxSteps)
}

func (d *ONNXDecoder) stateLen() int {
	return d.cfg.NumLayers * d.cfg.HiddenSize
}

// Step runs one decoder step. A nil state starts from zeros.
func (d *ONNXDecoder) Step(_ context.Context, features []float32, prevToken int64, state *RecurrentState) ([]float32, *RecurrentState, error) {
	n := d.stateLen()
	h, c := make([]float32, n), make([]float32, n)
	if state != nil {
		if len(state.H) != n || len(state.C) != n {
			return nil, nil, errs.New(errs.ErrInference, "recurrent state has %d/%d values, want %d", len(state.H), len(state.C), n)
		}
		copy(h, state.H)
		copy(c, state.C)
	}

	stateShape := ort.NewShape(int64(d.cfg.NumLayers), 1, int64(d.cfg.HiddenSize))

	var inputs, outputs []ort.ArbitraryTensor
	defer func() {
		for _, t := range append(inputs, outputs...) {
			t.Destroy()
		}
	}()

	featT, err := ort.NewTensor(ort.NewShape(1, int64(len(features))), features)
	if err != nil {
		return nil, nil, errs.Mark(errs.ErrInference, err, "failed to create features tensor")
	}
	inputs = append(inputs, featT)
	tokT, err := ort.NewTensor(ort.NewShape(1, 1), []int64{prevToken})
	if err != nil {
		return nil, nil, errs.Mark(errs.ErrInference, err, "failed to create token tensor")
	}
	inputs = append(inputs, tokT)
	hT, err := ort.NewTensor(stateShape, h)
	if err != nil {
		return nil, nil, errs.Mark(errs.ErrInference, err, "failed to create hidden tensor")
	}
	inputs = append(inputs, hT)
	cT, err := ort.NewTensor(stateShape, c)
	if err != nil {
		return nil, nil, errs.Mark(errs.ErrInference, err, "failed to create cell tensor")
	}
	inputs = append(inputs, cT)

	logitsT, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(d.cfg.VocabSize)))
	if err != nil {
		return nil, nil, errs.Mark(errs.ErrInference, err, "failed to create logits tensor")
	}
	outputs = append(outputs, logitsT)
	hOut, err := ort.NewEmptyTensor[float32](stateShape)
	if err != nil {
		return nil, nil, errs.Mark(errs.ErrInference, err, "failed to create hidden output tensor")
	}
	outputs = append(outputs, hOut)
	cOut, err := ort.NewEmptyTensor[float32](stateShape)
	if err != nil {
		return nil, nil, errs.Mark(errs.ErrInference, err, "failed to create cell output tensor")
	}
	outputs = append(outputs, cOut)

	if err := d.session.Run(inputs, outputs); err != nil {
		return nil, nil, errs.Mark(errs.ErrInference, err, "decoder failed")
	}

	logits := make([]float32, d.cfg.VocabSize)
	copy(logits, logitsT.GetData())
	next := &RecurrentState{H: make([]float32, n), C: make([]float32, n)}
	copy(next.H, hOut.GetData())
	copy(next.C, cOut.GetData())
	return logits, next, nil
}

func (d *ONNXDecoder) Close() {
	if d.session != nil {
		d.session.Destroy()
		d.session = nil
	}
}
