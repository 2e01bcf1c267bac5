package caption

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Brownie44l1/caption-api/internal/errs"
	"github.com/Brownie44l1/caption-api/internal/logging"
	"github.com/Brownie44l1/caption-api/internal/metrics"
	"github.com/Brownie44l1/caption-api/internal/model"
	"github.com/Brownie44l1/caption-api/internal/preprocess"
	"github.com/Brownie44l1/caption-api/internal/vocab"
)

// Options tunes a Service. The zero value serializes all inference.
type Options struct {
	// Concurrency is how many requests may be inside encode+decode at once.
	// Use 1 when the models share a single accelerator.
	Concurrency int
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// Service captions images. Everything it holds is read-only after
// construction; per-request state lives on the stack of Caption.
type Service struct {
	pre   *preprocess.Preprocessor
	enc   model.Encoder
	dec   model.Decoder
	vocab *vocab.Vocabulary

	device  *semaphore.Weighted
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewService(pre *preprocess.Preprocessor, enc model.Encoder, dec model.Decoder, v *vocab.Vocabulary, opts Options) (*Service, error) {
	if pre == nil || enc == nil || dec == nil || v == nil {
		return nil, errors.New("caption: preprocessor, encoder, decoder and vocabulary are required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{
		pre:     pre,
		enc:     enc,
		dec:     dec,
		vocab:   v,
		device:  semaphore.NewWeighted(int64(opts.Concurrency)),
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}, nil
}

// Vocabulary returns the shared vocabulary.
func (s *Service) Vocabulary() *vocab.Vocabulary { return s.vocab }

// ImageSize is the edge length tensors passed to CaptionTensor must have.
func (s *Service) ImageSize() int { return s.pre.Size() }

// Caption runs preprocess, encode, decode and assemble over raw image bytes.
// Undecodable input fails with errs.ErrDecode before any model is invoked.
func (s *Service) Caption(ctx context.Context, image []byte) (string, error) {
	s.metrics.InFlight.Inc()
	defer s.metrics.InFlight.Dec()

	start := time.Now()
	tensor, err := s.pre.Process(image)
	s.observe(metrics.StagePreprocess, start)
	if err != nil {
		s.record(ctx, err)
		return "", err
	}

	text, err := s.run(ctx, tensor)
	s.record(ctx, err)
	return text, err
}

// CaptionTensor captions an already normalized tensor, skipping preprocessing.
func (s *Service) CaptionTensor(ctx context.Context, tensor *preprocess.Tensor) (string, error) {
	s.metrics.InFlight.Inc()
	defer s.metrics.InFlight.Dec()

	size := s.pre.Size()
	if tensor == nil || tensor.Height != size || tensor.Width != size || len(tensor.Data) != preprocess.Len(size) {
		err := errs.New(errs.ErrDecode, "tensor must hold %d values (3x%dx%d)", preprocess.Len(size), size, size)
		s.record(ctx, err)
		return "", err
	}

	text, err := s.run(ctx, tensor)
	s.record(ctx, err)
	return text, err
}

func (s *Service) run(ctx context.Context, tensor *preprocess.Tensor) (string, error) {
	ids, err := s.infer(ctx, tensor)
	if err != nil {
		return "", err
	}

	start := time.Now()
	text := Assemble(ids, s.vocab)
	s.observe(metrics.StageAssemble, start)

	logging.For(ctx, s.logger).Debug("Caption generated",
		zap.Ints("ids", ids),
		zap.String("caption", text))
	return text, nil
}

// infer holds a device slot for the encode and decode stages.
func (s *Service) infer(ctx context.Context, tensor *preprocess.Tensor) ([]int, error) {
	start := time.Now()
	if err := s.device.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.device.Release(1)
	s.observe(metrics.StageWait, start)

	start = time.Now()
	embedding, err := s.enc.Encode(ctx, tensor)
	s.observe(metrics.StageEncode, start)
	if err != nil {
		return nil, errs.Wrap(s.inferenceError(ctx, err), "encoding image")
	}

	start = time.Now()
	ids, err := s.dec.Decode(ctx, embedding)
	s.observe(metrics.StageDecode, start)
	if err != nil {
		return nil, errs.Wrap(s.inferenceError(ctx, err), "decoding caption")
	}

	s.metrics.CaptionTokens.Observe(float64(len(ids)))
	return ids, nil
}

// inferenceError tags untyped model failures as inference errors while
// leaving cancellation untouched.
func (s *Service) inferenceError(ctx context.Context, err error) error {
	if errs.Kind(err) != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if ctx.Err() != nil {
		return err
	}
	return errs.Mark(errs.ErrInference, err, "model failure")
}

func (s *Service) observe(stage string, start time.Time) {
	s.metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func (s *Service) record(ctx context.Context, err error) {
	s.metrics.RequestsTotal.WithLabelValues(Outcome(err)).Inc()
	if err != nil {
		logging.For(ctx, s.logger).Warn("Caption request failed", zap.Error(err))
	}
}

// Outcome classifies err for metrics and logging.
func Outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, errs.ErrDecode):
		return metrics.OutcomeDecode
	case errors.Is(err, errs.ErrInference):
		return metrics.OutcomeInference
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeCanceled
	default:
		return metrics.OutcomeInternal
	}
}
