package model

import (
	"context"

	"github.com/Brownie44l1/caption-api/internal/errs"
)

// GreedyDecode feeds the highest scoring id of each step back into the next
// one until endID is produced or maxSteps is reached. The returned sequence
// includes endID when it was produced.
func GreedyDecode(ctx context.Context, s Stepper, features []float32, endID, maxSteps int) ([]int, error) {
	if maxSteps <= 0 {
		return nil, errs.New(errs.ErrInference, "max steps must be positive, got %d", maxSteps)
	}

	ids := make([]int, 0, maxSteps)
	prev := int64(-1)
	var state *RecurrentState

	for step := 0; step < maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		logits, next, err := s.Step(ctx, features, prev, state)
		if err != nil {
			return nil, errs.Wrapf(err, "decoder step %d", step)
		}
		id, err := Argmax(logits)
		if err != nil {
			return nil, errs.Wrapf(err, "decoder step %d", step)
		}

		ids = append(ids, id)
		if id == endID {
			break
		}
		prev = int64(id)
		state = next
	}
	return ids, nil
}

// Argmax returns the index of the largest value. Ties go to the lowest index.
func Argmax(logits []float32) (int, error) {
	if len(logits) == 0 {
		return 0, errs.New(errs.ErrInference, "empty logits")
	}
	best := 0
	for i := 1; i < len(logits); i++ {
		if logits[i] > logits[best] {
			best = i
		}
	}
	return best, nil
}
