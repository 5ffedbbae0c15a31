package emotion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/Brownie44l1/fer-tally/internal/model"
)

// Classifier turns one model call into exactly one Result. Every failure
// of the model is absorbed here and reported as the sentinel.
type Classifier struct {
	analyzer model.Analyzer
	log      *zap.Logger
}

func NewClassifier(analyzer model.Analyzer, log *zap.Logger) *Classifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Classifier{analyzer: analyzer, log: log}
}

// Classify never fails. When the model returns several faces the first
// record wins.
func (c *Classifier) Classify(ctx context.Context, in model.Input) Result {
	out, err := c.analyze(ctx, in)
	if err != nil {
		if errors.Is(err, model.ErrNoFace) {
			c.log.Debug("No face detected", zap.String("image_id", in.ID))
		} else {
			c.log.Warn("Emotion model failed", zap.String("image_id", in.ID), zap.Error(err))
		}
		return UndetectedResult()
	}

	if len(out) == 0 {
		c.log.Debug("Model returned no records", zap.String("image_id", in.ID))
		return UndetectedResult()
	}
	if len(out) > 1 {
		c.log.Debug("Multiple faces, using first record",
			zap.String("image_id", in.ID),
			zap.Int("faces", len(out)))
	}

	return FromRecord(out[0])
}

func (c *Classifier) analyze(ctx context.Context, in model.Input) (out model.Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("model panic: %v", r)
		}
	}()
	return c.analyzer.Analyze(ctx, in)
}

// FromRecord normalizes a raw face record. Labels are lowercased, negative
// and non-finite scores are dropped and the dominant label is recomputed
// as the argmax so it always agrees with the scores.
func FromRecord(rec model.FaceRecord) Result {
	scores := make(map[string]float64, len(rec.Emotion))
	for label, v := range rec.Emotion {
		label = strings.ToLower(strings.TrimSpace(label))
		if label == "" || label == Undetected || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		scores[label] = v
	}

	if len(scores) == 0 {
		return UndetectedResult()
	}

	return Result{Dominant: Argmax(scores), Scores: scores}
}
