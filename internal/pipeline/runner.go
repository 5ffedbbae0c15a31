package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Brownie44l1/fer-tally/internal/emotion"
	"github.com/Brownie44l1/fer-tally/internal/model"
	"github.com/Brownie44l1/fer-tally/internal/normalize"
)

// Item describes one upload of a batch.
type Item struct {
	Filename    string
	ContentType string
	Size        int
}

// Batch holds index-aligned outputs for one ordered set of uploads.
// Images[i] is nil when upload i could not be decoded; Results[i] is then
// the sentinel and Errors[i] holds the cause.
type Batch struct {
	ID      string
	Items   []Item
	Images  []*normalize.Image
	Results []emotion.Result
	Errors  []error
}

func (b *Batch) Len() int { return len(b.Items) }

// Tally recomputes the label counts from the current results.
func (b *Batch) Tally() map[string]int {
	return emotion.Tally(b.Results)
}

// Close destroys every transient image of the batch.
func (b *Batch) Close() error {
	var errs []error
	for _, img := range b.Images {
		if img == nil {
			continue
		}
		if err := img.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Runner struct {
	normalizer *normalize.Normalizer
	classifier *emotion.Classifier
	pool       *Pool
	parallel   bool
	log        *zap.Logger
}

// NewRunner wires a runner. With parallel false or a nil pool every image
// is classified inline on the caller's goroutine.
func NewRunner(normalizer *normalize.Normalizer, classifier *emotion.Classifier, pool *Pool, parallel bool, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		normalizer: normalizer,
		classifier: classifier,
		pool:       pool,
		parallel:   parallel && pool != nil,
		log:        log,
	}
}

func (r *Runner) Run(ctx context.Context, uploads []normalize.Upload) *Batch {
	return r.RunWithProgress(ctx, uploads, nil)
}

// RunWithProgress processes every upload and returns once all of them
// have a result. progress, if set, is called once per upload from
// whichever goroutine finished it.
//
// Cancelling ctx does not stop a started batch; only its values reach the
// model calls, each of which is bounded by the backend's own timeout.
func (r *Runner) RunWithProgress(ctx context.Context, uploads []normalize.Upload, progress func()) *Batch {
	ctx = context.WithoutCancel(ctx)
	n := len(uploads)
	b := &Batch{
		ID:      uuid.New().String(),
		Items:   make([]Item, n),
		Images:  make([]*normalize.Image, n),
		Results: make([]emotion.Result, n),
		Errors:  make([]error, n),
	}
	if progress == nil {
		progress = func() {}
	}

	// Normalization is cheap and runs in order.
	for i, up := range uploads {
		b.Items[i] = Item{Filename: up.Filename, ContentType: up.ContentType, Size: len(up.Data)}

		img, err := r.normalizer.Normalize(up)
		if err != nil {
			r.log.Warn("Failed to normalize upload",
				zap.String("batch_id", b.ID),
				zap.Int("index", i),
				zap.String("filename", up.Filename),
				zap.Error(err))
			b.Errors[i] = err
			b.Results[i] = emotion.UndetectedResult()
			progress()
			continue
		}
		b.Images[i] = img
	}

	var wg sync.WaitGroup
	for i, img := range b.Images {
		if img == nil {
			continue
		}

		i, img := i, img
		classify := func() {
			b.Results[i] = r.classifier.Classify(ctx, model.Input{ID: img.ID, Path: img.Path, Image: img.Pixels})
			progress()
		}

		if !r.parallel {
			classify()
			continue
		}

		wg.Add(1)
		err := r.pool.Submit(func() {
			defer wg.Done()
			classify()
		})
		if err != nil {
			wg.Done()
			classify()
		}
	}
	wg.Wait()

	r.log.Info("Batch processed",
		zap.String("batch_id", b.ID),
		zap.Int("images", n),
		zap.Any("tally", b.Tally()))

	return b
}
