package classifier

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/Brownie44l1/fer-session/internal/logging"
)

var (
	ErrNilImage   = errors.New("image is nil")
	ErrEmptyImage = errors.New("image has no pixels")
	ErrClosed     = errors.New("classifier engine is closed")
)

// Scorer is the pretrained model: it maps one RGBA image to the predictions for it.
// Implementations must be safe for concurrent use.
type Scorer interface {
	Score(ctx context.Context, img *image.NRGBA) (RankedPredictionSet, error)
	Close() error
}

// LoadFunc loads a Scorer. It is called once by Initialize.
type LoadFunc func() (Scorer, error)

// Engine turns one image into one best-guess label without blocking the caller.
type Engine struct {
	scorer Scorer
	logger *zap.Logger

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// Initialize loads the scorer and returns a ready engine. A load failure means the process
// has nothing to serve; callers are expected to treat it as fatal.
func Initialize(load LoadFunc, logger *zap.Logger) (*Engine, error) {
	scorer, err := load()
	if err == nil && scorer == nil {
		err = errors.New("loader returned no scorer")
	}
	if err != nil {
		return nil, logging.NewOperationError("classifier.initialize", "", err)
	}
	return &Engine{
		scorer: scorer,
		logger: logger.Named("classifier"),
	}, nil
}

// MustInitialize is like Initialize but panics if the scorer cannot be loaded.
func MustInitialize(load LoadFunc, logger *zap.Logger) *Engine {
	e, err := Initialize(load, logger)
	if err != nil {
		panic(err)
	}
	return e
}

// Classify scores img on a new goroutine and calls onComplete exactly once, from that
// goroutine. Failures are reported through the Outcome, never returned or panicked.
// Cancellation of ctx does not stop a dispatched run; only its values are used.
func (e *Engine) Classify(ctx context.Context, img image.Image, onComplete func(Outcome)) {
	ctx = context.WithoutCancel(ctx)

	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		go onComplete(Failed(FailureScorer, ErrClosed))
		return
	}
	e.inflight.Add(1)
	e.mu.RUnlock()

	go func() {
		defer e.inflight.Done()
		onComplete(e.run(ctx, img))
	}()
}

// Close waits for in-flight classifications and releases the scorer.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.inflight.Wait()
	return e.scorer.Close()
}

func (e *Engine) run(ctx context.Context, img image.Image) Outcome {
	log := logging.WithOperation(e.logger, "classifier.classify", logging.RequestIDFromContext(ctx))
	start := time.Now()

	input, err := toModelInput(img)
	if err != nil {
		log.Warn("image conversion failed", zap.Error(err))
		return Failed(FailureConversion, err)
	}

	predictions, err := e.score(ctx, input)
	if err != nil {
		log.Error("scoring failed", zap.Error(err))
		return Failed(FailureScorer, err)
	}
	if err := predictions.Validate(); err != nil {
		log.Error("scorer returned invalid predictions", zap.Error(err))
		return Failed(FailureInvalidScores, err)
	}

	best, ok := predictions.Best()
	if !ok {
		log.Warn("scorer returned no predictions")
		return Failed(FailureNoPredictions, nil)
	}

	log.Debug("classified",
		zap.String("label", best.Label),
		zap.Float32("confidence", best.Confidence),
		zap.Any("predictions", predictions),
		zap.Duration("elapsed", time.Since(start)),
	)
	return Succeeded(best)
}

func (e *Engine) score(ctx context.Context, input *image.NRGBA) (predictions RankedPredictionSet, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scorer panicked: %v", r)
		}
	}()
	return e.scorer.Score(ctx, input)
}

// toModelInput converts any decodable image to the non-premultiplied RGBA layout scorers read.
func toModelInput(img image.Image) (out *image.NRGBA, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("convert image: %v", r)
		}
	}()
	if img == nil {
		return nil, ErrNilImage
	}
	if img.Bounds().Empty() {
		return nil, ErrEmptyImage
	}
	return imaging.Clone(img), nil
}
