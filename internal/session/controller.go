package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Brownie44l1/fer-session/internal/classifier"
	"github.com/Brownie44l1/fer-session/internal/logging"
	"github.com/Brownie44l1/fer-session/internal/presenter"
)

const DefaultImageSize = 224

// Classifier is the subset of classifier.Engine the controller drives.
type Classifier interface {
	Classify(ctx context.Context, img image.Image, onComplete func(classifier.Outcome))
}

type Option func(*Controller)

// WithImageSize sets the side of the square image handed to the classifier.
func WithImageSize(size int) Option {
	return func(c *Controller) {
		if size > 0 {
			c.imageSize = size
		}
	}
}

// WithResizer replaces ResizeSquare.
func WithResizer(r Resizer) Option {
	return func(c *Controller) { c.resize = r }
}

// WithDropSuperseded makes the controller discard results of classify calls that were
// followed by a newer Classify or a Reset. By default every completion is applied and the
// last one to finish wins.
func WithDropSuperseded(drop bool) Option {
	return func(c *Controller) { c.dropSuperseded = drop }
}

// Controller owns one session's State. All mutations run on the presentation loop; reads
// through State may observe a slightly stale snapshot.
type Controller struct {
	engine Classifier
	loop   *presenter.Loop
	logger *zap.Logger

	imageSize      int
	resize         Resizer
	dropSuperseded bool

	// generation is only touched on the loop.
	generation uint64

	mu        sync.RWMutex
	state     State
	observers map[int]func(State)
	nextObs   int
}

func NewController(engine Classifier, loop *presenter.Loop, logger *zap.Logger, opts ...Option) *Controller {
	c := &Controller{
		engine:    engine,
		loop:      loop,
		logger:    logger.Named("session"),
		imageSize: DefaultImageSize,
		resize:    ResizeSquare,
		observers: make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetImage replaces the session image. It does not classify. Like Classify and Reset it
// only queues the change on the presentation loop and never waits for it.
func (c *Controller) SetImage(img image.Image) {
	c.post("session.set_image", func() {
		c.mutate(func(s *State) { s.Image = img })
	})
}

// Classify classifies the current image in the background and applies the result on the
// presentation loop. Without an image it does nothing. Calls are neither queued nor
// cancelled: overlapping calls each run to completion.
func (c *Controller) Classify() {
	c.post("session.classify", func() {
		c.mu.RLock()
		img := c.state.Image
		c.mu.RUnlock()
		if img == nil {
			c.logger.Debug("classify requested without an image")
			return
		}
		c.generation++
		go c.classify(img, c.generation, uuid.NewString())
	})
}

// Reset clears image and result.
func (c *Controller) Reset() {
	c.post("session.reset", func() {
		c.generation++
		c.mutate(func(s *State) { *s = State{} })
	})
}

// Sync waits until every update posted by this goroutine so far has been applied.
func (c *Controller) Sync(ctx context.Context) error {
	return c.loop.Sync(ctx)
}

// State returns a snapshot of the session state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Subscribe registers fn to be called on the presentation loop with the new state after
// every change. The returned func removes the subscription.
func (c *Controller) Subscribe(fn func(State)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

func (c *Controller) classify(img image.Image, generation uint64, requestID string) {
	log := logging.WithOperation(c.logger, "session.classify", requestID)
	ctx := logging.ContextWithRequestID(context.Background(), requestID)

	input := img
	if resized, err := c.resizeSafely(img); err != nil {
		log.Warn("resize failed, classifying original image", zap.Error(err))
	} else {
		input = resized
	}

	c.engine.Classify(ctx, input, func(o classifier.Outcome) {
		c.post("session.apply_result", func() { c.apply(log, generation, o) })
	})
}

// resizeSafely runs the configured Resizer, turning a panic or a nil result into an error.
func (c *Controller) resizeSafely(img image.Image) (out image.Image, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("resizer panicked: %v", r)
		}
	}()
	out, err = c.resize(img, c.imageSize)
	if err == nil && out == nil {
		err = errors.New("resizer returned no image")
	}
	return out, err
}

func (c *Controller) apply(log *zap.Logger, generation uint64, o classifier.Outcome) {
	if c.dropSuperseded && generation != c.generation {
		log.Debug("dropping superseded result", zap.Uint64("generation", generation), zap.Uint64("latest", c.generation))
		return
	}

	label, ok := o.Label()
	confidence, _ := o.Confidence()
	emotion := UnknownEmotion
	if ok {
		emotion = label
	}

	c.mutate(func(s *State) {
		s.Emotion = emotion
		s.AccuracyText = FormatAccuracy(confidence, ok)
		s.Confidence = confidence
		s.Failure = o.Failure
	})
	log.Info("classification applied",
		zap.String("emotion", emotion),
		zap.Float32("confidence", confidence),
		zap.Stringer("failure", o.Failure),
	)
}

// mutate must run on the loop.
func (c *Controller) mutate(fn func(*State)) {
	c.mu.Lock()
	fn(&c.state)
	snapshot := c.state
	observers := make([]func(State), 0, len(c.observers))
	for _, obs := range c.observers {
		observers = append(observers, obs)
	}
	c.mu.Unlock()

	for _, obs := range observers {
		obs(snapshot)
	}
}

func (c *Controller) post(operation string, fn func()) {
	if !c.loop.Post(fn) {
		c.logger.Warn("presentation loop stopped, update dropped", zap.String("operation", operation))
	}
}
