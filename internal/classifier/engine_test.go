package classifier

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Brownie44l1/fer-session/internal/logging"
)

type fakeScorer struct {
	predictions RankedPredictionSet
	err         error
	panicWith   any
	gate        chan struct{}

	calls  atomic.Int32
	closed atomic.Bool
	seen   atomic.Pointer[image.NRGBA]
}

func (f *fakeScorer) Score(ctx context.Context, img *image.NRGBA) (RankedPredictionSet, error) {
	f.calls.Add(1)
	f.seen.Store(img)
	if f.gate != nil {
		<-f.gate
	}
	if f.panicWith != nil {
		panic(f.panicWith)
	}
	return f.predictions, f.err
}

func (f *fakeScorer) Close() error {
	f.closed.Store(true)
	return nil
}

func newTestEngine(t *testing.T, scorer *fakeScorer) *Engine {
	t.Helper()
	e, err := Initialize(func() (Scorer, error) { return scorer, nil }, zaptest.NewLogger(t))
	require.NoError(t, err)
	return e
}

func face() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 8, 6))
	img.Set(1, 1, color.RGBA{R: 200, G: 10, B: 10, A: 255})
	return img
}

func classifySync(t *testing.T, e *Engine, img image.Image) Outcome {
	t.Helper()
	done := make(chan Outcome, 2)
	e.Classify(context.Background(), img, func(o Outcome) { done <- o })
	select {
	case o := <-done:
		select {
		case <-done:
			t.Fatal("completion called more than once")
		case <-time.After(20 * time.Millisecond):
		}
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("completion never called")
	}
	return Outcome{}
}

func TestInitializeLoadFailure(t *testing.T) {
	boom := errors.New("model missing")
	_, err := Initialize(func() (Scorer, error) { return nil, boom }, zaptest.NewLogger(t))
	require.ErrorIs(t, err, boom)

	var opErr *logging.OperationError
	require.ErrorAs(t, err, &opErr)
	require.Equal(t, "classifier.initialize", opErr.Operation)

	_, err = Initialize(func() (Scorer, error) { return nil, nil }, zaptest.NewLogger(t))
	require.Error(t, err)

	require.Panics(t, func() {
		MustInitialize(func() (Scorer, error) { return nil, boom }, zaptest.NewLogger(t))
	})
}

func TestClassifySelectsMaximum(t *testing.T) {
	scorer := &fakeScorer{predictions: RankedPredictionSet{
		{Label: "sad", Confidence: 0.1},
		{Label: "happy", Confidence: 0.92},
		{Label: "angry", Confidence: 0.05},
	}}
	e := newTestEngine(t, scorer)

	o := classifySync(t, e, face())
	require.True(t, o.OK())
	label, _ := o.Label()
	conf, _ := o.Confidence()
	require.Equal(t, "happy", label)
	require.InDelta(t, 0.92, conf, 1e-6)
	require.Equal(t, FailureNone, o.Failure)

	seen := scorer.seen.Load()
	require.NotNil(t, seen)
	require.Equal(t, image.Rect(0, 0, 8, 6), seen.Bounds())
}

func TestClassifyFailures(t *testing.T) {
	tests := []struct {
		name    string
		scorer  *fakeScorer
		img     image.Image
		failure Failure
		scored  bool
	}{
		{"nil image", &fakeScorer{}, nil, FailureConversion, false},
		{"typed nil image", &fakeScorer{}, (*image.RGBA)(nil), FailureConversion, false},
		{"empty image", &fakeScorer{}, image.NewRGBA(image.Rectangle{}), FailureConversion, false},
		{"scorer error", &fakeScorer{err: errors.New("bad input")}, face(), FailureScorer, true},
		{"scorer panic", &fakeScorer{panicWith: "segfault"}, face(), FailureScorer, true},
		{"empty set", &fakeScorer{predictions: RankedPredictionSet{}}, face(), FailureNoPredictions, true},
		{"nan confidence", &fakeScorer{predictions: RankedPredictionSet{{Label: "x", Confidence: float32NaN()}}}, face(), FailureInvalidScores, true},
		{"confidence above one", &fakeScorer{predictions: RankedPredictionSet{{Label: "x", Confidence: 1.5}}}, face(), FailureInvalidScores, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, tt.scorer)
			o := classifySync(t, e, tt.img)
			require.False(t, o.OK())
			require.Equal(t, tt.failure, o.Failure)
			_, hasLabel := o.Label()
			_, hasConf := o.Confidence()
			require.False(t, hasLabel)
			require.False(t, hasConf)
			if tt.scored {
				require.EqualValues(t, 1, tt.scorer.calls.Load())
			} else {
				require.Zero(t, tt.scorer.calls.Load())
			}
		})
	}
}

func TestClassifyDoesNotBlockCaller(t *testing.T) {
	scorer := &fakeScorer{gate: make(chan struct{}), predictions: RankedPredictionSet{{Label: "calm", Confidence: 0.4}}}
	e := newTestEngine(t, scorer)

	done := make(chan Outcome, 1)
	e.Classify(context.Background(), face(), func(o Outcome) { done <- o })

	select {
	case <-done:
		t.Fatal("completion arrived before the scorer was released")
	default:
	}
	close(scorer.gate)
	o := <-done
	require.True(t, o.OK())
}

func TestClassifyIgnoresCancellation(t *testing.T) {
	scorer := &fakeScorer{gate: make(chan struct{}), predictions: RankedPredictionSet{{Label: "calm", Confidence: 0.4}}}
	e := newTestEngine(t, scorer)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	e.Classify(ctx, face(), func(o Outcome) { done <- o })
	cancel()
	close(scorer.gate)

	o := <-done
	require.True(t, o.OK())
}

func TestConcurrentClassifyCompletesEach(t *testing.T) {
	scorer := &fakeScorer{predictions: RankedPredictionSet{{Label: "neutral", Confidence: 0.7}}}
	e := newTestEngine(t, scorer)

	const n = 32
	var wg sync.WaitGroup
	var completions atomic.Int32
	wg.Add(n)
	for i := 0; i < n; i++ {
		e.Classify(context.Background(), face(), func(o Outcome) {
			completions.Add(1)
			wg.Done()
		})
	}
	wg.Wait()
	require.EqualValues(t, n, completions.Load())
	require.EqualValues(t, n, scorer.calls.Load())
}

func TestCloseWaitsAndRejects(t *testing.T) {
	scorer := &fakeScorer{gate: make(chan struct{}), predictions: RankedPredictionSet{{Label: "calm", Confidence: 0.4}}}
	e := newTestEngine(t, scorer)

	done := make(chan Outcome, 1)
	e.Classify(context.Background(), face(), func(o Outcome) { done <- o })

	closed := make(chan error, 1)
	go func() { closed <- e.Close() }()

	select {
	case <-closed:
		t.Fatal("Close returned while a classification was in flight")
	case <-time.After(20 * time.Millisecond):
	}
	close(scorer.gate)
	require.True(t, (<-done).OK())
	require.NoError(t, <-closed)
	require.True(t, scorer.closed.Load())

	o := classifySync(t, e, face())
	require.Equal(t, FailureScorer, o.Failure)
	require.ErrorIs(t, o.Err, ErrClosed)
	require.NoError(t, e.Close())
}
