// Package wakeword detects a trained wake phrase on-device. A small
// softmax classifier over log-mel features is trained from user-recorded
// exemplars, which are persisted so the model can be rebuilt at start-up.
package wakeword

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	log "log/slog"

	"golang.org/x/sync/singleflight"

	"gennie/internal/audio"
	"gennie/pkg/audioconv"
)

const (
	WakeLabel       = "hi_gennie"
	BackgroundLabel = "_background_noise_"
)

var (
	ErrModelLoad         = errors.New("wake-word base model failed to load")
	ErrListening         = errors.New("wake-word listener is active")
	ErrCollecting        = errors.New("exemplar collection in progress")
	ErrTraining          = errors.New("wake-word training in progress")
	ErrNotEnoughExamples = errors.New("not enough exemplars")
	ErrUntrained         = errors.New("wake-word model not trained")
	ErrFailed            = errors.New("wake-word engine failed")
	ErrUnknownLabel      = errors.New("unknown exemplar label")
	ErrReleased          = errors.New("wake-word engine released")
)

type State int

const (
	StateUnloaded State = iota
	StateBaseLoaded
	StateCollecting
	StateTraining
	StateTrained
	StateListening
	StatePaused
	StateFailed
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateBaseLoaded:
		return "base-loaded"
	case StateCollecting:
		return "collecting"
	case StateTraining:
		return "training"
	case StateTrained:
		return "trained"
	case StateListening:
		return "listening"
	case StatePaused:
		return "paused"
	case StateFailed:
		return "failed"
	case StateReleased:
		return "released"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Config struct {
	Source  audio.Source
	Arbiter *audio.Arbiter
	Store   Store

	Window      time.Duration // length of one scored window
	Overlap     float64       // fraction shared by consecutive windows
	Threshold   float64       // wake probability needed to fire
	MinExamples int           // per label, before training
	Epochs      int
	Settle      time.Duration // pause after releasing the microphone

	// OnError is told about listener failures.
	OnError func(error)
}

func DefaultConfig() Config {
	return Config{
		Window:      time.Second,
		Overlap:     0.6,
		Threshold:   0.96,
		MinExamples: 20,
		Epochs:      50,
		Settle:      200 * time.Millisecond,
	}
}

type Status struct {
	State    State          `json:"state"`
	Counts   map[string]int `json:"counts"`
	Accuracy float64        `json:"accuracy"`
	Failure  string         `json:"failure,omitempty"`
}

type listener struct {
	started chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
}

type Engine struct {
	cfg     Config
	labels  []string
	samples int
	hop     int
	loads   singleflight.Group
	build   func() (*extractor, error)

	mu       sync.Mutex
	op       State // StateCollecting or StateTraining while one runs
	x        *extractor
	model    *classifier
	accuracy float64
	examples []Exemplar
	onWake   func()
	lis      *listener
	paused   bool
	failure  error
	released bool
}

func New(cfg Config) (*Engine, error) {
	if cfg.Source == nil {
		return nil, errors.New("wakeword: nil audio source")
	}
	if cfg.Store == nil {
		return nil, errors.New("wakeword: nil store")
	}

	def := DefaultConfig()
	if cfg.Arbiter == nil {
		cfg.Arbiter = audio.NewArbiter()
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Overlap <= 0 || cfg.Overlap >= 1 {
		cfg.Overlap = def.Overlap
	}
	if cfg.Threshold <= 0 || cfg.Threshold >= 1 {
		cfg.Threshold = def.Threshold
	}
	if cfg.MinExamples <= 0 {
		cfg.MinExamples = def.MinExamples
	}
	if cfg.Epochs <= 0 {
		cfg.Epochs = def.Epochs
	}
	if cfg.Settle <= 0 {
		cfg.Settle = def.Settle
	}

	samples := int(cfg.Window.Seconds() * audio.SampleRate)

	e := &Engine{
		cfg:     cfg,
		labels:  []string{WakeLabel, BackgroundLabel},
		samples: samples,
		hop:     max(int(math.Round(float64(samples)*(1-cfg.Overlap))), 1),
	}
	e.build = func() (*extractor, error) {
		return newExtractor(audio.SampleRate, samples)
	}

	return e, nil
}

// Labels returns the label vocabulary, wake label first.
func (e *Engine) Labels() []string {
	return slices.Clone(e.labels)
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

func (e *Engine) stateLocked() State {
	switch {
	case e.released:
		return StateReleased
	case e.failure != nil:
		return StateFailed
	case e.lis != nil:
		return StateListening
	case e.op != 0:
		return e.op
	case e.x == nil:
		return StateUnloaded
	case e.model != nil && e.paused:
		return StatePaused
	case e.model != nil:
		return StateTrained
	default:
		return StateBaseLoaded
	}
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{
		State:    e.stateLocked(),
		Counts:   e.countsLocked(),
		Accuracy: e.accuracy,
	}
	if e.failure != nil {
		st.Failure = e.failure.Error()
	}
	return st
}

// Counts returns the number of exemplars held per label.
func (e *Engine) Counts() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.countsLocked()
}

func (e *Engine) countsLocked() map[string]int {
	counts := make(map[string]int, len(e.labels))
	for _, l := range e.labels {
		counts[l] = 0
	}
	for _, ex := range e.examples {
		counts[ex.Label]++
	}
	return counts
}

// LoadBaseModel prepares the feature extractor. Concurrent callers share
// one load; it is a no-op once loaded unless the engine has failed.
func (e *Engine) LoadBaseModel(ctx context.Context) error {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return ErrReleased
	}
	if e.x != nil && e.failure == nil {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	ch := e.loads.DoChan("base", func() (any, error) {
		x, err := e.build()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
		}

		e.mu.Lock()
		e.x = x
		e.failure = nil
		e.mu.Unlock()

		log.Info("Wake-word base model loaded", "features", x.dim())
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// begin claims the engine for a collection or training run.
func (e *Engine) begin(op State) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.released:
		return ErrReleased
	case e.lis != nil:
		return ErrListening
	}
	if err := e.busyLocked(); err != nil {
		return err
	}

	e.op = op
	return nil
}

// busyLocked reports the collection or training run holding the engine.
func (e *Engine) busyLocked() error {
	switch e.op {
	case StateCollecting:
		return ErrCollecting
	case StateTraining:
		return ErrTraining
	}
	return nil
}

func (e *Engine) end() {
	e.mu.Lock()
	e.op = 0
	e.mu.Unlock()
}

func (e *Engine) checkLabel(label string) error {
	if !slices.Contains(e.labels, label) {
		return fmt.Errorf("%w: %q", ErrUnknownLabel, label)
	}
	return nil
}

// CollectExample records one window from the microphone under label.
// Listening must be paused first.
func (e *Engine) CollectExample(ctx context.Context, label string) (map[string]int, error) {
	if err := e.checkLabel(label); err != nil {
		return nil, err
	}
	if err := e.begin(StateCollecting); err != nil {
		return nil, err
	}
	defer e.end()

	if err := e.LoadBaseModel(ctx); err != nil {
		return nil, err
	}

	if err := e.cfg.Arbiter.Acquire(audio.OwnerWakeWord); err != nil {
		return nil, err
	}
	defer e.cfg.Arbiter.Release(audio.OwnerWakeWord)

	pcm, err := audio.Record(ctx, e.cfg.Source, e.cfg.Window)
	if err != nil {
		return nil, fmt.Errorf("record exemplar: %w", err)
	}

	return e.add(label, pcm), nil
}

// AddExample stores an already captured recording, padded or cut to one
// window.
func (e *Engine) AddExample(label string, pcm []float32) (map[string]int, error) {
	if err := e.checkLabel(label); err != nil {
		return nil, err
	}
	if len(pcm) == 0 {
		return nil, errors.New("empty exemplar")
	}
	if err := e.begin(StateCollecting); err != nil {
		return nil, err
	}
	defer e.end()

	return e.add(label, pcm), nil
}

// ImportFile decodes an audio file and stores it as an exemplar.
func (e *Engine) ImportFile(ctx context.Context, label, path string) (map[string]int, error) {
	pcm, err := audioconv.DecodeFile(ctx, path, audioconv.Options{
		SampleRate: audio.SampleRate,
		MaxSamples: e.samples,
	})
	if err != nil {
		return nil, fmt.Errorf("import %s: %w", path, err)
	}

	return e.AddExample(label, pcm)
}

func (e *Engine) add(label string, pcm []float32) map[string]int {
	ex := Exemplar{Label: label, PCM: slices.Clone(fit(pcm, e.samples))}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.examples = append(e.examples, ex)
	counts := e.countsLocked()

	log.Debug("Exemplar added", "label", label, "counts", counts)

	return counts
}

// Train fits the classifier on the collected exemplars and persists them.
// Nothing is stored when there are too few exemplars.
func (e *Engine) Train(ctx context.Context, progress func(Progress)) error {
	return e.train(ctx, progress, true)
}

func (e *Engine) train(ctx context.Context, progress func(Progress), persist bool) error {
	if err := e.begin(StateTraining); err != nil {
		return err
	}
	defer e.end()

	e.mu.Lock()
	counts := e.countsLocked()
	examples := slices.Clone(e.examples)
	e.mu.Unlock()

	for _, l := range e.labels {
		if counts[l] < e.cfg.MinExamples {
			return fmt.Errorf("%w: %s has %d, need %d", ErrNotEnoughExamples, l, counts[l], e.cfg.MinExamples)
		}
	}

	if err := e.LoadBaseModel(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	x := e.x
	e.mu.Unlock()

	xs := make([][]float64, len(examples))
	ys := make([]int, len(examples))
	for i, ex := range examples {
		if err := ctx.Err(); err != nil {
			return err
		}
		xs[i] = x.features(ex.PCM)
		ys[i] = slices.Index(e.labels, ex.Label)
	}

	started := time.Now()
	model, last := trainClassifier(xs, ys, e.labels, e.cfg.Epochs, progress)

	if persist {
		blob, err := encodeExemplars(audio.SampleRate, e.labels, examples)
		if err != nil {
			return err
		}
		if err := e.cfg.Store.Save(ctx, blob); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.model = model
	e.accuracy = last.Accuracy
	e.mu.Unlock()

	log.Info("Wake-word model trained",
		"examples", len(examples), "accuracy", last.Accuracy, "loss", last.Loss, "took", time.Since(started))

	return nil
}

// LoadAndListen rebuilds the model from persisted exemplars and starts
// listening. It reports false when nothing has been persisted yet.
// Concurrent callers share one restore.
func (e *Engine) LoadAndListen(ctx context.Context, onWake func()) (bool, error) {
	e.mu.Lock()
	listening := e.lis != nil
	e.mu.Unlock()
	if listening {
		return true, nil
	}

	v, err, _ := e.loads.Do("restore", func() (any, error) {
		blob, err := e.cfg.Store.Load(ctx)
		if errors.Is(err, ErrNoModel) {
			return false, nil
		}
		if err != nil {
			return false, err
		}

		examples, err := decodeExemplars(blob, audio.SampleRate, e.labels)
		if err != nil {
			return false, err
		}

		e.mu.Lock()
		if e.op != 0 || e.lis != nil {
			e.mu.Unlock()
			return false, ErrTraining
		}
		e.examples = examples
		e.mu.Unlock()

		if err := e.train(ctx, nil, false); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return false, err
	}
	if ok := v.(bool); !ok {
		log.Info("No stored wake-word model, training required")
		return false, nil
	}

	if err := e.StartListening(ctx, onWake); err != nil {
		return true, err
	}

	return true, nil
}

// StartListening attaches to the microphone and scores sliding windows.
// onWake replaces the registered callback when non-nil. Calling it while
// a listener is starting or running is a no-op.
func (e *Engine) StartListening(ctx context.Context, onWake func()) error {
	e.mu.Lock()
	switch {
	case e.released:
		e.mu.Unlock()
		return ErrReleased
	case e.failure != nil:
		err := e.failure
		e.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrFailed, err)
	case e.lis != nil:
		e.mu.Unlock()
		return nil
	case e.op == StateCollecting:
		e.mu.Unlock()
		return ErrCollecting
	case e.op == StateTraining:
		e.mu.Unlock()
		return ErrTraining
	case e.model == nil:
		e.mu.Unlock()
		return ErrUntrained
	}

	if onWake != nil {
		e.onWake = onWake
	}
	if e.onWake == nil {
		e.mu.Unlock()
		return errors.New("no wake callback registered")
	}

	l := &listener{started: make(chan struct{}), done: make(chan struct{})}
	e.lis = l
	e.paused = false
	model, x := e.model, e.x
	e.mu.Unlock()

	stream, err := e.open(ctx)
	if err != nil {
		e.mu.Lock()
		e.lis = nil
		e.mu.Unlock()
		close(l.started)
		close(l.done)
		return err
	}

	lctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	close(l.started)

	go e.listen(lctx, l, stream, model, x)

	log.Info("Listening for wake word")

	return nil
}

func (e *Engine) open(ctx context.Context) (audio.Stream, error) {
	if err := e.cfg.Arbiter.Acquire(audio.OwnerWakeWord); err != nil {
		return nil, err
	}

	stream, err := e.cfg.Source.Open(ctx)
	if err != nil {
		e.cfg.Arbiter.Release(audio.OwnerWakeWord)
		return nil, fmt.Errorf("open microphone: %w", err)
	}

	return stream, nil
}

func (e *Engine) listen(ctx context.Context, l *listener, stream audio.Stream, model *classifier, x *extractor) {
	defer func() {
		stream.Close()
		e.cfg.Arbiter.Release(audio.OwnerWakeWord)

		e.mu.Lock()
		if e.lis == l {
			e.lis = nil
		}
		e.mu.Unlock()

		close(l.done)
	}()

	window := make([]float32, 0, e.samples+audio.FrameSize)
	pending := 0
	refractory := false

	for ctx.Err() == nil {
		frame, err := stream.Read()
		if err != nil {
			if ctx.Err() == nil {
				e.fail(fmt.Errorf("read microphone: %w", err))
			}
			return
		}

		window = append(window, frame...)
		if over := len(window) - e.samples; over > 0 {
			window = append(window[:0], window[over:]...)
		}

		pending += len(frame)
		if len(window) < e.samples || pending < e.hop {
			continue
		}
		pending = 0

		// the window right after a detection overlaps it; skip it
		if refractory {
			refractory = false
			continue
		}

		probs := model.predict(x.features(window))
		if math.IsNaN(probs[0]) {
			e.fail(errors.New("inference produced NaN"))
			return
		}

		if argmax(probs) != 0 || probs[0] <= e.cfg.Threshold {
			continue
		}

		log.Info("Wake word detected", "confidence", probs[0])
		refractory = true

		e.mu.Lock()
		cb := e.onWake
		e.mu.Unlock()

		if cb != nil && ctx.Err() == nil {
			cb()
		}
	}
}

func (e *Engine) fail(err error) {
	log.Error("Wake-word listener failed", "err", err)

	e.mu.Lock()
	e.failure = err
	cb := e.cfg.OnError
	e.mu.Unlock()

	if cb != nil {
		cb(err)
	}
}

// StopListening releases the microphone and waits for the device to
// settle. The wake callback stays registered.
func (e *Engine) StopListening() {
	e.stop(false)
}

// Pause is StopListening, remembered so that Resume can re-attach.
func (e *Engine) Pause() {
	e.stop(true)
}

func (e *Engine) stop(pause bool) {
	e.mu.Lock()
	l := e.lis
	e.mu.Unlock()

	if l == nil {
		return
	}

	<-l.started
	if l.cancel != nil {
		l.cancel()
	}
	<-l.done

	e.mu.Lock()
	e.paused = pause
	e.mu.Unlock()

	time.Sleep(e.cfg.Settle)

	log.Info("Wake-word listening stopped", "paused", pause)
}

// Resume re-attaches the listener if a model and a callback exist.
func (e *Engine) Resume(ctx context.Context) error {
	e.mu.Lock()
	ready := e.model != nil && e.onWake != nil && !e.released && e.failure == nil
	e.mu.Unlock()

	if !ready {
		return nil
	}

	return e.StartListening(ctx, nil)
}

// Export serialises the exemplars held in memory.
func (e *Engine) Export() ([]byte, error) {
	e.mu.Lock()
	examples := slices.Clone(e.examples)
	e.mu.Unlock()

	if len(examples) == 0 {
		return nil, ErrNoModel
	}

	return encodeExemplars(audio.SampleRate, e.labels, examples)
}

// Import replaces the exemplars with an exported set, retrains and
// persists it.
func (e *Engine) Import(ctx context.Context, blob []byte) error {
	examples, err := decodeExemplars(blob, audio.SampleRate, e.labels)
	if err != nil {
		return err
	}

	if err := e.begin(StateCollecting); err != nil {
		return err
	}
	e.mu.Lock()
	prev := e.examples
	e.examples = examples
	e.mu.Unlock()
	e.end()

	if err := e.Train(ctx, nil); err != nil {
		e.mu.Lock()
		e.examples = prev
		e.mu.Unlock()
		return err
	}

	return nil
}

// Reset stops listening, forgets everything and deletes the persisted
// exemplars.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	err := e.busyLocked()
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}

	e.StopListening()

	e.mu.Lock()
	if err := e.busyLocked(); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("reset: %w", err)
	}
	e.examples = nil
	e.model = nil
	e.x = nil
	e.accuracy = 0
	e.failure = nil
	e.paused = false
	e.mu.Unlock()

	log.Info("Wake-word model reset")

	if err := e.cfg.Store.Delete(ctx); err != nil {
		return err
	}
	return nil
}

// Close stops listening and releases the engine for good.
func (e *Engine) Close() error {
	e.StopListening()

	e.mu.Lock()
	e.released = true
	e.onWake = nil
	e.mu.Unlock()

	return nil
}
