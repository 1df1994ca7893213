package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "log/slog"

	"gennie/internal/audio"
	"gennie/internal/intent"
	"gennie/internal/transcribe"
	"gennie/internal/vad"
)

var (
	ErrNotRunning  = errors.New("controller not running")
	ErrNotOpen     = errors.New("no open session")
	ErrAlreadyOpen = errors.New("session already open")
	ErrBusy        = errors.New("session busy")
)

// WakeWord is the detector that owns the microphone while no session is
// open. Pause must release the device before returning.
type WakeWord interface {
	Pause()
	Resume(ctx context.Context) error
}

type Resolver interface {
	Resolve(ctx context.Context, utterance string, role intent.Role) intent.Result
	Reset()
}

type Speaker interface {
	Say(ctx context.Context, text string) error
}

// Chimer is implemented by speakers that can play a wake acknowledgement.
type Chimer interface {
	Chime(ctx context.Context) error
}

type Navigator interface {
	Navigate(ctx context.Context, nav intent.Navigation) error
}

// Observer is called from the controller goroutine and must not block.
type Observer interface {
	OnState(State)
	OnMessage(Message)
	OnVolume(volume float64)
	OnInterim(text string)
}

type Config struct {
	Mic      audio.Source
	Engine   transcribe.Engine
	Resolver Resolver
	Speaker  Speaker

	// Optional.
	Arbiter   *audio.Arbiter
	Wake      WakeWord
	Navigator Navigator
	Observer  Observer

	Role  intent.Role
	Chime bool

	VAD        vad.Config
	Recognizer transcribe.Config

	// CloseGrace is how long a farewell is given before the session closes.
	CloseGrace time.Duration
	// RetryDelay spaces attempts to reopen a failed microphone.
	RetryDelay time.Duration
	// IdleTimeout closes a session nobody talks to. Zero disables it.
	IdleTimeout time.Duration
	// PreRoll is audio kept from before the speech start is confirmed.
	PreRoll time.Duration
}

func DefaultConfig() Config {
	return Config{
		Role:       intent.RoleDriver,
		VAD:        vad.DefaultConfig(),
		Recognizer: transcribe.DefaultConfig(),
		CloseGrace: 3500 * time.Millisecond,
		RetryDelay: time.Second,
		PreRoll:    500 * time.Millisecond,
	}
}

type recPhase int

const (
	recIdle recPhase = iota
	recStarting
	recRunning
	recStopping
)

func (p recPhase) String() string {
	return [...]string{"idle", "starting", "running", "stopping"}[p]
}

type timerKind int

const (
	timerGrace timerKind = iota
	timerRetry
	timerIdle
)

type (
	evWake    struct{}
	evRequest struct {
		kind  string
		text  string
		reply chan error
	}
	evGreeted struct {
		epoch uint64
		err   error
	}
	evLevel struct {
		gen uint64
		lvl audio.Level
	}
	evCaptureDone struct {
		gen uint64
		err error
	}
	evRecognition struct {
		epoch uint64
		ev    transcribe.Event
	}
	evResolved struct {
		epoch uint64
		res   intent.Result
	}
	evSpoken struct {
		epoch uint64
		err   error
	}
	evNavigated struct {
		nav intent.Navigation
		err error
	}
	evTimer struct {
		epoch uint64
		id    uint64
		kind  timerKind
	}
)

type capture struct {
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// Controller is the conversation state machine. Every transition runs on
// the goroutine inside Run; I/O runs elsewhere and reports back through
// the mailbox.
type Controller struct {
	cfg     Config
	mb      *mailbox
	running atomic.Bool

	// owned by the Run goroutine
	runCtx     context.Context
	sess       Session
	epoch      uint64
	sessCtx    context.Context
	sessCancel context.CancelFunc
	rec        *transcribe.Recognizer
	phase      recPhase
	det        *vad.Detector
	cap        *capture
	capGen     uint64
	preroll    [][]float32
	pending    []string
	closing    bool
	timers     map[timerKind]*time.Timer
	timerIDs   map[timerKind]uint64
	timerSeq   uint64
	speaking   sync.WaitGroup

	mu       sync.Mutex
	snapshot Session
}

func New(cfg Config) (*Controller, error) {
	switch {
	case cfg.Mic == nil:
		return nil, errors.New("session: nil microphone")
	case cfg.Engine == nil:
		return nil, errors.New("session: nil transcription engine")
	case cfg.Resolver == nil:
		return nil, errors.New("session: nil resolver")
	case cfg.Speaker == nil:
		return nil, errors.New("session: nil speaker")
	}

	def := DefaultConfig()
	if cfg.Arbiter == nil {
		cfg.Arbiter = audio.NewArbiter()
	}
	if cfg.Role == "" {
		cfg.Role = def.Role
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = def.CloseGrace
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.PreRoll < 0 {
		cfg.PreRoll = 0
	}

	c := &Controller{
		cfg:      cfg,
		mb:       newMailbox(),
		det:      vad.New(cfg.VAD),
		timers:   make(map[timerKind]*time.Timer),
		timerIDs: make(map[timerKind]uint64),
		sess:     Session{State: StateClosed, Role: cfg.Role},
	}
	c.snapshot = c.sess.clone()

	if cfg.Observer != nil {
		c.det.OnVolume = cfg.Observer.OnVolume
	}

	return c, nil
}

// Run drives the controller until ctx is done. An open session is torn
// down on the way out.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("controller already running")
	}
	defer c.running.Store(false)

	c.runCtx = ctx
	log.Info("Conversation controller started", "role", c.cfg.Role)

	for {
		select {
		case <-ctx.Done():
			if err := c.teardown(false); err != nil {
				log.Error("Failed to tear down session", "err", err)
			}
			for _, ev := range c.mb.drain() {
				if req, ok := ev.(evRequest); ok {
					req.reply <- ErrNotRunning
				}
			}
			return ctx.Err()

		case <-c.mb.signal:
			for _, ev := range c.mb.drain() {
				c.handle(ev)
			}
		}
	}
}

// Wake reports a wake-word detection. It never blocks and is ignored
// unless the session is closed.
func (c *Controller) Wake() {
	c.mb.post(evWake{})
}

// Open starts a session as if the wake word had been heard.
func (c *Controller) Open(ctx context.Context) error {
	return c.request(ctx, evRequest{kind: "open"})
}

// Close tears the session down from any state.
func (c *Controller) Close(ctx context.Context) error {
	return c.request(ctx, evRequest{kind: "close"})
}

// Say speaks text as the assistant. Only valid while listening.
func (c *Controller) Say(ctx context.Context, text string) error {
	return c.request(ctx, evRequest{kind: "say", text: text})
}

// Status returns a copy of the current session.
func (c *Controller) Status() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot.clone()
}

func (c *Controller) request(ctx context.Context, req evRequest) error {
	if !c.running.Load() {
		return ErrNotRunning
	}

	req.reply = make(chan error, 1)
	c.mb.post(req)

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) handle(ev any) {
	switch ev := ev.(type) {
	case evWake:
		if c.sess.State != StateClosed {
			log.Debug("Wake ignored", "state", c.sess.State)
			return
		}
		c.open()

	case evRequest:
		ev.reply <- c.handleRequest(ev)

	case evGreeted:
		if ev.epoch != c.epoch || c.sess.State != StateOpening {
			return
		}
		c.sess.Speaking = false
		if ev.err != nil && !errors.Is(ev.err, context.Canceled) {
			c.system(fmt.Sprintf("I couldn't play the greeting: %v", ev.err))
		}
		c.listen()

	case evLevel:
		c.onLevel(ev)

	case evCaptureDone:
		c.onCaptureDone(ev)

	case evRecognition:
		if ev.epoch == c.epoch {
			c.onRecognition(ev.ev)
		}

	case evResolved:
		if ev.epoch == c.epoch && c.sess.State == StateThinking {
			c.onResolved(ev.res)
		}

	case evSpoken:
		if ev.epoch != c.epoch || c.sess.State != StateSpeaking {
			return
		}
		c.sess.Speaking = false
		if ev.err != nil && !errors.Is(ev.err, context.Canceled) {
			c.system(fmt.Sprintf("I couldn't play the reply: %v", ev.err))
		}
		c.afterTurn()

	case evNavigated:
		if ev.err != nil {
			log.Warn("Failed to navigate", "nav", ev.nav, "err", ev.err)
		}

	case evTimer:
		if ev.epoch == c.epoch && c.timerIDs[ev.kind] == ev.id {
			c.onTimer(ev.kind)
		}
	}
}

func (c *Controller) handleRequest(req evRequest) error {
	switch req.kind {
	case "open":
		if c.sess.State != StateClosed {
			return ErrAlreadyOpen
		}
		c.open()
		return nil

	case "close":
		if c.sess.State == StateClosed {
			return ErrNotOpen
		}
		return c.teardown(true)

	case "say":
		switch c.sess.State {
		case StateClosed:
			return ErrNotOpen
		case StateListening:
			c.addMessage(SenderAssistant, req.text)
			c.speak(req.text)
			return nil
		default:
			return fmt.Errorf("%w: %s", ErrBusy, c.sess.State)
		}
	}

	return fmt.Errorf("unknown request %q", req.kind)
}

func (c *Controller) open() {
	c.epoch++
	c.sessCtx, c.sessCancel = context.WithCancel(c.runCtx)

	epoch := c.epoch
	c.rec = transcribe.New(c.cfg.Engine, c.cfg.Recognizer, func(ev transcribe.Event) {
		c.mb.post(evRecognition{epoch: epoch, ev: ev})
	})
	c.phase = recIdle
	c.pending = nil
	c.closing = false

	c.sess = Session{Role: c.cfg.Role, Opened: time.Now(), Speaking: true}
	c.setState(StateOpening)

	log.Info("Session opened", "role", c.cfg.Role)

	c.addMessage(SenderAssistant, intent.Greeting)

	ctx := c.sessCtx
	c.speaking.Add(1)
	go func() {
		defer c.speaking.Done()

		if c.cfg.Wake != nil {
			c.cfg.Wake.Pause()
		}
		if ch, ok := c.cfg.Speaker.(Chimer); ok && c.cfg.Chime {
			if err := ch.Chime(ctx); err != nil {
				log.Warn("Failed to chime", "err", err)
			}
		}

		err := c.cfg.Speaker.Say(ctx, intent.Greeting)
		c.mb.post(evGreeted{epoch: epoch, err: err})
	}()
}

func (c *Controller) listen() {
	c.setState(StateListening)
	c.det.Reset()
	c.preroll = nil
	c.startCapture()
	if c.sess.State == StateListening {
		c.armIdle()
	}
}

func (c *Controller) startCapture() {
	if c.cap != nil {
		return
	}

	if err := c.cfg.Arbiter.Acquire(audio.OwnerCapture); err != nil {
		c.captureFailed(err)
		return
	}

	mon := audio.NewMonitor(c.cfg.Mic)
	ctx, cancel := context.WithCancel(c.sessCtx)

	levels, err := mon.Levels(ctx)
	if err != nil {
		cancel()
		c.cfg.Arbiter.Release(audio.OwnerCapture)
		c.captureFailed(err)
		return
	}

	c.capGen++
	cp := &capture{gen: c.capGen, cancel: cancel, done: make(chan struct{})}
	c.cap = cp

	go func() {
		defer close(cp.done)
		for lvl := range levels {
			c.mb.post(evLevel{gen: cp.gen, lvl: lvl})
		}
		c.mb.post(evCaptureDone{gen: cp.gen, err: mon.Err()})
	}()

	c.sess.Capturing = true
	c.publish()
}

// stopCapture returns once the microphone has been closed.
func (c *Controller) stopCapture() {
	if c.cap == nil {
		return
	}

	c.cap.cancel()
	<-c.cap.done
	c.cap = nil

	c.cfg.Arbiter.Release(audio.OwnerCapture)
	c.sess.Capturing = false
	c.publish()
}

func (c *Controller) captureFailed(err error) {
	if errors.Is(err, audio.ErrPermissionDenied) {
		log.Error("Microphone access denied", "err", err)
		c.system("Microphone access was denied. Voice control needs permission to use the microphone.")
		if err := c.teardown(true); err != nil {
			log.Error("Failed to close session", "err", err)
		}
		return
	}

	log.Warn("Failed to capture", "err", err)
	c.system(fmt.Sprintf("Microphone problem: %v", err))
	c.arm(timerRetry, c.cfg.RetryDelay)
}

func (c *Controller) onLevel(ev evLevel) {
	if c.cap == nil || ev.gen != c.cap.gen || c.sess.State != StateListening {
		return
	}

	out := c.det.Process(ev.lvl.Volume, ev.lvl.At)

	if c.phase == recStarting || c.phase == recRunning {
		c.rec.Feed(ev.lvl.Frame)
	} else {
		c.keep(ev.lvl.Frame)
	}

	switch out.Type {
	case vad.EventSpeechStart:
		c.startRecognition()
	case vad.EventSpeechEnd:
		c.stopRecognition()
	}
}

func (c *Controller) keep(frame []float32) {
	limit := int(c.cfg.PreRoll.Seconds() * audio.SampleRate / audio.FrameSize)
	if limit == 0 {
		return
	}

	c.preroll = append(c.preroll, frame)
	if over := len(c.preroll) - limit; over > 0 {
		c.preroll = append(c.preroll[:0], c.preroll[over:]...)
	}
}

func (c *Controller) startRecognition() {
	if c.phase != recIdle {
		log.Debug("Recognition start suppressed", "phase", c.phase)
		return
	}

	c.phase = recStarting
	if err := c.rec.Start(); err != nil {
		c.phase = recIdle
		log.Debug("Recognition start suppressed", "err", err)
		return
	}

	for _, f := range c.preroll {
		c.rec.Feed(f)
	}
	c.preroll = nil

	c.armIdle()
}

func (c *Controller) stopRecognition() {
	if c.phase != recStarting && c.phase != recRunning {
		return
	}

	c.rec.Stop()
	c.phase = recStopping
}

func (c *Controller) onCaptureDone(ev evCaptureDone) {
	if c.cap == nil || ev.gen != c.cap.gen {
		return
	}

	<-c.cap.done
	c.cap = nil
	c.cfg.Arbiter.Release(audio.OwnerCapture)
	c.sess.Capturing = false

	// a decode already under way keeps its utterance
	if c.phase == recStarting || c.phase == recRunning {
		c.rec.Abort()
		c.phase = recIdle
	}

	err := ev.err
	if err == nil {
		err = errors.New("capture stream ended")
	}
	c.captureFailed(err)
}

func (c *Controller) onRecognition(ev transcribe.Event) {
	switch ev.Kind {
	case transcribe.EventStarted:
		if c.phase == recStarting {
			c.phase = recRunning
		}

	case transcribe.EventInterim:
		if c.cfg.Observer != nil {
			c.cfg.Observer.OnInterim(ev.Text)
		}

	case transcribe.EventFinal:
		log.Info("Heard", "text", ev.Text)
		c.sess.Transcript = append(c.sess.Transcript, ev.Text)
		c.pending = append(c.pending, ev.Text)

	case transcribe.EventError:
		if errors.Is(ev.Err, transcribe.ErrTransient) {
			log.Debug("No speech recognised", "err", ev.Err)
			return
		}
		log.Error("Failed to transcribe", "err", ev.Err)
		c.system(fmt.Sprintf("Speech recognition failed: %v", ev.Err))

	case transcribe.EventEnded:
		c.phase = recIdle
		if len(c.pending) == 0 {
			return
		}

		text := strings.Join(c.pending, " ")
		c.pending = nil

		if c.sess.State != StateListening {
			log.Debug("Dropped utterance", "state", c.sess.State, "text", text)
			return
		}
		c.think(text)
	}
}

func (c *Controller) think(text string) {
	c.stopCapture()
	c.stop(timerIdle)
	c.setState(StateThinking)
	c.addMessage(SenderUser, text)

	epoch, ctx, role := c.epoch, c.sessCtx, c.cfg.Role
	utterance := strings.ToLower(text)

	go func() {
		res := c.cfg.Resolver.Resolve(ctx, utterance, role)
		c.mb.post(evResolved{epoch: epoch, res: res})
	}()
}

func (c *Controller) onResolved(res intent.Result) {
	if res.Closing {
		c.closing = true
	}

	if res.Nav != nil && c.cfg.Navigator != nil {
		nav, ctx := *res.Nav, c.sessCtx
		go func() {
			err := c.cfg.Navigator.Navigate(ctx, nav)
			c.mb.post(evNavigated{nav: nav, err: err})
		}()
	}

	if res.Spoken == "" {
		c.afterTurn()
		return
	}

	c.addMessage(SenderAssistant, res.Spoken)
	c.speak(res.Spoken)
}

// speak enters Speaking. Capture is shut down first so the assistant
// never hears itself.
func (c *Controller) speak(text string) {
	c.stopCapture()
	if c.phase != recIdle {
		c.rec.Abort()
		c.phase = recIdle
	}
	c.pending = nil
	c.stop(timerIdle)

	c.sess.Speaking = true
	c.setState(StateSpeaking)

	epoch, ctx := c.epoch, c.sessCtx
	c.speaking.Add(1)
	go func() {
		defer c.speaking.Done()
		err := c.cfg.Speaker.Say(ctx, text)
		c.mb.post(evSpoken{epoch: epoch, err: err})
	}()
}

func (c *Controller) afterTurn() {
	if !c.closing {
		c.listen()
		return
	}

	c.setState(StateClosing)
	c.arm(timerGrace, c.cfg.CloseGrace)
}

func (c *Controller) onTimer(kind timerKind) {
	switch kind {
	case timerGrace:
		if err := c.teardown(true); err != nil {
			log.Error("Failed to close session", "err", err)
		}

	case timerRetry:
		if c.sess.State == StateListening && c.cap == nil {
			c.startCapture()
		}

	case timerIdle:
		if c.sess.State == StateListening && c.phase == recIdle {
			log.Info("Closing idle session", "after", c.cfg.IdleTimeout)
			if err := c.teardown(true); err != nil {
				log.Error("Failed to close session", "err", err)
			}
		}
	}
}

// teardown stops recognition, then playback, then releases the microphone
// and returns to Closed. Every step runs even when an earlier one fails.
func (c *Controller) teardown(resume bool) error {
	if c.sess.State == StateClosed {
		return nil
	}
	if c.sess.State != StateClosing {
		c.setState(StateClosing)
	}

	var errs []error

	if c.rec != nil {
		c.rec.Abort()
	}
	c.phase = recIdle

	c.sessCancel()
	c.speaking.Wait()

	c.stopCapture()
	c.cfg.Arbiter.Release(audio.OwnerCapture)
	c.cfg.Arbiter.Release(audio.OwnerPlayback)
	if owner := c.cfg.Arbiter.Owner(); owner != audio.OwnerNone && owner != audio.OwnerWakeWord {
		errs = append(errs, fmt.Errorf("audio still held by %s", owner))
	}

	for kind := range c.timers {
		c.stop(kind)
	}

	c.cfg.Resolver.Reset()
	c.pending = nil
	c.preroll = nil
	c.closing = false
	c.epoch++

	c.sess = Session{Role: c.cfg.Role}
	c.setState(StateClosed)

	log.Info("Session closed")

	if resume && c.cfg.Wake != nil {
		if err := c.cfg.Wake.Resume(c.runCtx); err != nil {
			errs = append(errs, fmt.Errorf("resume wake word: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (c *Controller) armIdle() {
	if c.cfg.IdleTimeout > 0 {
		c.arm(timerIdle, c.cfg.IdleTimeout)
	}
}

func (c *Controller) arm(kind timerKind, d time.Duration) {
	c.stop(kind)

	c.timerSeq++
	id, epoch := c.timerSeq, c.epoch
	c.timerIDs[kind] = id
	c.timers[kind] = time.AfterFunc(d, func() {
		c.mb.post(evTimer{epoch: epoch, id: id, kind: kind})
	})
}

func (c *Controller) stop(kind timerKind) {
	if t, ok := c.timers[kind]; ok {
		t.Stop()
		delete(c.timers, kind)
	}
	delete(c.timerIDs, kind)
}

func (c *Controller) setState(s State) {
	if c.sess.State == s && s != StateClosed {
		return
	}

	log.Debug("Session state", "from", c.sess.State, "to", s)

	c.sess.State = s
	c.publish()

	if c.cfg.Observer != nil {
		c.cfg.Observer.OnState(s)
	}
}

func (c *Controller) addMessage(sender Sender, text string) {
	m := newMessage(sender, text)
	c.sess.Log = append(c.sess.Log, m)
	c.publish()

	if c.cfg.Observer != nil {
		c.cfg.Observer.OnMessage(m)
	}
}

func (c *Controller) system(text string) {
	c.addMessage(SenderSystem, text)
}

func (c *Controller) publish() {
	snap := c.sess.clone()

	c.mu.Lock()
	c.snapshot = snap
	c.mu.Unlock()
}
