package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gennie/internal/audio"
	"gennie/internal/audio/audiotest"
	"gennie/internal/intent"
	"gennie/internal/vad"
)

const wait = 5 * time.Second

func utterance() []float32 {
	return audiotest.Concat(
		audiotest.Silence(100*time.Millisecond),
		audiotest.Tone(440, 0.5, 600*time.Millisecond),
		audiotest.Silence(400*time.Millisecond),
	)
}

type fakeEngine struct {
	mu      sync.Mutex
	texts   []string
	calls   int
	release chan struct{}
}

func (e *fakeEngine) Transcribe(ctx context.Context, _ []float32, _ func(string)) (string, error) {
	e.mu.Lock()
	i := e.calls
	e.calls++
	e.mu.Unlock()

	if e.release != nil {
		select {
		case <-e.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if i < len(e.texts) {
		return e.texts[i], nil
	}
	return "", nil
}

func (e *fakeEngine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type fakeResolver struct {
	mu      sync.Mutex
	results map[string]intent.Result
	heard   []string
	resets  int
}

func (r *fakeResolver) Resolve(_ context.Context, utterance string, _ intent.Role) intent.Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.heard = append(r.heard, utterance)
	if res, ok := r.results[utterance]; ok {
		return res
	}
	return intent.Result{Spoken: "Okay."}
}

func (r *fakeResolver) Reset() {
	r.mu.Lock()
	r.resets++
	r.mu.Unlock()
}

func (r *fakeResolver) Heard() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.heard...)
}

// fakeSpeaker fails the test if it is ever asked to talk while the
// microphone is open.
type fakeSpeaker struct {
	mic *audiotest.Source
	arb *audio.Arbiter

	mu       sync.Mutex
	said     []string
	overlaps int
	block    bool
}

func (s *fakeSpeaker) Say(ctx context.Context, text string) error {
	s.mu.Lock()
	s.said = append(s.said, text)
	if s.mic.Active() != 0 || s.arb.Owner() == audio.OwnerCapture {
		s.overlaps++
	}
	block := s.block
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (s *fakeSpeaker) Said() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.said...)
}

func (s *fakeSpeaker) Overlaps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overlaps
}

type fakeWake struct {
	mu      sync.Mutex
	paused  int
	resumed int
}

func (w *fakeWake) Pause() {
	w.mu.Lock()
	w.paused++
	w.mu.Unlock()
}

func (w *fakeWake) Resume(context.Context) error {
	w.mu.Lock()
	w.resumed++
	w.mu.Unlock()
	return nil
}

func (w *fakeWake) counts() (int, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused, w.resumed
}

type fakeNavigator struct {
	mu  sync.Mutex
	got []intent.Navigation
}

func (n *fakeNavigator) Navigate(_ context.Context, nav intent.Navigation) error {
	n.mu.Lock()
	n.got = append(n.got, nav)
	n.mu.Unlock()
	return nil
}

func (n *fakeNavigator) Got() []intent.Navigation {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]intent.Navigation(nil), n.got...)
}

type fakeObserver struct {
	mu       sync.Mutex
	states   []State
	messages []Message
	volumes  int
}

func (o *fakeObserver) OnState(s State) {
	o.mu.Lock()
	o.states = append(o.states, s)
	o.mu.Unlock()
}

func (o *fakeObserver) OnMessage(m Message) {
	o.mu.Lock()
	o.messages = append(o.messages, m)
	o.mu.Unlock()
}

func (o *fakeObserver) OnVolume(float64) {
	o.mu.Lock()
	o.volumes++
	o.mu.Unlock()
}

func (o *fakeObserver) OnInterim(string) {}

func (o *fakeObserver) States() []State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]State(nil), o.states...)
}

func (o *fakeObserver) Messages() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Message(nil), o.messages...)
}

func (o *fakeObserver) Volumes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.volumes
}

type harness struct {
	c    *Controller
	mic  *audiotest.Source
	arb  *audio.Arbiter
	eng  *fakeEngine
	sp   *fakeSpeaker
	wake *fakeWake
	nav  *fakeNavigator
	obs  *fakeObserver
}

func newHarness(t *testing.T, mic *audiotest.Source, eng *fakeEngine, res Resolver, tweak ...func(*Config)) *harness {
	t.Helper()

	h := &harness{
		mic:  mic,
		arb:  audio.NewArbiter(),
		eng:  eng,
		wake: &fakeWake{},
		nav:  &fakeNavigator{},
		obs:  &fakeObserver{},
	}
	h.sp = &fakeSpeaker{mic: mic, arb: h.arb}

	cfg := DefaultConfig()
	cfg.Mic = mic
	cfg.Engine = eng
	cfg.Resolver = res
	cfg.Speaker = h.sp
	cfg.Arbiter = h.arb
	cfg.Wake = h.wake
	cfg.Navigator = h.nav
	cfg.Observer = h.obs
	cfg.VAD = vad.Config{Threshold: 15, SpeechDuration: 60 * time.Millisecond, SilenceDuration: 200 * time.Millisecond}
	cfg.CloseGrace = 50 * time.Millisecond
	cfg.RetryDelay = 20 * time.Millisecond
	for _, f := range tweak {
		f(&cfg)
	}

	c, err := New(cfg)
	require.NoError(t, err)
	h.c = c

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, c.running.Load, wait, time.Millisecond)

	return h
}

func (h *harness) waitState(t *testing.T, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.c.Status().State == s }, wait, time.Millisecond, "want %s, have %s", s, h.c.Status().State)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestRequestsNeedRun(t *testing.T) {
	c, err := New(Config{
		Mic:      audiotest.NewSource(),
		Engine:   &fakeEngine{},
		Resolver: &fakeResolver{},
		Speaker:  &fakeSpeaker{},
	})
	require.NoError(t, err)

	assert.ErrorIs(t, c.Open(context.Background()), ErrNotRunning)
	assert.Equal(t, StateClosed, c.Status().State)
}

func TestConversationTurn(t *testing.T) {
	mic := audiotest.NewSource(utterance())
	eng := &fakeEngine{texts: []string{"Is there an EMERGENCY?"}}
	res := &fakeResolver{results: map[string]intent.Result{
		"is there an emergency?": {
			Spoken: "Stay calm, help is on the way.",
			Nav:    &intent.Navigation{Kind: intent.NavTab, Target: "/dashboard/emergency-rescue"},
		},
	}}
	h := newHarness(t, mic, eng, res)

	require.NoError(t, h.c.Open(context.Background()))

	require.Eventually(t, func() bool { return len(h.sp.Said()) == 2 }, wait, time.Millisecond)
	h.waitState(t, StateListening)

	assert.Equal(t, []string{intent.Greeting, "Stay calm, help is on the way."}, h.sp.Said())
	assert.Equal(t, []string{"is there an emergency?"}, res.Heard())
	assert.Zero(t, h.sp.Overlaps())

	require.Eventually(t, func() bool { return len(h.nav.Got()) == 1 }, wait, time.Millisecond)
	assert.Equal(t, "/dashboard/emergency-rescue", h.nav.Got()[0].Target)

	st := h.c.Status()
	assert.Equal(t, []string{"Is there an EMERGENCY?"}, st.Transcript)
	require.Len(t, st.Log, 3)
	assert.Equal(t, SenderAssistant, st.Log[0].Sender)
	assert.Equal(t, SenderUser, st.Log[1].Sender)
	assert.Equal(t, "Is there an EMERGENCY?", st.Log[1].Text)
	assert.Equal(t, SenderAssistant, st.Log[2].Sender)
	assert.NotEqual(t, st.Log[0].ID, st.Log[2].ID)

	paused, resumed := h.wake.counts()
	assert.Equal(t, 1, paused)
	assert.Zero(t, resumed)
}

func TestEmergencyThroughResolver(t *testing.T) {
	mic := audiotest.NewSource(utterance())
	eng := &fakeEngine{texts: []string{"take me to emergency sos"}}
	res := intent.NewResolver(intent.Config{
		Classifier: classifierFunc(func(string) string {
			return "Activating emergency rescue now! ACTION:EMERGENCY"
		}),
	})
	h := newHarness(t, mic, eng, res)

	require.NoError(t, h.c.Open(context.Background()))

	require.Eventually(t, func() bool { return len(h.nav.Got()) == 1 }, wait, time.Millisecond)
	assert.Equal(t, intent.Navigation{Kind: intent.NavTab, Target: "/dashboard/emergency-rescue"}, h.nav.Got()[0])

	require.Eventually(t, func() bool { return len(h.sp.Said()) == 2 }, wait, time.Millisecond)
	assert.Equal(t, "Emergency mode activated! I'm finding rescue help near you right now. Stay safe!", h.sp.Said()[1])
	h.waitState(t, StateListening)
	assert.Len(t, res.History(), 2)
}

type classifierFunc func(utterance string) string

func (f classifierFunc) Classify(_ context.Context, utterance string, _ intent.Role, _ []intent.Entry) (string, error) {
	return f(utterance), nil
}

func TestGoodbyeClosesSession(t *testing.T) {
	mic := audiotest.NewSource(utterance())
	eng := &fakeEngine{texts: []string{"Thanks, goodbye"}}
	res := &fakeResolver{results: map[string]intent.Result{
		"thanks, goodbye": {Spoken: "Goodbye! Drive safe.", Closing: true},
	}}
	h := newHarness(t, mic, eng, res)

	require.NoError(t, h.c.Open(context.Background()))

	require.Eventually(t, func() bool {
		states := h.obs.States()
		return len(states) > 0 && states[len(states)-1] == StateClosed
	}, wait, time.Millisecond)

	states := h.obs.States()
	assert.Equal(t, []State{StateOpening, StateListening, StateThinking, StateSpeaking, StateClosing, StateClosed}, states)

	st := h.c.Status()
	assert.Equal(t, StateClosed, st.State)
	assert.Empty(t, st.Log)
	assert.Empty(t, st.Transcript)
	assert.False(t, st.Capturing)
	assert.False(t, st.Speaking)

	assert.Equal(t, audio.OwnerNone, h.arb.Owner())
	assert.Zero(t, mic.Active())
	assert.Zero(t, h.sp.Overlaps())

	_, resumed := h.wake.counts()
	assert.Equal(t, 1, resumed)

	res.mu.Lock()
	assert.Equal(t, 1, res.resets)
	res.mu.Unlock()
}

func TestSecondSpeechStartWhileDecodingIsSuppressed(t *testing.T) {
	script := audiotest.Concat(utterance(), utterance())
	mic := audiotest.NewSource(script)
	eng := &fakeEngine{texts: []string{"first", "second"}, release: make(chan struct{})}
	res := &fakeResolver{}
	h := newHarness(t, mic, eng, res)

	require.NoError(t, h.c.Open(context.Background()))

	frames := len(script) / audio.FrameSize
	require.Eventually(t, func() bool { return h.obs.Volumes() >= frames }, wait, time.Millisecond)
	assert.Equal(t, 1, eng.Calls())

	close(eng.release)

	require.Eventually(t, func() bool { return len(res.Heard()) == 1 }, wait, time.Millisecond)
	h.waitState(t, StateListening)
	assert.Equal(t, []string{"first"}, res.Heard())
	assert.Equal(t, 1, eng.Calls())
}

func TestPermissionDeniedCloses(t *testing.T) {
	mic := audiotest.NewSource()
	mic.OpenErr = audio.ErrPermissionDenied
	h := newHarness(t, mic, &fakeEngine{}, &fakeResolver{})

	require.NoError(t, h.c.Open(context.Background()))

	require.Eventually(t, func() bool {
		states := h.obs.States()
		return len(states) > 1 && states[len(states)-1] == StateClosed
	}, wait, time.Millisecond)

	var system []Message
	for _, m := range h.obs.Messages() {
		if m.Sender == SenderSystem {
			system = append(system, m)
		}
	}
	require.Len(t, system, 1)
	assert.Contains(t, system[0].Text, "denied")
	assert.Equal(t, audio.OwnerNone, h.arb.Owner())

	_, resumed := h.wake.counts()
	assert.Equal(t, 1, resumed)
}

func TestCaptureErrorRetries(t *testing.T) {
	mic := audiotest.NewSource()
	mic.OpenErr = audio.ErrDeviceBusy
	h := newHarness(t, mic, &fakeEngine{}, &fakeResolver{})

	require.NoError(t, h.c.Open(context.Background()))
	h.waitState(t, StateListening)

	require.Eventually(t, func() bool {
		for _, m := range h.c.Status().Log {
			if m.Sender == SenderSystem {
				return true
			}
		}
		return false
	}, wait, time.Millisecond)
	assert.False(t, h.c.Status().Capturing)

	mic.SetOpenErr(nil)
	require.Eventually(t, func() bool { return mic.Active() == 1 }, wait, time.Millisecond)
	assert.Equal(t, StateListening, h.c.Status().State)
}

func TestCaptureFailureKeepsFinishedUtterance(t *testing.T) {
	mic := audiotest.NewSource(utterance())
	mic.EndErr = errors.New("device unplugged")
	eng := &fakeEngine{texts: []string{"where is my charger"}, release: make(chan struct{})}
	res := &fakeResolver{}
	h := newHarness(t, mic, eng, res, func(cfg *Config) { cfg.RetryDelay = time.Hour })

	require.NoError(t, h.c.Open(context.Background()))

	require.Eventually(t, func() bool { return eng.Calls() == 1 }, wait, time.Millisecond)
	require.Eventually(t, func() bool {
		for _, m := range h.c.Status().Log {
			if m.Sender == SenderSystem {
				return true
			}
		}
		return false
	}, wait, time.Millisecond)
	assert.False(t, h.c.Status().Capturing)

	close(eng.release)

	require.Eventually(t, func() bool { return len(res.Heard()) == 1 }, wait, time.Millisecond)
	assert.Equal(t, []string{"where is my charger"}, res.Heard())
	require.Eventually(t, func() bool { return len(h.sp.Said()) == 2 }, wait, time.Millisecond)
	assert.Zero(t, h.sp.Overlaps())
}

func TestCloseFromListening(t *testing.T) {
	mic := audiotest.NewSource()
	h := newHarness(t, mic, &fakeEngine{}, &fakeResolver{})

	require.NoError(t, h.c.Open(context.Background()))
	h.waitState(t, StateListening)
	require.Eventually(t, func() bool { return mic.Active() == 1 }, wait, time.Millisecond)

	require.NoError(t, h.c.Close(context.Background()))

	assert.Equal(t, StateClosed, h.c.Status().State)
	assert.Zero(t, mic.Active())
	assert.Equal(t, audio.OwnerNone, h.arb.Owner())
	assert.ErrorIs(t, h.c.Close(context.Background()), ErrNotOpen)
}

func TestCloseWhileSpeaking(t *testing.T) {
	mic := audiotest.NewSource()
	h := newHarness(t, mic, &fakeEngine{}, &fakeResolver{})

	require.NoError(t, h.c.Open(context.Background()))
	h.waitState(t, StateListening)

	h.sp.mu.Lock()
	h.sp.block = true
	h.sp.mu.Unlock()

	require.NoError(t, h.c.Say(context.Background(), "Let me tell you a long story."))
	h.waitState(t, StateSpeaking)
	assert.Zero(t, mic.Active())

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	require.NoError(t, h.c.Close(ctx))

	st := h.c.Status()
	assert.Equal(t, StateClosed, st.State)
	assert.False(t, st.Speaking)
	assert.Zero(t, h.sp.Overlaps())
}

func TestSayOutsideListening(t *testing.T) {
	h := newHarness(t, audiotest.NewSource(), &fakeEngine{}, &fakeResolver{})

	assert.ErrorIs(t, h.c.Say(context.Background(), "hello"), ErrNotOpen)

	h.sp.mu.Lock()
	h.sp.block = true
	h.sp.mu.Unlock()

	require.NoError(t, h.c.Open(context.Background()))
	h.waitState(t, StateOpening)

	assert.ErrorIs(t, h.c.Say(context.Background(), "hello"), ErrBusy)
	assert.ErrorIs(t, h.c.Open(context.Background()), ErrAlreadyOpen)
}

func TestWakeOpensOnce(t *testing.T) {
	h := newHarness(t, audiotest.NewSource(), &fakeEngine{}, &fakeResolver{})

	h.c.Wake()
	h.c.Wake()
	h.waitState(t, StateListening)
	h.c.Wake()

	assert.Equal(t, []string{intent.Greeting}, h.sp.Said())
	paused, _ := h.wake.counts()
	assert.Equal(t, 1, paused)
}

func TestIdleTimeoutCloses(t *testing.T) {
	h := newHarness(t, audiotest.NewSource(), &fakeEngine{}, &fakeResolver{}, func(c *Config) {
		c.IdleTimeout = 50 * time.Millisecond
	})

	require.NoError(t, h.c.Open(context.Background()))
	h.waitState(t, StateListening)
	h.waitState(t, StateClosed)
}

func TestRunClosesOpenSession(t *testing.T) {
	mic := audiotest.NewSource()
	arb := audio.NewArbiter()

	cfg := DefaultConfig()
	cfg.Mic = mic
	cfg.Engine = &fakeEngine{}
	cfg.Resolver = &fakeResolver{}
	cfg.Speaker = &fakeSpeaker{mic: mic, arb: arb}
	cfg.Arbiter = arb

	c, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, c.running.Load, wait, time.Millisecond)
	require.NoError(t, c.Open(context.Background()))
	require.Eventually(t, func() bool { return mic.Active() == 1 }, wait, time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(wait):
		t.Fatal("Run did not return")
	}

	assert.Equal(t, StateClosed, c.Status().State)
	assert.Zero(t, mic.Active())
}
