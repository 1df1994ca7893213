package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	cli "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/lmittmann/tint"
	log "log/slog"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"gennie/internal/audio"
	"gennie/internal/backend"
	"gennie/internal/config"
	"gennie/internal/feed"
	"gennie/internal/intent"
	"gennie/internal/ipc"
	"gennie/internal/playback"
	"gennie/internal/proxy"
	"gennie/internal/router"
	"gennie/internal/session"
	"gennie/internal/speech"
	"gennie/internal/transcribe"
	"gennie/internal/tts"
	"gennie/internal/vad"
	"gennie/internal/wakeword"
	"gennie/pkg/protocol"
	"gennie/pkg/stt"
)

func main() {
	cfg, err := config.Load("gennie-daemon", os.Args[1:])
	if errors.Is(err, cli.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log.SetDefault(log.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: cfg.Level(),
	})))

	if err := cfg.Validate(); err != nil {
		log.Error("Invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Booting up")

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Daemon failed", "err", err)
		os.Exit(1)
	}

	log.Info("Shut down")
}

type daemon struct {
	ctrl *session.Controller
	wake *wakeword.Engine
}

func run(ctx context.Context, cfg config.Config) error {
	httpClient, err := proxy.NewClient(cfg.Proxy)
	if err != nil {
		return fmt.Errorf("proxy: %w", err)
	}

	log.Debug("Loaded proxy", "proxy", cfg.Proxy)

	client := openai.NewClient(
		option.WithAPIKey(cfg.OpenAIKey),
		option.WithHTTPClient(httpClient),
	)

	mic := audio.NewMicrophone()
	if err := mic.Init(); err != nil {
		return fmt.Errorf("init audio: %w", err)
	}
	defer mic.Close()

	log.Debug("Loaded microphone")

	whisper, err := stt.NewTranscriber(cfg.WhisperModel, stt.Options{
		Language: cfg.Language,
		Threads:  cfg.Threads,
		Prompt:   stt.DefaultPrompt,
	})
	if err != nil {
		return fmt.Errorf("init whisper: %w", err)
	}
	defer whisper.Close()

	log.Debug("Loaded whisper", "model", cfg.WhisperModel)

	player, err := playback.New(playback.DefaultSampleRate, cfg.Chime)
	if err != nil {
		return err
	}
	defer player.Close()

	arb := audio.NewArbiter()

	speaker := speech.New(speech.Config{
		Synth:    speech.NewOpenAISynthesizer(client, cfg.TTSModel, cfg.Voice),
		Out:      player,
		Fallback: tts.NewEspeak(cfg.Espeak),
		Ducker:   audio.NewDucker([]string{"gennie-daemon"}, 10),
		Arbiter:  arb,
	})

	role, _ := intent.ParseRole(cfg.Role)
	resolver := intent.NewResolver(intent.Config{
		Classifier: intent.NewOpenAIClassifier(client, cfg.ChatModel),
		Services:   backend.New(cfg.Backend, cfg.BackendToken, nil),
	})

	store, err := wakeword.OpenStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	wcfg := wakeword.DefaultConfig()
	wcfg.Source = mic
	wcfg.Arbiter = arb
	wcfg.Store = store
	wcfg.Threshold = cfg.WakeThreshold
	wcfg.OnError = func(err error) {
		log.Error("Wake-word listener failed", "err", err)
	}

	wake, err := wakeword.New(wcfg)
	if err != nil {
		return err
	}
	defer wake.Close()

	g, ctx := errgroup.WithContext(ctx)

	var nav session.Navigator
	if cfg.BusURL != "" {
		ptcl, err := protocol.NewProtocol(ctx, protocol.PtclConfig{
			Shard:   cfg.Shard,
			Url:     cfg.BusURL,
			Reconn:  cfg.Reconn,
			Timeout: cfg.BusTTL,
			EmitOut: func(m *protocol.Message) {
				log.Debug("Unhandled bus message", "msg", m.String())
			},
		})
		if err != nil {
			log.Error("Navigation disabled", "url", cfg.BusURL, "err", err)
		} else {
			nav = router.New(ptcl, cfg.Router, cfg.BusTTL)
			g.Go(func() error { return ptcl.Run(ctx) })
		}
	}

	hub := feed.NewHub()

	scfg := session.DefaultConfig()
	scfg.Mic = mic
	scfg.Engine = whisper
	scfg.Resolver = resolver
	scfg.Speaker = speaker
	scfg.Arbiter = arb
	scfg.Wake = wake
	scfg.Navigator = nav
	scfg.Observer = hub
	scfg.Role = role
	scfg.Chime = true
	scfg.VAD = vad.Config{Threshold: cfg.VADThreshold}
	scfg.Recognizer = transcribe.DefaultConfig()
	scfg.IdleTimeout = cfg.IdleTimeout

	ctrl, err := session.New(scfg)
	if err != nil {
		return err
	}

	d := &daemon{ctrl: ctrl, wake: wake}

	srv, err := ipc.Listen(cfg.Socket, d.handle)
	if err != nil {
		return err
	}

	g.Go(func() error { return ctrl.Run(ctx) })
	g.Go(func() error { return srv.Serve(ctx) })

	if cfg.Feed != "" {
		mux := http.NewServeMux()
		mux.Handle("/events", hub)
		mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(d.status())
		})

		web := &http.Server{Addr: cfg.Feed, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := web.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("feed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return web.Shutdown(sctx)
		})

		log.Info("Serving event feed", "addr", cfg.Feed)
	}

	trained, err := wake.LoadAndListen(ctx, ctrl.Wake)
	switch {
	case err != nil:
		log.Error("Failed to start wake word", "err", err)
	case !trained:
		log.Warn("Wake word untrained, use gennie-ctl collect and train")
	}

	log.Info("Boot up - successful", "socket", srv.Path(), "role", role)

	return g.Wait()
}

type status struct {
	Session session.Session `json:"session"`
	Wake    wakeword.Status `json:"wake"`
}

func (d *daemon) status() status {
	return status{Session: d.ctrl.Status(), Wake: d.wake.Status()}
}

func (d *daemon) handle(ctx context.Context, msg ipc.ControlMessage) (any, error) {
	switch msg.Cmd {
	case "open":
		return nil, d.ctrl.Open(ctx)

	case "close":
		return nil, d.ctrl.Close(ctx)

	case "say":
		text := strings.TrimSpace(strings.Join(msg.Args, " "))
		if text == "" {
			return nil, errors.New("say: missing text")
		}
		return nil, d.ctrl.Say(ctx, text)

	case "status":
		return d.status(), nil
	}

	// Everything below needs the microphone to itself.
	if st := d.ctrl.Status().State; st != session.StateClosed {
		return nil, fmt.Errorf("%s: session is %s", msg.Cmd, st)
	}

	switch msg.Cmd {
	case "collect":
		label, err := wakeLabel(msg.Args, 1)
		if err != nil {
			return nil, err
		}
		d.wake.Pause()
		defer d.listen(ctx)
		return d.wake.CollectExample(ctx, label)

	case "import":
		label, err := wakeLabel(msg.Args, 2)
		if err != nil {
			return nil, err
		}
		return d.wake.ImportFile(ctx, label, msg.Args[1])

	case "train":
		d.wake.Pause()
		defer d.listen(ctx)
		err := d.wake.Train(ctx, func(p wakeword.Progress) {
			if p.Epoch%10 == 0 || p.Epoch == p.Epochs {
				log.Info("Training", "epoch", p.Epoch, "of", p.Epochs, "loss", p.Loss, "accuracy", p.Accuracy)
			}
		})
		if err != nil {
			return nil, err
		}
		return d.wake.Status(), nil

	case "export":
		if len(msg.Args) != 1 {
			return nil, errors.New("usage: export <file>")
		}
		blob, err := d.wake.Export()
		if err != nil {
			return nil, err
		}
		return nil, os.WriteFile(msg.Args[0], blob, 0o600)

	case "load":
		if len(msg.Args) != 1 {
			return nil, errors.New("usage: load <file>")
		}
		blob, err := os.ReadFile(msg.Args[0])
		if err != nil {
			return nil, err
		}
		d.wake.Pause()
		defer d.listen(ctx)
		return nil, d.wake.Import(ctx, blob)

	case "reset":
		return nil, d.wake.Reset(ctx)

	default:
		return nil, fmt.Errorf("unknown command %q", msg.Cmd)
	}
}

// listen puts the wake word back on the microphone, registering the
// controller as its callback.
func (d *daemon) listen(ctx context.Context) {
	err := d.wake.StartListening(ctx, d.ctrl.Wake)
	if err != nil && !errors.Is(err, wakeword.ErrUntrained) {
		log.Error("Failed to resume wake word", "err", err)
	}
}

func wakeLabel(args []string, n int) (string, error) {
	if len(args) != n {
		return "", errors.New("usage: collect <wake|background> | import <wake|background> <file>")
	}

	switch args[0] {
	case "wake", wakeword.WakeLabel:
		return wakeword.WakeLabel, nil
	case "background", "noise", wakeword.BackgroundLabel:
		return wakeword.BackgroundLabel, nil
	default:
		return "", fmt.Errorf("unknown label %q", args[0])
	}
}
