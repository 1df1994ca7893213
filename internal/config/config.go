// Package config assembles daemon settings from flags, an optional .env
// file, GENNIE_* environment variables and an optional YAML file.
// Precedence, highest first: explicit flag, environment, YAML, default.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	log "log/slog"

	"github.com/joho/godotenv"
	cli "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"gennie/internal/intent"
	"gennie/internal/ipc"
)

const EnvPrefix = "GENNIE"

type Config struct {
	EnvFile    string `mapstructure:"env"`
	ConfigFile string `mapstructure:"config"`
	LogLevel   string `mapstructure:"log"`

	Socket string `mapstructure:"socket"`
	Feed   string `mapstructure:"feed"`
	Proxy  string `mapstructure:"proxy"`

	BusURL string        `mapstructure:"bus"`
	Shard  string        `mapstructure:"shard"`
	Router string        `mapstructure:"router"`
	Reconn uint          `mapstructure:"reconn"`
	BusTTL time.Duration `mapstructure:"bus-timeout"`

	Backend      string `mapstructure:"backend"`
	BackendToken string `mapstructure:"backend-token"`

	OpenAIKey string `mapstructure:"openai-api-key"`
	ChatModel string `mapstructure:"chat-model"`
	TTSModel  string `mapstructure:"tts-model"`
	Voice     string `mapstructure:"voice"`
	Espeak    string `mapstructure:"espeak-lang"`

	WhisperModel string `mapstructure:"whisper-model"`
	Language     string `mapstructure:"language"`
	Threads      int    `mapstructure:"threads"`

	Role          string        `mapstructure:"role"`
	DataDir       string        `mapstructure:"data-dir"`
	Chime         string        `mapstructure:"chime"`
	WakeThreshold float64       `mapstructure:"wake-threshold"`
	VADThreshold  float64       `mapstructure:"vad-threshold"`
	IdleTimeout   time.Duration `mapstructure:"idle-timeout"`
}

var logLevels = map[string]log.Level{
	"debug": log.LevelDebug,
	"info":  log.LevelInfo,
	"warn":  log.LevelWarn,
	"error": log.LevelError,
}

func (c Config) Level() log.Level {
	return logLevels[c.LogLevel]
}

func (c Config) Validate() error {
	var errs []error

	if _, ok := logLevels[c.LogLevel]; !ok {
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	if _, err := intent.ParseRole(c.Role); err != nil {
		errs = append(errs, err)
	}
	if c.OpenAIKey == "" {
		errs = append(errs, errors.New("OPENAI_API_KEY not set"))
	}
	if c.WhisperModel == "" {
		errs = append(errs, errors.New("whisper model path not set"))
	}
	if c.WakeThreshold <= 0 || c.WakeThreshold > 1 {
		errs = append(errs, fmt.Errorf("wake threshold %v out of (0, 1]", c.WakeThreshold))
	}

	return errors.Join(errs...)
}

func flags(name string) *cli.FlagSet {
	set := cli.NewFlagSet(name, cli.ContinueOnError)

	set.StringP("env", "e", ".env", "Env file path")
	set.StringP("config", "c", "", "YAML config file")
	set.StringP("log", "l", "info", "Log level")

	set.String("socket", ipc.DefaultSocketPath, "Control socket path")
	set.String("feed", "127.0.0.1:8093", "Listen address of the UI event feed, empty to disable")
	set.StringP("proxy", "p", "", "Socks proxy address for API calls")

	set.StringP("bus", "u", "ws://localhost:8092/ws", "Url of hub, empty to disable navigation")
	set.String("shard", "GENNIE", "Shard name on the hub")
	set.String("router", "ROUTER", "Shard that performs navigation")
	set.Uint("reconn", 5, "Hub reconnect attempts")
	set.Duration("bus-timeout", 5*time.Second, "Hub dial and request timeout")

	set.String("backend", "http://localhost:5000", "Charging network API base url")
	set.String("backend-token", "", "Charging network API token")

	set.String("openai-api-key", "", "OpenAI API key")
	set.String("chat-model", "gpt-4o-mini", "Intent classifier model")
	set.String("tts-model", "tts-1", "Speech synthesis model")
	set.String("voice", "alloy", "Speech synthesis voice")
	set.String("espeak-lang", "en", "Offline fallback voice language")

	set.String("whisper-model", "third_party/whisper.cpp/models/ggml-base.en.bin", "Whisper model path")
	set.String("language", "en", "Transcription language")
	set.Int("threads", 0, "Whisper threads, 0 for all cores")

	set.String("role", string(intent.RoleDriver), "User role: driver or host")
	set.String("data-dir", "gennie-data", "Wake word model directory")
	set.String("chime", "", "Wake chime audio file, empty for the built-in tone")
	set.Float64("wake-threshold", 0.96, "Wake word probability needed to fire")
	set.Float64("vad-threshold", 15, "Speech volume threshold on the 0..100 scale")
	set.Duration("idle-timeout", 0, "Close a silent session after this long, 0 to never")

	return set
}

// Load parses args (without the program name). The .env file named by
// --env is loaded into the process environment before anything is read;
// a missing .env file is not an error.
func Load(name string, args []string) (Config, error) {
	set := flags(name)
	if err := set.Parse(args); err != nil {
		return Config{}, err
	}

	envFile, _ := set.GetString("env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(set); err != nil {
		return Config{}, err
	}
	if err := v.BindEnv("openai-api-key", EnvPrefix+"_OPENAI_API_KEY", "OPENAI_API_KEY"); err != nil {
		return Config{}, err
	}

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}
