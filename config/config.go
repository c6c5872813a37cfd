// Package config loads client settings.
//
// Values are layered: built-in defaults, then the YAML file, then a .env
// file if one exists, then DEEPNOISE_* environment variables. Command line
// flags are applied last by the caller.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"github.com/pion/webrtc/v3"
	"github.com/shynome/deepnoise/negotiator"
	"github.com/shynome/deepnoise/signaler"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid config")

// EnvPrefix is prepended to every environment variable read by Load.
const EnvPrefix = "DEEPNOISE_"

type Transport string

const (
	TransportWS  Transport = "ws"
	TransportSSE Transport = "sse"
	// TransportLocal connects to an in-process hub. Only useful in tests
	// and the example.
	TransportLocal Transport = "local"
)

type Config struct {
	// Server is the signaling server address, ws(s):// or http(s)://
	// depending on Transport.
	Server    string    `yaml:"server"`
	Nickname  string    `yaml:"nickname"`
	Transport Transport `yaml:"transport"`

	ICE       ICEConfig       `yaml:"ice"`
	Signaling SignalingConfig `yaml:"signaling"`
	Reconnect BackoffConfig   `yaml:"reconnect"`

	// ModelPath points at the audio filter model. Empty disables it.
	ModelPath string `yaml:"model_path"`
	LogLevel  string `yaml:"log_level"`
}

type ICEConfig struct {
	STUN         []string `yaml:"stun"`
	TURN         []string `yaml:"turn"`
	TURNUsername string   `yaml:"turn_username"`
	TURNPassword string   `yaml:"turn_password"`
	// Port multiplexes ICE on a single UDP port when non zero.
	Port uint16 `yaml:"port"`
}

type SignalingConfig struct {
	LoginTimeout time.Duration `yaml:"login_timeout"`
	CloseTimeout time.Duration `yaml:"close_timeout"`
}

type BackoffConfig struct {
	Min         time.Duration `yaml:"min"`
	Max         time.Duration `yaml:"max"`
	MaxAttempts int           `yaml:"max_attempts"`
}

func Default() *Config {
	return &Config{
		Transport: TransportWS,
		ICE: ICEConfig{
			STUN: []string{negotiator.DefaultSTUN},
		},
		Signaling: SignalingConfig{
			LoginTimeout: 2 * time.Second,
			CloseTimeout: time.Second,
		},
		Reconnect: BackoffConfig{
			Min: 500 * time.Millisecond,
			Max: 5 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load builds a Config from path (may be empty) and the environment.
// envFiles default to ".env"; missing env files are not an error.
func Load(path string, envFiles ...string) (cfg *Config, err error) {
	defer err2.Handle(&err, "load config")

	cfg = Default()
	if path != "" {
		b := try.To1(os.ReadFile(path))
		try.To(yaml.Unmarshal(b, cfg))
	}
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	try.To(cfg.applyEnv(os.LookupEnv))
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) (err error) {
	get := func(key string) (string, bool) {
		v, ok := lookup(EnvPrefix + key)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}
	str := func(key string, dst *string) {
		if v, ok := get(key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := get(key); ok && err == nil {
			d, perr := time.ParseDuration(v)
			if perr != nil {
				err = fmt.Errorf("%w: %s%s: %w", ErrInvalid, EnvPrefix, key, perr)
				return
			}
			*dst = d
		}
	}
	num := func(key string, bits int, set func(uint64)) {
		if v, ok := get(key); ok && err == nil {
			n, perr := strconv.ParseUint(v, 10, bits)
			if perr != nil {
				err = fmt.Errorf("%w: %s%s: %w", ErrInvalid, EnvPrefix, key, perr)
				return
			}
			set(n)
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := get(key); ok {
			*dst = splitAndClean(v)
		}
	}

	str("SERVER", &c.Server)
	str("NICKNAME", &c.Nickname)
	if v, ok := get("TRANSPORT"); ok {
		c.Transport = Transport(strings.ToLower(v))
	}
	str("MODEL_PATH", &c.ModelPath)
	str("LOG_LEVEL", &c.LogLevel)

	list("STUN_URLS", &c.ICE.STUN)
	list("TURN_URLS", &c.ICE.TURN)
	str("TURN_USERNAME", &c.ICE.TURNUsername)
	str("TURN_PASSWORD", &c.ICE.TURNPassword)
	num("ICE_PORT", 16, func(n uint64) { c.ICE.Port = uint16(n) })

	dur("LOGIN_TIMEOUT", &c.Signaling.LoginTimeout)
	dur("CLOSE_TIMEOUT", &c.Signaling.CloseTimeout)
	dur("RECONNECT_MIN", &c.Reconnect.Min)
	dur("RECONNECT_MAX", &c.Reconnect.Max)
	num("RECONNECT_ATTEMPTS", 31, func(n uint64) { c.Reconnect.MaxAttempts = int(n) })
	return err
}

func (c *Config) Validate() error {
	switch {
	case c.Nickname == "":
		return fmt.Errorf("%w: nickname is required", ErrInvalid)
	case c.Server == "" && c.Transport != TransportLocal:
		return fmt.Errorf("%w: server is required", ErrInvalid)
	}
	switch c.Transport {
	case TransportWS, TransportSSE, TransportLocal:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalid, c.Transport)
	}
	if c.Reconnect.Max != 0 && c.Reconnect.Max < c.Reconnect.Min {
		return fmt.Errorf("%w: reconnect max %s is below min %s", ErrInvalid, c.Reconnect.Max, c.Reconnect.Min)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// ICEServers falls back to the default STUN server when none is set.
func (c *Config) ICEServers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if stun := splitAndClean(strings.Join(c.ICE.STUN, ",")); len(stun) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stun})
	}
	if turn := splitAndClean(strings.Join(c.ICE.TURN, ",")); len(turn) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       turn,
			Username:   c.ICE.TURNUsername,
			Credential: c.ICE.TURNPassword,
		})
	}
	if len(servers) == 0 {
		servers = append(servers, webrtc.ICEServer{URLs: []string{negotiator.DefaultSTUN}})
	}
	return servers
}

func (c *Config) Backoff() signaler.Backoff {
	return signaler.Backoff{
		Min:         c.Reconnect.Min,
		Max:         c.Reconnect.Max,
		MaxAttempts: c.Reconnect.MaxAttempts,
	}
}

func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return l, fmt.Errorf("%w: log level: %w", ErrInvalid, err)
	}
	return l, nil
}

func splitAndClean(csv string) []string {
	var out []string
	for _, p := range strings.Split(csv, ",") {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
