package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lainio/err2/assert"
	"github.com/lainio/err2/try"
	"github.com/shynome/deepnoise/negotiator"
)

const sample = `
server: wss://voice.example.org/ws
nickname: alice
transport: sse
ice:
  stun: [stun:a.example.org:3478]
  turn: [turn:t.example.org:3478]
  turn_username: u
  turn_password: p
  port: 40000
signaling:
  login_timeout: 3s
reconnect:
  max_attempts: 4
model_path: model.yaml
log_level: debug
`

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deepnoise.yaml")
	try.To(os.WriteFile(path, []byte(sample), 0o600))

	cfg := try.To1(Load(path, filepath.Join(dir, "missing.env")))
	assert.Equal(cfg.Server, "wss://voice.example.org/ws")
	assert.Equal(cfg.Transport, TransportSSE)
	assert.Equal(cfg.ICE.Port, uint16(40000))
	assert.Equal(cfg.Signaling.LoginTimeout, 3*time.Second)
	// untouched fields keep their defaults
	assert.Equal(cfg.Signaling.CloseTimeout, time.Second)
	assert.Equal(cfg.Reconnect.Min, 500*time.Millisecond)
	assert.Equal(cfg.Reconnect.MaxAttempts, 4)
	try.To(cfg.Validate())

	servers := cfg.ICEServers()
	assert.Equal(len(servers), 2)
	assert.DeepEqual(servers[0].URLs, []string{"stun:a.example.org:3478"})
	assert.Equal(servers[1].Username, "u")
	assert.Equal(servers[1].Credential, any("p"))

	level := try.To1(cfg.Level())
	assert.Equal(level, slog.LevelDebug)
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	try.To(os.WriteFile(envFile, []byte("DEEPNOISE_NICKNAME=carol\nDEEPNOISE_TRANSPORT=WS\n"), 0o600))
	t.Setenv("DEEPNOISE_SERVER", "ws://127.0.0.1:9000/ws")
	t.Setenv("DEEPNOISE_STUN_URLS", " stun:x:1 , ,stun:y:2")
	t.Setenv("DEEPNOISE_RECONNECT_MAX", "9s")
	t.Setenv("DEEPNOISE_ICE_PORT", "50000")
	t.Cleanup(func() {
		os.Unsetenv("DEEPNOISE_NICKNAME")
		os.Unsetenv("DEEPNOISE_TRANSPORT")
	})

	cfg := try.To1(Load("", envFile))
	assert.Equal(cfg.Nickname, "carol")
	assert.Equal(cfg.Transport, TransportWS)
	assert.Equal(cfg.Server, "ws://127.0.0.1:9000/ws")
	assert.DeepEqual(cfg.ICE.STUN, []string{"stun:x:1", "stun:y:2"})
	assert.Equal(cfg.Reconnect.Max, 9*time.Second)
	assert.Equal(cfg.ICE.Port, uint16(50000))
	try.To(cfg.Validate())
}

func TestBadEnv(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(func(key string) (string, bool) {
		if key == EnvPrefix+"LOGIN_TIMEOUT" {
			return "soon", true
		}
		return "", false
	})
	assert.That(errors.Is(err, ErrInvalid))

	err = cfg.applyEnv(func(key string) (string, bool) {
		if key == EnvPrefix+"ICE_PORT" {
			return "70000", true
		}
		return "", false
	})
	assert.That(errors.Is(err, ErrInvalid))
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Server, cfg.Nickname = "ws://localhost/ws", "alice"
		return cfg
	}
	try.To(valid().Validate())

	cases := map[string]func(*Config){
		"nickname":  func(c *Config) { c.Nickname = "" },
		"server":    func(c *Config) { c.Server = "" },
		"transport": func(c *Config) { c.Transport = "carrier-pigeon" },
		"backoff":   func(c *Config) { c.Reconnect.Max = time.Millisecond },
		"level":     func(c *Config) { c.LogLevel = "loud" },
	}
	for name, mutate := range cases {
		cfg := valid()
		mutate(cfg)
		err := cfg.Validate()
		assert.That(errors.Is(err, ErrInvalid), name)
	}

	local := valid()
	local.Server, local.Transport = "", TransportLocal
	try.To(local.Validate())
}

func TestDefaultICE(t *testing.T) {
	cfg := Default()
	cfg.ICE.STUN = nil
	servers := cfg.ICEServers()
	assert.Equal(len(servers), 1)
	assert.DeepEqual(servers[0].URLs, []string{negotiator.DefaultSTUN})

	b := cfg.Backoff()
	assert.Equal(b.Min, 500*time.Millisecond)
	assert.Equal(b.Max, 5*time.Second)
}
