package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestDefaultsValidate(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adas.yaml")
	content := `
listener:
  port: 6001
  mode: log
  read_timeout: 3s
parser:
  location: UTC
recording:
  enabled: true
  compression: lz4
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.Listener.Port != 6001 || cfg.Listener.Mode != "log" || cfg.Listener.ReadTimeout != 3*time.Second {
		t.Fatalf("unexpected listener config: %+v", cfg.Listener)
	}
	if cfg.Listener.QueueCapacity != 256 {
		t.Fatalf("unset keys should keep defaults, got queue %d", cfg.Listener.QueueCapacity)
	}
	if !cfg.Recording.Enabled || cfg.Recording.Compression != "lz4" {
		t.Fatalf("unexpected recording config: %+v", cfg.Recording)
	}
	loc, err := cfg.Parser.TimeLocation()
	if err != nil || loc != time.UTC {
		t.Fatalf("unexpected location %v %v", loc, err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("ADAS_DEVICE_HOST=192.168.1.1\nADAS_DEVICE_PASSWORD=secret\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv(EnvDeviceHost, "")
	t.Setenv(EnvDevicePassword, "")
	os.Unsetenv(EnvDeviceHost)
	os.Unsetenv(EnvDevicePassword)

	cfg := Defaults()
	if err := LoadEnv(&cfg, path, filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("LoadEnv error: %v", err)
	}
	if cfg.Device.Host != "192.168.1.1" || cfg.Device.Password != "secret" {
		t.Fatalf("unexpected device config: %+v", cfg.Device)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvMQTTBroker:   "tcp://broker:1883",
		EnvDeviceUser:   "",
		EnvMQTTUsername: "adas",
	}
	cfg := Defaults()
	ApplyEnv(&cfg, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if cfg.MQTT.Broker != "tcp://broker:1883" || cfg.MQTT.Username != "adas" {
		t.Fatalf("unexpected mqtt config: %+v", cfg.MQTT)
	}
	if cfg.Device.User != "root" {
		t.Fatalf("empty env value should not override, got %q", cfg.Device.User)
	}
}

func TestFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adas.yaml")
	if err := os.WriteFile(path, []byte("listener:\n  port: 7000\n  mode: image\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	args := []string{"--config", path, "--port", "7100", "--debug"}

	if got := ConfigPath(args); got != path {
		t.Fatalf("ConfigPath = %q", got)
	}
	cfg, err := Load(ConfigPath(args))
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if cfg.Listener.Port != 7100 || cfg.Listener.Mode != "image" || !cfg.Debug {
		t.Fatalf("unexpected merged config: %+v debug=%v", cfg.Listener, cfg.Debug)
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Listener.Port = 70000
	cfg.Listener.Mode = "video"
	cfg.Recording.Compression = "gzip"
	cfg.Log.Level = "loud"
	cfg.Device.TailLog = true

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{"port 70000", "video", "gzip", "loud", "device host"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in %v", want, err)
		}
	}
}

func TestNewLogger(t *testing.T) {
	var sb strings.Builder
	logger, err := LogConfig{Level: "warn", Format: "json"}.NewLogger(&sb)
	if err != nil {
		t.Fatalf("NewLogger error: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "k", 1)
	out := sb.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Fatalf("unexpected log output %q", out)
	}
}
