// Package config holds the runtime configuration shared by the binaries.
// Values come from defaults, then an optional YAML file, then the
// environment (optionally seeded from a .env file), then command-line flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type AppConfig struct {
	Listener  ListenerConfig  `yaml:"listener"`
	Parser    ParserConfig    `yaml:"parser"`
	Device    DeviceConfig    `yaml:"device"`
	Recording RecordingConfig `yaml:"recording"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	ZMQ       ZMQConfig       `yaml:"zmq"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`

	// Debug runs the built-in device simulator against the listener.
	Debug        bool    `yaml:"debug"`
	DebugRateHz  float64 `yaml:"debug_rate_hz"`
	DebugFrames  int     `yaml:"debug_frames"`
	DebugImageKB int     `yaml:"debug_image_kb"`
}

type ListenerConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	Mode          string        `yaml:"mode"` // log, image, image-path
	QueueCapacity int           `yaml:"queue_capacity"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	MaxImageBytes int           `yaml:"max_image_bytes"`
	// PortRetries is how many successive ports are tried after reclaiming a
	// busy one.
	PortRetries int `yaml:"port_retries"`
}

type ParserConfig struct {
	// Location is the IANA zone device timestamps are written in.
	Location string `yaml:"location"`
	Tag      string `yaml:"tag"`
}

type DeviceConfig struct {
	Host     string `yaml:"host"`
	SSHPort  int    `yaml:"ssh_port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"`
	KeyFile  string `yaml:"key_file"`
	LogDir   string `yaml:"log_dir"`
	// TailLog follows the newest device log over SSH in addition to the
	// socket feed.
	TailLog     bool          `yaml:"tail_log"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// ReclaimPort kills whatever holds the listener port on this host.
	ReclaimPort bool `yaml:"reclaim_port"`
}

type RecordingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	OutputDir   string `yaml:"output_dir"`
	Compression string `yaml:"compression"` // none, zstd, lz4
	ExportCSV   bool   `yaml:"export_csv"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	Username    string `yaml:"username"`
	Password    string `yaml:"-"`
}

type ZMQConfig struct {
	// Endpoint is bound with a PUSH socket; empty disables it.
	Endpoint string `yaml:"endpoint"`
}

type ServerConfig struct {
	Port int `yaml:"port"` // 0 disables the UI server
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

func Defaults() AppConfig {
	return AppConfig{
		Listener: ListenerConfig{
			Host:          "0.0.0.0",
			Port:          5000,
			Mode:          "image-path",
			QueueCapacity: 256,
			MaxImageBytes: 32 << 20,
			PortRetries:   5,
		},
		Parser: ParserConfig{
			Location: "Local",
			Tag:      "[JSON]",
		},
		Device: DeviceConfig{
			SSHPort:     22,
			User:        "root",
			LogDir:      "/logging/video-adas",
			DialTimeout: 5 * time.Second,
		},
		Recording: RecordingConfig{
			OutputDir:   "./runs",
			Compression: "zstd",
		},
		MQTT: MQTTConfig{
			TopicPrefix: "adas",
		},
		Server: ServerConfig{
			Port: 8888,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		DebugRateHz:  10,
		DebugImageKB: 16,
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (AppConfig, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Environment variables read by ApplyEnv.
const (
	EnvDeviceHost     = "ADAS_DEVICE_HOST"
	EnvDeviceUser     = "ADAS_DEVICE_USER"
	EnvDevicePassword = "ADAS_DEVICE_PASSWORD"
	EnvDeviceKeyFile  = "ADAS_DEVICE_KEY_FILE"
	EnvMQTTBroker     = "ADAS_MQTT_BROKER"
	EnvMQTTUsername   = "ADAS_MQTT_USERNAME"
	EnvMQTTPassword   = "ADAS_MQTT_PASSWORD"
)

// LoadEnv seeds the process environment from the given .env files (missing
// files are ignored) and applies it to cfg.
func LoadEnv(cfg *AppConfig, files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	ApplyEnv(cfg, os.LookupEnv)
	return nil
}

// ApplyEnv copies credentials and endpoints from lookup into cfg.
func ApplyEnv(cfg *AppConfig, lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(&cfg.Device.Host, EnvDeviceHost)
	set(&cfg.Device.User, EnvDeviceUser)
	set(&cfg.Device.Password, EnvDevicePassword)
	set(&cfg.Device.KeyFile, EnvDeviceKeyFile)
	set(&cfg.MQTT.Broker, EnvMQTTBroker)
	set(&cfg.MQTT.Username, EnvMQTTUsername)
	set(&cfg.MQTT.Password, EnvMQTTPassword)
}

// ConfigPath finds --config (or -c) in args, so the file can be loaded
// before the full flag set is bound to its values.
func ConfigPath(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}
		for _, name := range []string{"--config", "-c"} {
			if v, ok := strings.CutPrefix(arg, name+"="); ok {
				return v
			}
			if arg == name && i+1 < len(args) {
				return args[i+1]
			}
		}
	}
	return ""
}

// BindFlags registers the command-line overrides on fs, using the current
// values of cfg as defaults.
func BindFlags(fs *pflag.FlagSet, cfg *AppConfig) {
	fs.StringP("config", "c", "", "YAML configuration file")

	fs.StringVar(&cfg.Listener.Host, "host", cfg.Listener.Host, "listener bind address")
	fs.IntVarP(&cfg.Listener.Port, "port", "p", cfg.Listener.Port, "listener TCP port")
	fs.StringVar(&cfg.Listener.Mode, "mode", cfg.Listener.Mode, "frame mode: log, image, image-path")
	fs.IntVar(&cfg.Listener.QueueCapacity, "queue", cfg.Listener.QueueCapacity, "dispatch queue capacity (negative for unbounded)")
	fs.DurationVar(&cfg.Listener.ReadTimeout, "read-timeout", cfg.Listener.ReadTimeout, "per-connection read timeout (0 for none)")
	fs.IntVar(&cfg.Listener.PortRetries, "port-retries", cfg.Listener.PortRetries, "ports to try when the listener port is busy")

	fs.StringVar(&cfg.Parser.Location, "tz", cfg.Parser.Location, "time zone of device timestamps")

	fs.StringVar(&cfg.Device.Host, "device", cfg.Device.Host, "device address for SSH")
	fs.StringVar(&cfg.Device.User, "device-user", cfg.Device.User, "device SSH user")
	fs.StringVar(&cfg.Device.KeyFile, "device-key", cfg.Device.KeyFile, "device SSH private key")
	fs.BoolVar(&cfg.Device.TailLog, "tail", cfg.Device.TailLog, "follow the newest device log over SSH")
	fs.BoolVar(&cfg.Device.ReclaimPort, "reclaim-port", cfg.Device.ReclaimPort, "kill the process holding a busy listener port")

	fs.BoolVar(&cfg.Recording.Enabled, "record", cfg.Recording.Enabled, "record received frames")
	fs.StringVarP(&cfg.Recording.OutputDir, "output", "o", cfg.Recording.OutputDir, "recording directory")
	fs.StringVar(&cfg.Recording.Compression, "compression", cfg.Recording.Compression, "recording compression: none, zstd, lz4")
	fs.BoolVar(&cfg.Recording.ExportCSV, "csv", cfg.Recording.ExportCSV, "export parsed telemetry as CSV")

	fs.StringVar(&cfg.MQTT.Broker, "mqtt", cfg.MQTT.Broker, "MQTT broker URL (empty disables)")
	fs.StringVar(&cfg.ZMQ.Endpoint, "zmq", cfg.ZMQ.Endpoint, "ZeroMQ PUSH endpoint (empty disables)")
	fs.IntVar(&cfg.Server.Port, "ui-port", cfg.Server.Port, "UI server port (0 disables)")

	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "debug, info, warn, error")
	fs.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "text or json")

	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "run the built-in device simulator")
	fs.Float64Var(&cfg.DebugRateHz, "debug-rate", cfg.DebugRateHz, "simulator frames per second")
	fs.IntVar(&cfg.DebugFrames, "debug-frames", cfg.DebugFrames, "simulator frame count (0 for unlimited)")
}

var (
	frameModes   = []string{"log", "image", "image-path"}
	compressions = []string{"none", "zstd", "lz4"}
)

// Validate reports every problem found, joined.
func (c AppConfig) Validate() error {
	var errs []error
	if c.Listener.Port < 0 || c.Listener.Port > 65535 {
		errs = append(errs, fmt.Errorf("listener port %d out of range", c.Listener.Port))
	}
	if !oneOf(c.Listener.Mode, frameModes) {
		errs = append(errs, fmt.Errorf("listener mode %q must be one of %s", c.Listener.Mode, strings.Join(frameModes, ", ")))
	}
	if c.Listener.ReadTimeout < 0 {
		errs = append(errs, errors.New("listener read timeout must not be negative"))
	}
	if _, err := c.Parser.TimeLocation(); err != nil {
		errs = append(errs, err)
	}
	if c.Recording.Enabled && c.Recording.OutputDir == "" {
		errs = append(errs, errors.New("recording enabled without output dir"))
	}
	if !oneOf(c.Recording.Compression, compressions) {
		errs = append(errs, fmt.Errorf("compression %q must be one of %s", c.Recording.Compression, strings.Join(compressions, ", ")))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt qos %d must be 0, 1 or 2", c.MQTT.QoS))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("ui port %d out of range", c.Server.Port))
	}
	if c.Device.TailLog && c.Device.Host == "" {
		errs = append(errs, errors.New("device host required for log tail"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log format %q must be text or json", c.Log.Format))
	}
	if c.Debug && c.DebugRateHz <= 0 {
		errs = append(errs, errors.New("debug rate must be positive"))
	}
	return errors.Join(errs...)
}

func (p ParserConfig) TimeLocation() (*time.Location, error) {
	switch p.Location {
	case "", "Local":
		return time.Local, nil
	}
	loc, err := time.LoadLocation(p.Location)
	if err != nil {
		return nil, fmt.Errorf("parser location %q: %w", p.Location, err)
	}
	return loc, nil
}

func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", l.Level, err)
	}
	return level, nil
}

// NewLogger builds the root logger described by l.
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := l.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func oneOf(v string, options []string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}
