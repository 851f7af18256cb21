package Config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	EnvPrefix      = "ESPCONSOLE"
	configFileName = "espconsole"
)

var ErrNoHost = errors.New("device host is not set")

type Config struct {
	Host         string        `mapstructure:"host"`
	WsPort       int           `mapstructure:"ws_port"`
	HttpPort     int           `mapstructure:"http_port"`
	Subprotocol  string        `mapstructure:"subprotocol"`
	ApiListen    string        `mapstructure:"api_listen"`
	CaptureFile  string        `mapstructure:"capture_file"`
	TailBytes    int           `mapstructure:"tail_bytes"`
	StallWarning time.Duration `mapstructure:"stall_warning"`
	LogLevel     string        `mapstructure:"log_level"`
	AssumeYes    bool          `mapstructure:"assume_yes"`

	// File is the config file that was read, empty if none.
	File string `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "")
	v.SetDefault("ws_port", 81)
	v.SetDefault("http_port", 80)
	v.SetDefault("subprotocol", "arduino")
	v.SetDefault("api_listen", "127.0.0.1:1115")
	v.SetDefault("capture_file", "")
	v.SetDefault("tail_bytes", 2048)
	v.SetDefault("stall_warning", 30*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("assume_yes", false)
}

// Flags registers every option on a new flag set.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("espconsole", pflag.ContinueOnError)
	fs.String("config", "", "config file (default ./espconsole.yaml or $HOME/.espconsole/espconsole.yaml)")
	fs.String("host", "", "device address, e.g. 192.168.4.1")
	fs.Int("ws-port", 81, "device WebSocket port")
	fs.Int("http-port", 80, "device HTTP port")
	fs.String("subprotocol", "arduino", "WebSocket subprotocol")
	fs.String("api-listen", "127.0.0.1:1115", "listen address of the local API")
	fs.String("capture-file", "", "append log lines to this CBOR capture file")
	fs.Int("tail-bytes", 2048, "bytes of log history kept in memory")
	fs.Duration("stall-warning", 30*time.Second, "warn when a command has no answer for this long (0 disables)")
	fs.String("log-level", "info", "debug, info, warn or error")
	fs.BoolP("yes", "y", false, "do not ask for confirmation")
	fs.SortFlags = false
	return fs
}

var flagKeys = map[string]string{
	"host":          "host",
	"ws-port":       "ws_port",
	"http-port":     "http_port",
	"subprotocol":   "subprotocol",
	"api-listen":    "api_listen",
	"capture-file":  "capture_file",
	"tail-bytes":    "tail_bytes",
	"stall-warning": "stall_warning",
	"log-level":     "log_level",
	"yes":           "assume_yes",
}

// Load parses args and merges flags, ESPCONSOLE_* env vars, the config file
// and defaults in that order of priority. It returns the positional arguments.
func Load(args []string) (*Config, []string, error) {
	fs := Flags()
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	cfg, err := FromFlags(fs)
	if err != nil {
		return nil, nil, err
	}
	return cfg, fs.Args(), nil
}

// FromFlags builds a Config from an already parsed flag set.
func FromFlags(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for flag, key := range flagKeys {
		if f := fs.Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	file := ""
	if f := fs.Lookup("config"); f != nil {
		file = f.Value.String()
	}
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(configFileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.espconsole")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Host == "" {
		return ErrNoHost
	}
	for name, port := range map[string]int{"ws_port": c.WsPort, "http_port": c.HttpPort} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s out of range: %d", name, port)
		}
	}
	if c.Subprotocol == "" {
		return errors.New("subprotocol is empty")
	}
	if c.TailBytes <= 0 {
		return fmt.Errorf("tail_bytes must be positive: %d", c.TailBytes)
	}
	if c.StallWarning < 0 {
		return fmt.Errorf("stall_warning is negative: %s", c.StallWarning)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func (c *Config) WebSocketURL() string {
	return "ws://" + net.JoinHostPort(c.Host, strconv.Itoa(c.WsPort)) + "/"
}

func (c *Config) HttpBaseURL() string {
	return "http://" + net.JoinHostPort(c.Host, strconv.Itoa(c.HttpPort))
}

// NewLogger returns a production zap logger at the configured level.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
