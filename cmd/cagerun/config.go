package main

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/stealthrocket/microvisor/cage"
	"github.com/stealthrocket/microvisor/internal/sockets"
	"github.com/stealthrocket/microvisor/pipe"
)

// Config is the configuration of cagerun. Values are loaded from the file
// named by --config, then overridden by command line flags.
type Config struct {
	// Root is the host directory exposed to guests as "/".
	Root string `yaml:"root"`

	Hostname string `yaml:"hostname"`

	// LogLevel is one of the logrus level names.
	LogLevel string `yaml:"log_level"`

	// Trace writes one line per system call to stderr.
	Trace bool `yaml:"trace"`

	PipeCapacity       int `yaml:"pipe_capacity"`
	SocketpairCapacity int `yaml:"socketpair_capacity"`

	RecvTimeout    time.Duration `yaml:"recv_timeout"`
	SelectInterval time.Duration `yaml:"select_interval"`

	// Listen and Dial are addresses of sockets installed in the descriptor
	// table of the first cage, listeners first.
	Listen []string `yaml:"listen"`
	Dial   []string `yaml:"dial"`

	UID uint32 `yaml:"uid"`
	GID uint32 `yaml:"gid"`
}

func defaultConfig() Config {
	return Config{
		Root:               ".",
		Hostname:           "microvisor",
		LogLevel:           "info",
		PipeCapacity:       pipe.DefaultCapacity,
		SocketpairCapacity: pipe.UnixSocketCapacity,
		RecvTimeout:        sockets.DefaultRecvTimeout,
		SelectInterval:     time.Millisecond,
		UID:                cage.DefaultUID,
		GID:                cage.DefaultGID,
	}
}

// loadConfig decodes the YAML file at path over config. Fields missing from
// the file keep their value; unknown fields are errors.
func loadConfig(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "reading configuration")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(config); err != nil && err != io.EOF {
		return errors.Wrapf(err, "parsing configuration %q", path)
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Root == "" {
		return errors.New("root directory is required")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "log_level")
	}
	if c.PipeCapacity <= 0 {
		return errors.Errorf("pipe_capacity must be positive: %d", c.PipeCapacity)
	}
	if c.SocketpairCapacity <= 0 {
		return errors.Errorf("socketpair_capacity must be positive: %d", c.SocketpairCapacity)
	}
	if c.RecvTimeout <= 0 {
		return errors.Errorf("recv_timeout must be positive: %s", c.RecvTimeout)
	}
	if c.SelectInterval <= 0 {
		return errors.Errorf("select_interval must be positive: %s", c.SelectInterval)
	}
	return nil
}

func (c *Config) addFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&c.Root, "root", c.Root, "host directory exposed to guests as their root")
	flagSet.StringVar(&c.Hostname, "hostname", c.Hostname, "host name reported to guests")
	flagSet.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	flagSet.BoolVar(&c.Trace, "trace", c.Trace, "trace system calls to stderr")
	flagSet.IntVar(&c.PipeCapacity, "pipe-capacity", c.PipeCapacity, "capacity of pipes in bytes")
	flagSet.IntVar(&c.SocketpairCapacity, "socketpair-capacity", c.SocketpairCapacity, "capacity of each direction of socket pairs in bytes")
	flagSet.DurationVar(&c.RecvTimeout, "recv-timeout", c.RecvTimeout, "receive timeout of host sockets")
	flagSet.DurationVar(&c.SelectInterval, "select-interval", c.SelectInterval, "polling interval of blocking select")
	flagSet.StringArrayVar(&c.Listen, "listen", c.Listen, "address to listen on, installed as a guest descriptor")
	flagSet.StringArrayVar(&c.Dial, "dial", c.Dial, "address to connect to, installed as a guest descriptor")
	flagSet.Uint32Var(&c.UID, "uid", c.UID, "user identity reported to guests")
	flagSet.Uint32Var(&c.GID, "gid", c.GID, "group identity reported to guests")
}

// parseArgs builds the configuration from the command line, returning the
// arguments following the flags: the module path and its arguments.
func parseArgs(args []string) (Config, []string, error) {
	config := defaultConfig()

	// The configuration file is located first so that flags, whatever their
	// position, override its values.
	var path string
	pre := pflag.NewFlagSet("cagerun", pflag.ContinueOnError)
	pre.SetOutput(io.Discard)
	pre.SetInterspersed(false)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.StringVar(&path, "config", "", "")
	pre.BoolP("help", "h", false, "")
	pre.Parse(args)
	if path != "" {
		if err := loadConfig(path, &config); err != nil {
			return config, nil, err
		}
	}

	flagSet := pflag.NewFlagSet("cagerun", pflag.ContinueOnError)
	flagSet.SetInterspersed(false)
	flagSet.String("config", path, "YAML configuration file")
	config.addFlags(flagSet)
	flagSet.Usage = func() { printUsage(flagSet) }
	if err := flagSet.Parse(args); err != nil {
		return config, nil, err
	}
	if err := config.Validate(); err != nil {
		return config, nil, err
	}
	return config, flagSet.Args(), nil
}
