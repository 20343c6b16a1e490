// Package config defines the daemon's runtime configuration: CLI flags
// with the teacher's urfave/cli.v1 flag set, and an optional TOML file
// override loaded with naoina/toml.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"reflect"
	"time"
	"unicode"

	"github.com/naoina/toml"
	"gopkg.in/urfave/cli.v1"
)

// Config holds every tunable the daemon needs to start a relay.
type Config struct {
	MetricsAddr           string
	TargetPeers           int
	ListenPort            int
	EnableDiscovery       bool
	DiscoveryIntervalSecs int
	PeerTimeoutSecs       int
	UserAgent             string
}

// Defaults mirrors the daemon's built-in flag defaults.
var Defaults = Config{
	MetricsAddr:           "0.0.0.0:15444",
	TargetPeers:           1000,
	ListenPort:            8333,
	EnableDiscovery:       true,
	DiscoveryIntervalSecs: 300,
	PeerTimeoutSecs:       60,
	UserAgent:             "/Crab Router:1.0.0/",
}

var (
	ConfigFileFlag = cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	MetricsAddrFlag = cli.StringFlag{
		Name:  "metrics-addr",
		Usage: "address the Prometheus metrics server listens on",
		Value: Defaults.MetricsAddr,
	}
	TargetPeersFlag = cli.IntFlag{
		Name:  "target-peers",
		Usage: "number of outbound connections to maintain",
		Value: Defaults.TargetPeers,
	}
	ListenPortFlag = cli.IntFlag{
		Name:  "listen-port",
		Usage: "TCP port to accept inbound peer connections on",
		Value: Defaults.ListenPort,
	}
	EnableDiscoveryFlag = cli.BoolTFlag{
		Name:  "enable-discovery",
		Usage: "seed from DNS and solicit getaddr from peers",
	}
	DiscoveryIntervalSecsFlag = cli.IntFlag{
		Name:  "discovery-interval-secs",
		Usage: "seconds between discovery cycles",
		Value: Defaults.DiscoveryIntervalSecs,
	}
	PeerTimeoutSecsFlag = cli.IntFlag{
		Name:  "peer-timeout-secs",
		Usage: "seconds allowed for the handshake to complete",
		Value: Defaults.PeerTimeoutSecs,
	}
	UserAgentFlag = cli.StringFlag{
		Name:  "user-agent",
		Usage: "user agent string advertised in our version message",
		Value: Defaults.UserAgent,
	}
)

// Flags is the full flag set registered on the daemon's cli.App.
var Flags = []cli.Flag{
	ConfigFileFlag,
	MetricsAddrFlag,
	TargetPeersFlag,
	ListenPortFlag,
	EnableDiscoveryFlag,
	DiscoveryIntervalSecsFlag,
	PeerTimeoutSecsFlag,
	UserAgentFlag,
}

// tomlSettings keeps TOML keys identical to the Config field names.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string { return key },
	FieldToKey:    func(rt reflect.Type, field string) string { return field },
	MissingField: func(rt reflect.Type, field string) error {
		var link string
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see https://godoc.org/%s#%s for available fields", rt.PkgPath(), rt.Name())
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, rt.String(), link)
	},
}

// loadFile decodes a TOML file into cfg, starting from whatever cfg
// already holds.
func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(path + ", " + err.Error())
	}
	return err
}

// FromContext builds a Config from defaults, an optional TOML file named
// by --config, then CLI flags, in that order of increasing precedence.
func FromContext(ctx *cli.Context) (Config, error) {
	cfg := Defaults

	if file := ctx.GlobalString(ConfigFileFlag.Name); file != "" {
		if err := loadFile(file, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: load %q: %w", file, err)
		}
	}

	if ctx.GlobalIsSet(MetricsAddrFlag.Name) {
		cfg.MetricsAddr = ctx.GlobalString(MetricsAddrFlag.Name)
	}
	if ctx.GlobalIsSet(TargetPeersFlag.Name) {
		cfg.TargetPeers = ctx.GlobalInt(TargetPeersFlag.Name)
	}
	if ctx.GlobalIsSet(ListenPortFlag.Name) {
		cfg.ListenPort = ctx.GlobalInt(ListenPortFlag.Name)
	}
	if ctx.GlobalIsSet(EnableDiscoveryFlag.Name) {
		cfg.EnableDiscovery = ctx.GlobalBoolT(EnableDiscoveryFlag.Name)
	}
	if ctx.GlobalIsSet(DiscoveryIntervalSecsFlag.Name) {
		cfg.DiscoveryIntervalSecs = ctx.GlobalInt(DiscoveryIntervalSecsFlag.Name)
	}
	if ctx.GlobalIsSet(PeerTimeoutSecsFlag.Name) {
		cfg.PeerTimeoutSecs = ctx.GlobalInt(PeerTimeoutSecsFlag.Name)
	}
	if ctx.GlobalIsSet(UserAgentFlag.Name) {
		cfg.UserAgent = ctx.GlobalString(UserAgentFlag.Name)
	}

	return cfg, cfg.Validate()
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	if c.TargetPeers <= 0 {
		return errors.New("config: target-peers must be positive")
	}
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return errors.New("config: listen-port out of range")
	}
	if c.PeerTimeoutSecs <= 0 {
		return errors.New("config: peer-timeout-secs must be positive")
	}
	if c.DiscoveryIntervalSecs <= 0 {
		return errors.New("config: discovery-interval-secs must be positive")
	}
	if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
		return fmt.Errorf("config: metrics-addr: %w", err)
	}
	return nil
}

// ListenAddr is the "0.0.0.0:<port>" form the peer manager listens on.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("0.0.0.0:%d", c.ListenPort)
}

// DiscoveryInterval is DiscoveryIntervalSecs as a time.Duration.
func (c Config) DiscoveryInterval() time.Duration {
	return time.Duration(c.DiscoveryIntervalSecs) * time.Second
}

// PeerTimeout is PeerTimeoutSecs as a time.Duration.
func (c Config) PeerTimeout() time.Duration {
	return time.Duration(c.PeerTimeoutSecs) * time.Second
}
