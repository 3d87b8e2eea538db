package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrInvalid marks configuration that cannot be served with. Every
// validation failure wraps it so callers can match with errors.Is.
var ErrInvalid = errors.New("invalid configuration")

// Copies policies accepted by success-copies-num.
const (
	CopiesAll    = "all"
	CopiesQuorum = "quorum"
	CopiesAny    = "any"
)

type Config struct {
	Proxy      ProxyConfig                `json:"proxy"`
	Timeouts   TimeoutConfig              `json:"timeouts"`
	Remotes    []string                   `json:"remotes"`
	Mastermind MastermindConfig           `json:"mastermind"`
	Namespaces map[string]NamespaceConfig `json:"namespaces"`
}

type ProxyConfig struct {
	Address string `json:"address"`
	// Minimum number of live storage connections before the proxy
	// answers operations with an error instead of dispatching them.
	DieLimit int `json:"die-limit"`
	// Added to a node's data port to derive the port published in
	// download-info responses.
	BasePort int `json:"base-port"`
	// When true, published paths carry blob offset and size. When
	// false, paths are sharded directories derived from the key id.
	EblobStylePath  bool `json:"eblob-style-path"`
	DirectionBitNum int  `json:"direction-bit-num"`
}

type TimeoutConfig struct {
	Wait  int `json:"wait"`
	Check int `json:"check"`
}

type MastermindConfig struct {
	Nodes                 []MastermindNode `json:"nodes"`
	GroupInfoUpdatePeriod int              `json:"group-info-update-period"`
}

type MastermindNode struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type NamespaceConfig struct {
	GroupsCount      int    `json:"groups-count"`
	SuccessCopiesNum string `json:"success-copies-num"`
	AuthKey          string `json:"auth-key"`
}

// Default returns a configuration with every optional knob at its
// documented default. LoadConfig unmarshals on top of it, so absent
// keys keep these values.
func Default() *Config {
	return &Config{
		Proxy: ProxyConfig{
			Address:         ":9000",
			DieLimit:        1,
			BasePort:        1024,
			EblobStylePath:  true,
			DirectionBitNum: 16,
		},
		Timeouts: TimeoutConfig{
			Wait:  5,
			Check: 60,
		},
		Mastermind: MastermindConfig{
			GroupInfoUpdatePeriod: 60,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	for i := range cfg.Mastermind.Nodes {
		if cfg.Mastermind.Nodes[i].Port == 0 {
			cfg.Mastermind.Nodes[i].Port = 10053
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports the first fatal problem with the configuration.
func (c *Config) Validate() error {
	if len(c.Remotes) == 0 {
		return fmt.Errorf("%w: no storage remotes", ErrInvalid)
	}
	if len(c.Mastermind.Nodes) == 0 {
		return fmt.Errorf("%w: no mastermind nodes", ErrInvalid)
	}
	for _, n := range c.Mastermind.Nodes {
		if n.Host == "" {
			return fmt.Errorf("%w: mastermind node without host", ErrInvalid)
		}
	}
	if len(c.Namespaces) == 0 {
		return fmt.Errorf("%w: no namespaces", ErrInvalid)
	}
	for name, ns := range c.Namespaces {
		if ns.GroupsCount <= 0 {
			return fmt.Errorf("%w: namespace %q: groups-count must be positive", ErrInvalid, name)
		}
		switch ns.SuccessCopiesNum {
		case CopiesAll, CopiesQuorum, CopiesAny:
		default:
			return fmt.Errorf("%w: namespace %q: unknown success-copies-num %q", ErrInvalid, name, ns.SuccessCopiesNum)
		}
	}
	if c.Proxy.DieLimit < 0 {
		return fmt.Errorf("%w: die-limit must not be negative", ErrInvalid)
	}
	if c.Proxy.DirectionBitNum <= 0 || c.Proxy.DirectionBitNum%4 != 0 {
		return fmt.Errorf("%w: direction-bit-num must be a positive multiple of 4", ErrInvalid)
	}
	return nil
}

// Namespace returns the policy for name, reporting whether it exists.
func (c *Config) Namespace(name string) (NamespaceConfig, bool) {
	ns, ok := c.Namespaces[name]
	return ns, ok
}

func (c *Config) WaitTimeout() time.Duration {
	return time.Duration(c.Timeouts.Wait) * time.Second
}

func (c *Config) CheckTimeout() time.Duration {
	return time.Duration(c.Timeouts.Check) * time.Second
}

func (c *Config) GroupInfoUpdatePeriod() time.Duration {
	return time.Duration(c.Mastermind.GroupInfoUpdatePeriod) * time.Second
}
