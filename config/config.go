// config/config.go
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config 主配置结构
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	StateDB  StateDBConfig  `yaml:"statedb"`
	TxPool   TxPoolConfig   `yaml:"txpool"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig selects and tunes the kv backend.
type DatabaseConfig struct {
	Backend string `yaml:"backend"` // "memory" | "badger" | "pebble" | "leveldb"
	DataDir string `yaml:"dataDir"` // "./data/rollup"

	// tree node cache, shared by every view of the state/exit trees
	NodeCacheSize int `yaml:"nodeCacheSize"` // 1 << 16
}

// StateDBConfig describes the batch shape the circuit was compiled for.
type StateDBConfig struct {
	MaxTx        int `yaml:"maxTx"`        // 64
	MaxOnChainTx int `yaml:"maxOnChainTx"` // 16
	NLevels      int `yaml:"nLevels"`      // 24
	MaxFeeCoins  int `yaml:"maxFeeCoins"`  // 8
}

// TxPoolConfig 交易池配置
type TxPoolConfig struct {
	// slot classes
	ExecutableSlots    int `yaml:"executableSlots"`    // 4096
	NonExecutableSlots int `yaml:"nonExecutableSlots"` // 1024

	MaxPendingDeposits int `yaml:"maxPendingDeposits"` // 256

	// async submission queue
	MessageQueueSize int `yaml:"messageQueueSize"` // 1024

	// fee * price, decimal string
	MinNormalizedFee string `yaml:"minNormalizedFee"` // "0"

	// coin -> price of one base unit, decimal string
	ReferencePrices map[uint16]string `yaml:"referencePrices"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level"`      // "info"
	File       string `yaml:"file"`       // "" (stdout only)
	MaxSizeMB  int    `yaml:"maxSizeMB"`  // 100
	MaxAgeDays int    `yaml:"maxAgeDays"` // 7
	MaxBackups int    `yaml:"maxBackups"` // 5
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Backend:       "memory",
			DataDir:       "./data/rollup",
			NodeCacheSize: 1 << 16,
		},
		StateDB: StateDBConfig{
			MaxTx:        64,
			MaxOnChainTx: 16,
			NLevels:      24,
			MaxFeeCoins:  8,
		},
		TxPool: TxPoolConfig{
			ExecutableSlots:    4096,
			NonExecutableSlots: 1024,
			MaxPendingDeposits: 256,
			MessageQueueSize:   1024,
			MinNormalizedFee:   "0",
			ReferencePrices:    map[uint16]string{},
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxAgeDays: 7,
			MaxBackups: 5,
		},
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig. Missing keys keep
// their defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 验证配置合法性
func (c *Config) Validate() error {
	switch c.Database.Backend {
	case "memory", "badger", "pebble", "leveldb":
	default:
		return fmt.Errorf("unknown database backend %q", c.Database.Backend)
	}
	if c.Database.Backend != "memory" && c.Database.DataDir == "" {
		return fmt.Errorf("dataDir is required for backend %s", c.Database.Backend)
	}
	if err := c.StateDB.Validate(); err != nil {
		return err
	}
	if c.TxPool.ExecutableSlots <= 0 || c.TxPool.NonExecutableSlots < 0 {
		return fmt.Errorf("txpool slots must be positive")
	}
	if c.TxPool.MaxPendingDeposits < 0 {
		return fmt.Errorf("maxPendingDeposits must not be negative")
	}
	if c.TxPool.MessageQueueSize < 0 {
		return fmt.Errorf("messageQueueSize must not be negative")
	}
	return nil
}

// Validate checks the batch shape on its own, statedb.Open calls it too.
func (c StateDBConfig) Validate() error {
	if c.MaxTx <= 0 {
		return fmt.Errorf("maxTx must be positive")
	}
	if c.MaxOnChainTx < 0 || c.MaxOnChainTx > c.MaxTx {
		return fmt.Errorf("maxOnChainTx must be in [0, maxTx]")
	}
	if c.NLevels <= 0 || c.NLevels > 48 {
		return fmt.Errorf("nLevels must be in [1, 48]")
	}
	if c.MaxFeeCoins <= 0 {
		return fmt.Errorf("maxFeeCoins must be positive")
	}
	return nil
}
