// Package config loads the engine's process configuration from a TOML
// file, using go-ethereum's own config format library
// (github.com/naoina/toml) rather than the standard library's
// encoding/json or a hand-rolled flag parser.
package config

import (
	"os"
	"time"

	"github.com/naoina/toml"

	"github.com/expressrelay/auctionengine/internal/xerrors"
)

// Config is the engine's top-level process configuration (spec §6:
// "chain id, RPC URLs, relayer key path, wallet router account,
// timeouts").
type Config struct {
	Chain   ChainConfig
	Storage StorageConfig
	OpsAPI  OpsAPIConfig
}

type ChainConfig struct {
	ChainID           string
	PrimaryRPCURL      string
	BroadcastRPCURL    string
	WSURL              string
	ExpressRelayProgram string
	WalletRouter       string
	RelayerKeyPath     string

	MinAuctionLifetime Duration
	ResubmitInterval   Duration
	BlockhashInterval  Duration
}

type StorageConfig struct {
	JournalDir string
}

type OpsAPIConfig struct {
	ListenAddr string
}

// Duration wraps time.Duration so it can round-trip through TOML as a
// human-readable string ("400ms", "5s") the way go-ethereum's own config
// types do.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Default returns the engine's baked-in defaults (spec's named
// constants), overridden by whatever the loaded file sets.
func Default() Config {
	return Config{
		Chain: ChainConfig{
			MinAuctionLifetime: Duration{400 * time.Millisecond},
			ResubmitInterval:   Duration{2 * time.Second},
			BlockhashInterval:  Duration{5 * time.Second},
		},
		Storage: StorageConfig{JournalDir: "./data/journal"},
		OpsAPI:  OpsAPIConfig{ListenAddr: "127.0.0.1:9191"},
	}
}

// Load reads and parses a TOML config file at path, starting from
// Default() so an omitted field keeps its baked-in value.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, xerrors.Wrap(err, "config: reading file")
	}
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return cfg, xerrors.Wrap(err, "config: parsing toml")
	}
	return cfg, nil
}
