// Package stacksctlcmd implements the stacksctl sub-commands.
package stacksctlcmd

import (
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/instbooks/stacks/archive"
	"github.com/instbooks/stacks/codecs"
	mbp "github.com/instbooks/stacks/mainboilerplate"
)

// CommandRegistry is the registry of stacksctl sub-commands. Commands
// register themselves from package init functions.
var CommandRegistry = mbp.NewCommandRegistry()

// BaseConfig is configuration shared by all stacksctl sub-commands.
type BaseConfig struct {
	Log mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`

	Diagnostics struct {
		Addr string `long:"addr" env:"ADDR" description:"Address to serve metrics and debug endpoints from. Disabled if empty"`
	} `group:"Diagnostics" namespace:"diagnostics" env-namespace:"DIAGNOSTICS"`

	Cache struct {
		Dir    string `long:"dir" env:"DIR" default:"data/cache" description:"Root of the local archive cache directory"`
		Budget string `long:"budget" env:"BUDGET" default:"1GB" description:"Aggregate size budget of the cache (eg 100MB, 2GB). 0 disables eviction"`
		Store  string `long:"store" env:"STORE" description:"Archive store URL (eg s3://bucket/prefix?endpoint=https://host)"`
		Codec  string `long:"codec" env:"CODEC" default:"gzip" description:"Compression codec of archive bundles"`
	} `group:"Cache" namespace:"cache" env-namespace:"CACHE"`

	Store struct {
		DSN       string `long:"dsn" env:"DSN" default:"data/database/database.db" description:"Relational store DSN: a postgres:// URL, or a SQLite database path"`
		Table     string `long:"table" env:"TABLE" default:"book_io" description:"Table holding one row per primary key"`
		KeyColumn string `long:"key-column" env:"KEY_COLUMN" default:"barcode" description:"Primary key column of the table"`
	} `group:"Relational store" namespace:"store" env-namespace:"STORE"`
}

// BaseCfg is parsed from flags, environment, and the INI file.
var BaseCfg = new(BaseConfig)

// startup initializes logging and diagnostics from BaseCfg.
func startup() {
	mbp.InitLog(BaseCfg.Log)
	mbp.InitDiagnostics(BaseCfg.Diagnostics.Addr)
}

// newCacheManager constructs the archive cache Manager of BaseCfg.
// If no store URL is configured, the Manager can still inspect and clear
// the cache, but not fetch.
func newCacheManager() (*archive.Manager, error) {
	var budget uint64
	var err error
	if BaseCfg.Cache.Budget != "0" {
		if budget, err = humanize.ParseBytes(BaseCfg.Cache.Budget); err != nil {
			return nil, errors.Wrap(err, "parsing cache budget")
		}
	}
	codec, err := codecs.ParseCodec(BaseCfg.Cache.Codec)
	if err != nil {
		return nil, err
	}

	var cfg = archive.Config{
		Dir:    BaseCfg.Cache.Dir,
		Budget: int64(budget),
		Codec:  codec,
	}
	if BaseCfg.Cache.Store == "" {
		return archive.NewManagerWithStore(cfg, nil)
	}
	cfg.StoreURL = BaseCfg.Cache.Store
	return archive.NewManager(cfg)
}
