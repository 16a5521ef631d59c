// Package config parses the ledger-history command line. Every flag has an
// environment fallback named LEDGER_<FLAG> (upper case, dashes as
// underscores); explicit flags win over the environment. All validation
// happens here, before any network activity.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/Sternrassler/ledger-history/pkg/ledger"
	"github.com/Sternrassler/ledger-history/pkg/logging"
	"github.com/spf13/pflag"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// EnvPrefix prefixes the environment fallback of every flag.
const EnvPrefix = "LEDGER_"

// Config is the validated run configuration.
type Config struct {
	RPCURL     string
	Commitment string
	RPCTimeout time.Duration

	FromSlot uint64
	ToSlot   uint64

	GroupsFile string
	Groups     []ledger.Group

	CSVPath     string
	SQLitePath  string
	PushGateway string

	BatchSize            int
	Concurrency          int
	SignatureConcurrency int
	AccountConcurrency   int
	MaxAttempts          int
	ScaleFactor          float64

	RedisAddr string
	CacheTTL  time.Duration

	AuthorityDSN   string
	AuthorityTable string

	Verbose    int
	LogLevel   logging.LogLevel
	PrettyLogs bool
}

// Parse reads args (without the program name) and the environment through
// getenv, then loads and validates the groups file. A nil getenv disables the
// environment fallback. pflag.ErrHelp is returned unchanged for -h.
func Parse(args []string, getenv func(string) string, usage io.Writer) (*Config, error) {
	cfg := &Config{}
	fs := pflag.NewFlagSet("ledger-history", pflag.ContinueOnError)
	if usage != nil {
		fs.SetOutput(usage)
	} else {
		fs.SetOutput(io.Discard)
	}

	var logLevel string

	fs.StringVar(&cfg.RPCURL, "rpc-url", "", "ledger JSON-RPC endpoint (http or https)")
	fs.StringVar(&cfg.Commitment, "commitment", "finalized", "commitment level of RPC reads")
	fs.DurationVar(&cfg.RPCTimeout, "rpc-timeout", 30*time.Second, "timeout of one RPC round trip")
	fs.Uint64Var(&cfg.FromSlot, "from-slot", 0, "first slot of the range (inclusive)")
	fs.Uint64Var(&cfg.ToSlot, "to-slot", 0, "last slot of the range (inclusive)")
	fs.StringVar(&cfg.GroupsFile, "groups", "", "JSON or YAML file listing account groups")
	fs.StringVarP(&cfg.CSVPath, "output", "o", "", "CSV output file")
	fs.StringVar(&cfg.SQLitePath, "sqlite", "", "SQLite output file")
	fs.StringVar(&cfg.PushGateway, "push-gateway", "", "Prometheus Pushgateway URL")
	fs.IntVar(&cfg.BatchSize, "batch-size", 100, "initial transactions per batch request")
	fs.IntVar(&cfg.Concurrency, "concurrency", 8, "initial concurrent transaction batch requests")
	fs.IntVar(&cfg.SignatureConcurrency, "signature-concurrency", 8, "initial concurrent signature page requests")
	fs.IntVar(&cfg.AccountConcurrency, "account-concurrency", 8, "accounts processed at once")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", 5, "attempts per request before giving up")
	fs.Float64Var(&cfg.ScaleFactor, "scale-factor", 0.8, "throughput multiplier applied on every retry, in (0,1)")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", "", "Redis address of the transaction cache (disabled when empty)")
	fs.DurationVar(&cfg.CacheTTL, "cache-ttl", 7*24*time.Hour, "lifetime of cached transactions")
	fs.StringVar(&cfg.AuthorityDSN, "authority-dsn", "", "ClickHouse DSN of the authoritative store")
	fs.StringVar(&cfg.AuthorityTable, "authority-table", "transactions", "authoritative transactions table")
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "increase verbosity (-v debug, -vv trace)")
	fs.StringVar(&logLevel, "log-level", string(logging.LevelInfo), "log level (trace, debug, info, warn, error)")
	fs.BoolVar(&cfg.PrettyLogs, "pretty-logs", false, "human-readable console logs")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("%w: unexpected arguments %v", ErrInvalidConfig, fs.Args())
	}

	if getenv != nil {
		var envErr error
		fs.VisitAll(func(f *pflag.Flag) {
			if f.Changed {
				return
			}
			name := EnvName(f.Name)
			if v := getenv(name); v != "" {
				if err := fs.Set(f.Name, v); err != nil {
					envErr = errors.Join(envErr, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, name, err))
				}
			}
		})
		if envErr != nil {
			return nil, envErr
		}
	}

	cfg.LogLevel = logging.LevelFromVerbosity(cfg.Verbose, logging.LogLevel(logLevel))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	groups, err := LoadGroups(cfg.GroupsFile)
	if err != nil {
		return nil, err
	}
	cfg.Groups = groups
	return cfg, nil
}

// EnvName returns the environment fallback of a flag.
func EnvName(flag string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// Validate checks everything except the groups file contents.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.RPCURL == "" {
		invalid("--rpc-url is required")
	} else if err := checkHTTPURL(c.RPCURL); err != nil {
		invalid("--rpc-url: %v", err)
	}
	if c.FromSlot > c.ToSlot {
		invalid("--from-slot %d is after --to-slot %d", c.FromSlot, c.ToSlot)
	}
	if c.GroupsFile == "" {
		invalid("--groups is required")
	}
	if c.CSVPath == "" && c.SQLitePath == "" && c.PushGateway == "" {
		invalid("at least one of --output, --sqlite or --push-gateway is required")
	}
	if c.PushGateway != "" {
		if err := checkHTTPURL(c.PushGateway); err != nil {
			invalid("--push-gateway: %v", err)
		}
	}
	if c.CSVPath != "" && c.CSVPath == c.SQLitePath {
		invalid("--output and --sqlite point to the same file")
	}
	if c.BatchSize < 1 {
		invalid("--batch-size must be at least 1")
	}
	if c.Concurrency < 1 {
		invalid("--concurrency must be at least 1")
	}
	if c.SignatureConcurrency < 1 {
		invalid("--signature-concurrency must be at least 1")
	}
	if c.AccountConcurrency < 1 {
		invalid("--account-concurrency must be at least 1")
	}
	if c.MaxAttempts < 1 {
		invalid("--max-attempts must be at least 1")
	}
	if !(c.ScaleFactor > 0 && c.ScaleFactor < 1) {
		invalid("--scale-factor %v must be in (0,1)", c.ScaleFactor)
	}
	if c.RPCTimeout <= 0 {
		invalid("--rpc-timeout must be positive")
	}
	if c.CacheTTL <= 0 {
		invalid("--cache-ttl must be positive")
	}
	if c.AuthorityDSN == "" {
		invalid("--authority-dsn is required")
	}
	if !logging.ValidLevel(c.LogLevel) {
		invalid("unknown log level %q", c.LogLevel)
	}

	return errors.Join(errs...)
}

func checkHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}
