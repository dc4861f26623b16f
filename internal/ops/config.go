package ops

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yanun0323/errors"
	"gopkg.in/yaml.v3"

	"tradeguard/internal/account"
	"tradeguard/internal/feed"
	"tradeguard/internal/health"
	"tradeguard/internal/risk"
	"tradeguard/internal/state"
	"tradeguard/pkg/conn"
	"tradeguard/pkg/exception"
)

// FileConfig mirrors the config file layout. JSON and YAML share field names.
type FileConfig struct {
	Symbols  []string           `json:"symbols" yaml:"symbols"`
	Feed     FeedConfig         `json:"feed" yaml:"feed"`
	Health   HealthConfig       `json:"health" yaml:"health"`
	Risk     RiskConfig         `json:"risk" yaml:"risk"`
	Ledger   LedgerConfig       `json:"ledger" yaml:"ledger"`
	Account  AccountConfig      `json:"account" yaml:"account"`
	Journal  JournalConfig      `json:"journal" yaml:"journal"`
	Status   StatusConfig       `json:"status" yaml:"status"`
	Features FeatureFlagsConfig `json:"features" yaml:"features"`
}

// FeedConfig configures the coordinator and the exchange endpoints.
type FeedConfig struct {
	RestURL           string   `json:"restUrl" yaml:"restUrl"`
	StreamURL         string   `json:"streamUrl" yaml:"streamUrl"`
	Channel           string   `json:"channel" yaml:"channel"`
	PollInterval      Duration `json:"pollInterval" yaml:"pollInterval"`
	PollTimeout       Duration `json:"pollTimeout" yaml:"pollTimeout"`
	HealthInterval    Duration `json:"healthInterval" yaml:"healthInterval"`
	DivergencePercent float64  `json:"divergencePercent" yaml:"divergencePercent"`
	QueueSize         int      `json:"queueSize" yaml:"queueSize"`
}

type HealthConfig struct {
	PushStaleThreshold        Duration `json:"pushStaleThreshold" yaml:"pushStaleThreshold"`
	PollStaleThreshold        Duration `json:"pollStaleThreshold" yaml:"pollStaleThreshold"`
	SilentDisconnectThreshold Duration `json:"silentDisconnectThreshold" yaml:"silentDisconnectThreshold"`
	MaxConsecutiveFailures    int      `json:"maxConsecutiveFailures" yaml:"maxConsecutiveFailures"`
	TickInterval              Duration `json:"tickInterval" yaml:"tickInterval"`
}

// RiskConfig holds the admission limits. Zero values keep the defaults,
// except for the boolean switches.
type RiskConfig struct {
	MaxHoldingTime         Durations `json:"maxHoldingTime" yaml:"maxHoldingTime"`
	MaxConcurrentPositions *int      `json:"maxConcurrentPositions" yaml:"maxConcurrentPositions"`
	MaxExposurePercent     float64   `json:"maxExposurePercent" yaml:"maxExposurePercent"`
	ConsecutiveLossLimit   *int      `json:"consecutiveLossLimit" yaml:"consecutiveLossLimit"`
	DailyLossPercentLimit  float64   `json:"dailyLossPercentLimit" yaml:"dailyLossPercentLimit"`
	MinLiquidity           float64   `json:"minLiquidity" yaml:"minLiquidity"`
	MaxSlippagePercent     float64   `json:"maxSlippagePercent" yaml:"maxSlippagePercent"`
	MaxFeedLatency         Duration  `json:"maxFeedLatency" yaml:"maxFeedLatency"`
	AllowPollOnly          bool      `json:"allowPollOnly" yaml:"allowPollOnly"`
	KillSwitch             bool      `json:"killSwitch" yaml:"killSwitch"`
	FallbackCapital        float64   `json:"fallbackCapital" yaml:"fallbackCapital"`
	RewardRiskRatio        float64   `json:"rewardRiskRatio" yaml:"rewardRiskRatio"`
	AccountTimeout         Duration  `json:"accountTimeout" yaml:"accountTimeout"`
}

type LedgerConfig struct {
	DefaultMaxHoldingTime Duration `json:"defaultMaxHoldingTime" yaml:"defaultMaxHoldingTime"`
	EvictAfter            Duration `json:"evictAfter" yaml:"evictAfter"`
	MonitorInterval       Duration `json:"monitorInterval" yaml:"monitorInterval"`
	InitialEquity         float64  `json:"initialEquity" yaml:"initialEquity"`
	SnapshotPath          string   `json:"snapshotPath" yaml:"snapshotPath"`
}

// AccountConfig selects the account provider and the equity cache.
type AccountConfig struct {
	// Provider is "static" or "none".
	Provider     string             `json:"provider" yaml:"provider"`
	Balance      float64            `json:"balance" yaml:"balance"`
	Positions    []account.Position `json:"positions" yaml:"positions"`
	PollInterval Duration           `json:"pollInterval" yaml:"pollInterval"`
	Redis        RedisConfig        `json:"redis" yaml:"redis"`
}

type RedisConfig struct {
	Addr     string   `json:"addr" yaml:"addr"`
	Password string   `json:"password" yaml:"password"`
	DB       int      `json:"db" yaml:"db"`
	Key      string   `json:"key" yaml:"key"`
	TTL      Duration `json:"ttl" yaml:"ttl"`
}

// JournalConfig points at the PostgreSQL trade journal.
type JournalConfig struct {
	DSN      string            `json:"dsn" yaml:"dsn"`
	Host     string            `json:"host" yaml:"host"`
	Port     int               `json:"port" yaml:"port"`
	User     string            `json:"user" yaml:"user"`
	Password string            `json:"password" yaml:"password"`
	Database string            `json:"database" yaml:"database"`
	SSLMode  string            `json:"sslMode" yaml:"sslMode"`
	Params   map[string]string `json:"params" yaml:"params"`
}

type StatusConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

// FeatureFlagsConfig captures optional runtime flags.
type FeatureFlagsConfig struct {
	EnablePush    *bool `json:"enablePush" yaml:"enablePush"`
	EnableJournal *bool `json:"enableJournal" yaml:"enableJournal"`
	EnableStatus  *bool `json:"enableStatus" yaml:"enableStatus"`
	EnableRedis   *bool `json:"enableRedis" yaml:"enableRedis"`
}

// FeatureFlags are resolved runtime flags.
type FeatureFlags struct {
	EnablePush    bool
	EnableJournal bool
	EnableStatus  bool
	EnableRedis   bool
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Symbols        []string
	Feed           feed.Config
	RestURL        string
	StreamURL      string
	Health         health.Config
	Limits         risk.Limits
	AccountTimeout time.Duration
	Ledger         state.Config
	SnapshotPath   string
	Account        AccountSpec
	Journal        conn.Option
	StatusAddr     string
	Features       FeatureFlags
}

// AccountSpec is the resolved account section.
type AccountSpec struct {
	Provider     string
	Balance      float64
	Positions    []account.Position
	PollInterval time.Duration
	Redis        RedisConfig
}

const (
	ProviderStatic = "static"
	ProviderNone   = "none"

	defaultStatusAddr          = ":8080"
	defaultAccountPollInterval = 5 * time.Second
)

// Load reads a JSON or YAML config file. ${VAR} references are expanded
// from the environment before parsing.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, errors.Wrapf(err, "read config %s", path)
	}
	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return Loaded{}, errors.Wrapf(err, "parse config %s", path)
	}
	return Resolve(cfg)
}

// Parse decodes raw config bytes. ext selects the format (".yaml", ".yml" or ".json").
func Parse(data []byte, ext string) (FileConfig, error) {
	data = []byte(os.ExpandEnv(string(data)))
	var cfg FileConfig
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return FileConfig{}, err
		}
	case ".json", "":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return FileConfig{}, err
		}
	default:
		return FileConfig{}, errors.Wrapf(exception.ErrInvalidConfig, "unsupported config format %q", ext)
	}
	return cfg, nil
}

// Resolve applies defaults and validates every section.
func Resolve(cfg FileConfig) (Loaded, error) {
	symbols := make([]string, 0, len(cfg.Symbols))
	seen := make(map[string]struct{}, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		s = feed.NormalizeSymbol(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		symbols = append(symbols, s)
	}
	if len(symbols) == 0 {
		return Loaded{}, errors.Wrap(exception.ErrInvalidConfig, "no symbols configured")
	}

	features := resolveFeatures(cfg.Features)

	feedCfg := resolveFeed(cfg.Feed)
	feedCfg.DisablePush = !features.EnablePush
	if err := feedCfg.Validate(); err != nil {
		return Loaded{}, err
	}

	healthCfg := health.Config{
		PushStaleThreshold:        cfg.Health.PushStaleThreshold.Std(),
		PollStaleThreshold:        cfg.Health.PollStaleThreshold.Std(),
		SilentDisconnectThreshold: cfg.Health.SilentDisconnectThreshold.Std(),
		MaxConsecutiveFailures:    cfg.Health.MaxConsecutiveFailures,
		TickInterval:              cfg.Health.TickInterval.Std(),
	}
	if err := healthCfg.Validate(); err != nil {
		return Loaded{}, err
	}

	limits := resolveLimits(cfg.Risk)
	if !features.EnablePush {
		limits.AllowPollOnly = true
	}
	if err := limits.Validate(); err != nil {
		return Loaded{}, err
	}
	// Poll data ages up to one interval plus a slow request before it is
	// refreshed, so a tighter latency limit denies trades on a healthy poll feed.
	if pollAge := feedCfg.PollInterval + feedCfg.PollTimeout; limits.MaxFeedLatency <= pollAge {
		return Loaded{}, errors.Wrapf(exception.ErrInvalidConfig,
			"risk max feed latency %s must exceed poll interval + timeout %s", limits.MaxFeedLatency, pollAge)
	}

	ledgerCfg := state.Config{
		MaxHoldingTime:        limits.MaxHoldingTime.Clone(),
		DefaultMaxHoldingTime: cfg.Ledger.DefaultMaxHoldingTime.Std(),
		EvictAfter:            cfg.Ledger.EvictAfter.Std(),
		MonitorInterval:       cfg.Ledger.MonitorInterval.Std(),
		InitialEquity:         cfg.Ledger.InitialEquity,
	}
	if err := ledgerCfg.Validate(); err != nil {
		return Loaded{}, err
	}

	acct, err := resolveAccount(cfg.Account, features)
	if err != nil {
		return Loaded{}, err
	}

	journal := conn.Option{
		Host:       cfg.Journal.Host,
		Port:       cfg.Journal.Port,
		User:       cfg.Journal.User,
		Password:   cfg.Journal.Password,
		Database:   cfg.Journal.Database,
		SSLMode:    cfg.Journal.SSLMode,
		Params:     cfg.Journal.Params,
		ConnString: cfg.Journal.DSN,
	}
	if features.EnableJournal && journal.ConnString == "" && journal.Database == "" {
		return Loaded{}, errors.Wrap(exception.ErrInvalidConfig, "journal enabled without dsn or database")
	}

	statusAddr := cfg.Status.Addr
	if statusAddr == "" {
		statusAddr = defaultStatusAddr
	}

	return Loaded{
		Symbols:        symbols,
		Feed:           feedCfg,
		RestURL:        cfg.Feed.RestURL,
		StreamURL:      cfg.Feed.StreamURL,
		Health:         healthCfg,
		Limits:         limits,
		AccountTimeout: cfg.Risk.AccountTimeout.Std(),
		Ledger:         ledgerCfg,
		SnapshotPath:   cfg.Ledger.SnapshotPath,
		Account:        acct,
		Journal:        journal,
		StatusAddr:     statusAddr,
		Features:       features,
	}, nil
}

func resolveFeed(cfg FeedConfig) feed.Config {
	out := feed.DefaultConfig()
	if cfg.PollInterval != 0 {
		out.PollInterval = cfg.PollInterval.Std()
	}
	if cfg.PollTimeout != 0 {
		out.PollTimeout = cfg.PollTimeout.Std()
	}
	if cfg.HealthInterval != 0 {
		out.HealthInterval = cfg.HealthInterval.Std()
	}
	if cfg.Channel != "" {
		out.Channel = cfg.Channel
	}
	if cfg.DivergencePercent != 0 {
		out.DivergencePercent = cfg.DivergencePercent
	}
	if cfg.QueueSize != 0 {
		out.QueueSize = cfg.QueueSize
	}
	return out
}

func resolveLimits(cfg RiskConfig) risk.Limits {
	out := risk.DefaultLimits()
	if len(cfg.MaxHoldingTime) != 0 {
		out.MaxHoldingTime = state.HoldingTimes(cfg.MaxHoldingTime.std())
	}
	if cfg.MaxConcurrentPositions != nil {
		out.MaxConcurrentPositions = *cfg.MaxConcurrentPositions
	}
	if cfg.MaxExposurePercent != 0 {
		out.MaxExposurePercent = cfg.MaxExposurePercent
	}
	if cfg.ConsecutiveLossLimit != nil {
		out.ConsecutiveLossLimit = *cfg.ConsecutiveLossLimit
	}
	if cfg.DailyLossPercentLimit != 0 {
		out.DailyLossPercentLimit = cfg.DailyLossPercentLimit
	}
	if cfg.MinLiquidity != 0 {
		out.MinLiquidity = cfg.MinLiquidity
	}
	if cfg.MaxSlippagePercent != 0 {
		out.MaxSlippagePercent = cfg.MaxSlippagePercent
	}
	if cfg.MaxFeedLatency != 0 {
		out.MaxFeedLatency = cfg.MaxFeedLatency.Std()
	}
	if cfg.RewardRiskRatio != 0 {
		out.RewardRiskRatio = cfg.RewardRiskRatio
	}
	out.AllowPollOnly = cfg.AllowPollOnly
	out.KillSwitch = cfg.KillSwitch
	out.FallbackCapital = cfg.FallbackCapital
	return out
}

func resolveAccount(cfg AccountConfig, features FeatureFlags) (AccountSpec, error) {
	spec := AccountSpec{
		Provider:     strings.ToLower(strings.TrimSpace(cfg.Provider)),
		Balance:      cfg.Balance,
		Positions:    cfg.Positions,
		PollInterval: cfg.PollInterval.Std(),
		Redis:        cfg.Redis,
	}
	if spec.Provider == "" {
		spec.Provider = ProviderStatic
	}
	switch spec.Provider {
	case ProviderStatic:
		if spec.Balance < 0 {
			return AccountSpec{}, errors.Wrap(exception.ErrInvalidConfig, "account balance must be >= 0")
		}
	case ProviderNone:
	default:
		return AccountSpec{}, errors.Wrapf(exception.ErrInvalidConfig, "unknown account provider %q", cfg.Provider)
	}
	for _, p := range spec.Positions {
		if p.Symbol == "" || p.LastPrice < 0 {
			return AccountSpec{}, errors.Wrapf(exception.ErrInvalidConfig, "invalid external position %+v", p)
		}
	}
	if spec.PollInterval == 0 {
		spec.PollInterval = defaultAccountPollInterval
	}
	if spec.PollInterval < 0 {
		return AccountSpec{}, errors.Wrap(exception.ErrInvalidConfig, "account poll interval must be > 0")
	}
	if features.EnableRedis && spec.Redis.Addr == "" {
		return AccountSpec{}, errors.Wrap(exception.ErrInvalidConfig, "redis enabled without addr")
	}
	return spec, nil
}

func resolveFeatures(cfg FeatureFlagsConfig) FeatureFlags {
	flags := FeatureFlags{
		EnablePush: true,
	}
	if cfg.EnablePush != nil {
		flags.EnablePush = *cfg.EnablePush
	}
	if cfg.EnableJournal != nil {
		flags.EnableJournal = *cfg.EnableJournal
	}
	if cfg.EnableStatus != nil {
		flags.EnableStatus = *cfg.EnableStatus
	}
	if cfg.EnableRedis != nil {
		flags.EnableRedis = *cfg.EnableRedis
	}
	return flags
}
