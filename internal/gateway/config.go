package gateway

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"zipgate/internal/manifest"
)

type Config struct {
	Server struct {
		Listen       string `yaml:"listen"`
		CacheControl string `yaml:"cacheControl"`
		Metrics      *bool  `yaml:"metrics"`
		RateLimit    struct {
			RequestsPerSecond float64 `yaml:"requestsPerSecond"`
			Burst             int     `yaml:"burst"`
		} `yaml:"rateLimit"`
	} `yaml:"server"`

	Manifest struct {
		Location     string `yaml:"location"`
		ArchiveURL   string `yaml:"archiveURL"`
		Mode         string `yaml:"mode"`
		RefreshEvery string `yaml:"refreshEvery"`
	} `yaml:"manifest"`

	Archive struct {
		WarmThreshold   string `yaml:"warmThreshold"`
		RevalidateEvery string `yaml:"revalidateEvery"`
		TolerateStale   bool   `yaml:"tolerateStale"`
		SPAFallback     bool   `yaml:"spaFallback"`
		SpoolDir        string `yaml:"spoolDir"`
		DownloadTimeout string `yaml:"downloadTimeout"`
		MemberCache     struct {
			Entries  int    `yaml:"entries"`
			MaxEntry string `yaml:"maxEntry"`
		} `yaml:"memberCache"`
	} `yaml:"archive"`

	Multi struct {
		SPAFallback *bool `yaml:"spaFallback"`
	} `yaml:"multi"`

	AssetCache struct {
		Path     string `yaml:"path"`
		Max      string `yaml:"max"`
		MaxEntry string `yaml:"maxEntry"`
		Prefetch bool   `yaml:"prefetch"`
	} `yaml:"assetCache"`

	Upstream struct {
		Timeout string `yaml:"timeout"`
		Range   *bool  `yaml:"range"`
		CASURL  string `yaml:"casURL"`
		S3      struct {
			Enabled  bool   `yaml:"enabled"`
			Endpoint string `yaml:"endpoint"`
		} `yaml:"s3"`
	} `yaml:"upstream"`

	Logging struct {
		StatsEvery string `yaml:"statsEvery"`
	} `yaml:"logging"`

	// compiled
	mode            manifest.Mode
	refreshEvery    time.Duration
	warmThreshold   int64
	revalidateEvery time.Duration
	downloadTimeout time.Duration
	memberMaxEntry  int64
	assetMax        int64
	assetMaxEntry   int64
	upstreamTimeout time.Duration
	statsEvery      time.Duration
}

// LoadConfig reads the YAML file at path, if any, applies ZIPGATE_*
// environment overrides and fills in defaults.
func LoadConfig(path string) (Config, error) {
	return loadConfig(path, os.Getenv)
}

func loadConfig(path string, getenv func(string) string) (Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			*dst = v
		}
	}
	boolean := func(name string, set func(bool)) error {
		v := strings.TrimSpace(getenv(name))
		if v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		set(b)
		return nil
	}

	str("ZIPGATE_LISTEN", &cfg.Server.Listen)
	str("ZIPGATE_MANIFEST", &cfg.Manifest.Location)
	str("ZIPGATE_ARCHIVE_URL", &cfg.Manifest.ArchiveURL)
	str("ZIPGATE_MODE", &cfg.Manifest.Mode)
	str("ZIPGATE_WARM_THRESHOLD", &cfg.Archive.WarmThreshold)
	str("ZIPGATE_HTTP_TIMEOUT", &cfg.Upstream.Timeout)
	str("ZIPGATE_CAS_URL", &cfg.Upstream.CASURL)
	str("ZIPGATE_S3_ENDPOINT", &cfg.Upstream.S3.Endpoint)

	if v := strings.TrimSpace(getenv("ZIPGATE_REVALIDATE_SECONDS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("ZIPGATE_REVALIDATE_SECONDS: invalid %q", v)
		}
		cfg.Archive.RevalidateEvery = (time.Duration(n) * time.Second).String()
	}
	if err := boolean("ZIPGATE_TOLERATE_STALE", func(b bool) { cfg.Archive.TolerateStale = b }); err != nil {
		return err
	}
	if err := boolean("ZIPGATE_SPA_FALLBACK", func(b bool) { cfg.Archive.SPAFallback = b }); err != nil {
		return err
	}
	return boolean("ZIPGATE_RANGE", func(b bool) { cfg.Upstream.Range = &b })
}

func (cfg *Config) compile() error {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8787"
	}
	if cfg.Server.CacheControl == "" {
		cfg.Server.CacheControl = "public, max-age=60"
	}
	if cfg.Server.Metrics == nil {
		on := true
		cfg.Server.Metrics = &on
	}
	if rl := cfg.Server.RateLimit; rl.RequestsPerSecond < 0 || rl.Burst < 0 {
		return errors.New("server.rateLimit: must not be negative")
	}
	if cfg.Server.RateLimit.RequestsPerSecond > 0 && cfg.Server.RateLimit.Burst == 0 {
		cfg.Server.RateLimit.Burst = int(cfg.Server.RateLimit.RequestsPerSecond) + 1
	}

	if cfg.Manifest.Location == "" && cfg.Manifest.ArchiveURL == "" {
		return errors.New("manifest.location or manifest.archiveURL is required")
	}
	mode, err := manifest.ParseMode(cfg.Manifest.Mode)
	if err != nil {
		return fmt.Errorf("manifest.mode: %w", err)
	}
	cfg.mode = mode
	if cfg.refreshEvery, err = duration(cfg.Manifest.RefreshEvery, 0); err != nil {
		return fmt.Errorf("manifest.refreshEvery: %w", err)
	}

	if cfg.warmThreshold, err = size(cfg.Archive.WarmThreshold, 64<<20); err != nil {
		return fmt.Errorf("archive.warmThreshold: %w", err)
	}
	if cfg.revalidateEvery, err = duration(cfg.Archive.RevalidateEvery, time.Minute); err != nil {
		return fmt.Errorf("archive.revalidateEvery: %w", err)
	}
	if cfg.downloadTimeout, err = duration(cfg.Archive.DownloadTimeout, 10*time.Minute); err != nil {
		return fmt.Errorf("archive.downloadTimeout: %w", err)
	}
	if cfg.Archive.MemberCache.Entries <= 0 {
		cfg.Archive.MemberCache.Entries = 256
	}
	if cfg.memberMaxEntry, err = size(cfg.Archive.MemberCache.MaxEntry, 1<<20); err != nil {
		return fmt.Errorf("archive.memberCache.maxEntry: %w", err)
	}

	if cfg.Multi.SPAFallback == nil {
		on := true
		cfg.Multi.SPAFallback = &on
	}

	if cfg.assetMax, err = size(cfg.AssetCache.Max, 256<<20); err != nil {
		return fmt.Errorf("assetCache.max: %w", err)
	}
	if cfg.assetMaxEntry, err = size(cfg.AssetCache.MaxEntry, 4<<20); err != nil {
		return fmt.Errorf("assetCache.maxEntry: %w", err)
	}

	if cfg.upstreamTimeout, err = duration(cfg.Upstream.Timeout, 30*time.Second); err != nil {
		return fmt.Errorf("upstream.timeout: %w", err)
	}
	if cfg.Upstream.Range == nil {
		on := true
		cfg.Upstream.Range = &on
	}
	cfg.Upstream.CASURL = strings.TrimRight(cfg.Upstream.CASURL, "/")
	if cfg.Upstream.S3.Endpoint != "" || strings.HasPrefix(cfg.Manifest.Location, "s3://") || strings.HasPrefix(cfg.Manifest.ArchiveURL, "s3://") {
		cfg.Upstream.S3.Enabled = true
	}

	if cfg.statsEvery, err = duration(cfg.Logging.StatsEvery, 0); err != nil {
		return fmt.Errorf("logging.statsEvery: %w", err)
	}
	return nil
}

func duration(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// size parses human byte sizes such as "64MiB", "512k" or "1.5 GB".
func size(s string, def int64) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("size %q too large", s)
	}
	return int64(n), nil
}
