package config

import (
	"errors"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EntitlementConfig is the capability catalog used to derive grants from
// provider prices and plans. Amounts are in minor currency units.
type EntitlementConfig struct {
	BaseCapability     string              `mapstructure:"baseCapability"`
	BundleCapabilities []string            `mapstructure:"bundleCapabilities"`
	BundleThreshold    int64               `mapstructure:"bundleThreshold"`
	PlanCapabilities   map[string][]string `mapstructure:"planCapabilities"`
}

func DefaultEntitlementConfig() EntitlementConfig {
	return EntitlementConfig{
		BaseCapability: "buddy",
		BundleCapabilities: []string{
			"buddy",
			"pitch-bot",
			"copy-commander",
			"seo-scout",
			"ad-sniper",
			"support-sergeant",
		},
		BundleThreshold: 4900,
		PlanCapabilities: map[string][]string{
			"starter":      {"buddy", "pitch-bot"},
			"professional": {"buddy", "pitch-bot", "copy-commander", "seo-scout", "ad-sniper", "support-sergeant"},
		},
	}
}

type EntitlementConfigHolder struct {
	current atomic.Value // holds EntitlementConfig
}

// NewStaticEntitlementConfigHolder returns a holder that never reloads.
func NewStaticEntitlementConfigHolder(cfg EntitlementConfig) *EntitlementConfigHolder {
	holder := &EntitlementConfigHolder{}
	holder.current.Store(normalizeEntitlementConfig(cfg))
	return holder
}

// NewEntitlementConfigHolder reads entitlements.yml and keeps it hot-reloaded.
// A missing file falls back to DefaultEntitlementConfig.
func NewEntitlementConfigHolder(log *zap.Logger) (*EntitlementConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("entitlements")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/soldiers")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SOLDIERS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultEntitlementConfig()
	v.SetDefault("entitlements.baseCapability", defaults.BaseCapability)
	v.SetDefault("entitlements.bundleCapabilities", defaults.BundleCapabilities)
	v.SetDefault("entitlements.bundleThreshold", defaults.BundleThreshold)
	v.SetDefault("entitlements.planCapabilities", defaults.PlanCapabilities)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	var cfg EntitlementConfig
	if err := v.UnmarshalKey("entitlements", &cfg); err != nil {
		return nil, err
	}
	cfg = normalizeEntitlementConfig(cfg)
	if err := validateEntitlementConfig(cfg); err != nil {
		return nil, err
	}

	holder := &EntitlementConfigHolder{}
	holder.current.Store(cfg)

	if !fileLoaded {
		return holder, nil
	}

	log = log.Named("config.entitlements")
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated EntitlementConfig
		if err := v.UnmarshalKey("entitlements", &updated); err != nil {
			log.Warn("reload failed", zap.Error(err))
			return
		}
		updated = normalizeEntitlementConfig(updated)
		if err := validateEntitlementConfig(updated); err != nil {
			log.Warn("invalid config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *EntitlementConfigHolder) Get() EntitlementConfig {
	if h == nil {
		return normalizeEntitlementConfig(DefaultEntitlementConfig())
	}
	cfg, ok := h.current.Load().(EntitlementConfig)
	if !ok {
		return normalizeEntitlementConfig(DefaultEntitlementConfig())
	}
	return cfg
}

func normalizeEntitlementConfig(cfg EntitlementConfig) EntitlementConfig {
	cfg.BaseCapability = strings.ToLower(strings.TrimSpace(cfg.BaseCapability))
	cfg.BundleCapabilities = normalizeList(cfg.BundleCapabilities)
	plans := make(map[string][]string, len(cfg.PlanCapabilities))
	for plan, caps := range cfg.PlanCapabilities {
		key := strings.ToLower(strings.TrimSpace(plan))
		if key == "" {
			continue
		}
		plans[key] = normalizeList(caps)
	}
	cfg.PlanCapabilities = plans
	return cfg
}

func normalizeList(items []string) []string {
	out := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		item = strings.ToLower(strings.TrimSpace(item))
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}

func validateEntitlementConfig(cfg EntitlementConfig) error {
	if cfg.BaseCapability == "" {
		return errors.New("entitlements.baseCapability cannot be empty")
	}
	if len(cfg.BundleCapabilities) == 0 {
		return errors.New("entitlements.bundleCapabilities cannot be empty")
	}
	if cfg.BundleThreshold <= 0 {
		return errors.New("entitlements.bundleThreshold must be positive")
	}
	return nil
}
