package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "conformance"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	normalizeProfiles(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("active_profile", "sim")

	v.SetDefault("venue.simulation", true)
	v.SetDefault("venue.sim_ticks", 96)
	v.SetDefault("venue.sim_warmup_ticks", 3)
	v.SetDefault("venue.exchange", "binanceusdm")
	v.SetDefault("venue.use_sandbox", false)
	v.SetDefault("venue.poll_interval", "1m")
	v.SetDefault("venue.retry.max_attempts", 5)
	v.SetDefault("venue.retry.min_delay", "500ms")
	v.SetDefault("venue.retry.max_delay", "5s")

	v.SetDefault("monitor.enabled", false)
	v.SetDefault("monitor.port", 8787)

	v.SetDefault("database.path", "data/conformance.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
}

// normalizeProfiles 为画像中省略的字段补齐默认值。
// 画像位于 map 内，viper 的 SetDefault 无法覆盖动态键。
func normalizeProfiles(cfg *Config) {
	for name, profile := range cfg.Profiles {
		if profile.FutureLeadDays == 0 {
			profile.FutureLeadDays = 29
		}
		if profile.OpenOrderTimeoutTicks == 0 {
			profile.OpenOrderTimeoutTicks = 5
		}
		if profile.DataResolution == "" {
			profile.DataResolution = "minute"
		}
		if profile.UnitQuantity == 0 {
			profile.UnitQuantity = 1
		}
		if profile.CryptoUnitQuantity == 0 {
			profile.CryptoUnitQuantity = 0.01
		}
		cfg.Profiles[name] = profile
	}
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
