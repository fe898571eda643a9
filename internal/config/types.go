package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了一次一致性运行所需的全部配置项。
type Config struct {
	App           AppConfig                `mapstructure:"app"`
	ActiveProfile string                   `mapstructure:"active_profile"`
	Profiles      map[string]ProfileConfig `mapstructure:"profiles"`
	Venue         VenueConfig              `mapstructure:"venue"`
	Monitor       MonitorConfig            `mapstructure:"monitor"`
	Database      DatabaseConfig           `mapstructure:"database"`
	Logging       LoggingConfig            `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ProfileConfig 描述单个券商画像：受测家族、订单类型与校验项。
// 画像之间的行为差异全部体现为数据差异。
type ProfileConfig struct {
	Families              []FamilyConfig       `mapstructure:"families"`
	OrderTypes            []string             `mapstructure:"order_types"`
	CaseFamilies          map[string][]string  `mapstructure:"case_families"`
	FutureLeadDays        int                  `mapstructure:"future_lead_days"`
	OpenOrderTimeoutTicks int                  `mapstructure:"open_order_timeout_ticks"`
	DataResolution        string               `mapstructure:"data_resolution"`
	UnitQuantity          float64              `mapstructure:"unit_quantity"`
	CryptoUnitQuantity    float64              `mapstructure:"crypto_unit_quantity"`
	OptionFilter          ChainFilterConfig    `mapstructure:"option_filter"`
	FutureFilter          ChainFilterConfig    `mapstructure:"future_filter"`
	HistoryChecks         []HistoryCheckConfig `mapstructure:"history_checks"`
}

// FamilyConfig 描述一个标的家族。Root 为空表示该画像不测此家族的链解析。
// BasePrice 仅在仿真模式下使用，作为行情生成的基准价。
type FamilyConfig struct {
	Name       string  `mapstructure:"name"`
	Kind       string  `mapstructure:"kind"`
	Root       string  `mapstructure:"root"`
	Underlying string  `mapstructure:"underlying"`
	BasePrice  float64 `mapstructure:"base_price"`
}

// ChainFilterConfig 描述链裁剪窗口。
type ChainFilterConfig struct {
	Strikes       int `mapstructure:"strikes"`
	MinExpiryDays int `mapstructure:"min_expiry_days"`
	MaxExpiryDays int `mapstructure:"max_expiry_days"`
}

// HistoryCheckConfig 描述跑后历史数据校验项。ExpectedCount 为0时仅要求非空。
type HistoryCheckConfig struct {
	Resolution    string   `mapstructure:"resolution"`
	DataKind      string   `mapstructure:"data_kind"`
	Lookback      int      `mapstructure:"lookback"`
	ExpectedCount int      `mapstructure:"expected_count"`
	Kinds         []string `mapstructure:"kinds"`
}

// VenueConfig 描述受测场所的连接与运行方式。仿真模式下 Sim* 字段
// 控制确定性行情序列的长度与预热帧数。
type VenueConfig struct {
	Simulation     bool          `mapstructure:"simulation"`
	SimTicks       int           `mapstructure:"sim_ticks"`
	SimWarmupTicks int           `mapstructure:"sim_warmup_ticks"`
	Exchange       string        `mapstructure:"exchange"`
	APIKey         string        `mapstructure:"api_key"`
	APISecret      string        `mapstructure:"api_secret"`
	APIPass        string        `mapstructure:"api_password"`
	UseSandbox     bool          `mapstructure:"use_sandbox"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	Retry          RetryConfig   `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// MonitorConfig 控制事件查询接口。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// Active 返回当前选中的券商画像。
func (c *Config) Active() (ProfileConfig, error) {
	profile, ok := c.Profiles[c.ActiveProfile]
	if !ok {
		return ProfileConfig{}, fmt.Errorf("config: 画像 %q 未定义", c.ActiveProfile)
	}
	return profile, nil
}

// Validate 对配置进行结构性校验。领域枚举的合法性由用例目录构造时检查。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.ActiveProfile == "" {
		err = multierr.Append(err, errors.New("active_profile 不能为空"))
	}
	if len(c.Profiles) == 0 {
		err = multierr.Append(err, errors.New("profiles 至少定义一个画像"))
	}
	if c.ActiveProfile != "" {
		if _, ok := c.Profiles[c.ActiveProfile]; !ok {
			err = multierr.Append(err, fmt.Errorf("active_profile %q 在 profiles 中不存在", c.ActiveProfile))
		}
	}

	for name, profile := range c.Profiles {
		err = multierr.Append(err, validateProfile(name, profile))
	}

	if !c.Venue.Simulation {
		if c.Venue.Exchange == "" {
			err = multierr.Append(err, errors.New("venue.exchange 不能为空"))
		}
		if c.Venue.Retry.MaxAttempts <= 0 {
			err = multierr.Append(err, errors.New("venue.retry.max_attempts 必须大于0"))
		}
		if c.Venue.Retry.MinDelay <= 0 || c.Venue.Retry.MaxDelay <= 0 {
			err = multierr.Append(err, errors.New("venue.retry.delay 必须为正"))
		}
		if c.Venue.Retry.MinDelay > c.Venue.Retry.MaxDelay {
			err = multierr.Append(err, errors.New("venue.retry.min_delay 不能大于 max_delay"))
		}
		if c.Venue.PollInterval <= 0 {
			err = multierr.Append(err, errors.New("venue.poll_interval 必须大于0"))
		}
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 必须位于(0,65535]"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

func validateProfile(name string, p ProfileConfig) error {
	var err error

	if len(p.Families) == 0 {
		err = multierr.Append(err, fmt.Errorf("profiles.%s.families 不能为空", name))
	}
	seen := make(map[string]struct{}, len(p.Families))
	for i, family := range p.Families {
		if family.Name == "" {
			err = multierr.Append(err, fmt.Errorf("profiles.%s.families[%d].name 不能为空", name, i))
			continue
		}
		if _, ok := seen[family.Name]; ok {
			err = multierr.Append(err, fmt.Errorf("profiles.%s 家族 %q 重复定义", name, family.Name))
		}
		seen[family.Name] = struct{}{}
		if family.Kind == "" {
			err = multierr.Append(err, fmt.Errorf("profiles.%s 家族 %q 缺少 kind", name, family.Name))
		}
	}
	if len(p.OrderTypes) == 0 {
		err = multierr.Append(err, fmt.Errorf("profiles.%s.order_types 不能为空", name))
	}
	if p.FutureLeadDays < 0 {
		err = multierr.Append(err, fmt.Errorf("profiles.%s.future_lead_days 不能为负", name))
	}
	if p.OpenOrderTimeoutTicks <= 0 {
		err = multierr.Append(err, fmt.Errorf("profiles.%s.open_order_timeout_ticks 必须大于0", name))
	}
	if p.UnitQuantity <= 0 {
		err = multierr.Append(err, fmt.Errorf("profiles.%s.unit_quantity 必须大于0", name))
	}
	if p.CryptoUnitQuantity <= 0 {
		err = multierr.Append(err, fmt.Errorf("profiles.%s.crypto_unit_quantity 必须大于0", name))
	}
	for i, check := range p.HistoryChecks {
		if check.Lookback <= 0 {
			err = multierr.Append(err, fmt.Errorf("profiles.%s.history_checks[%d].lookback 必须大于0", name, i))
		}
		if check.ExpectedCount < 0 {
			err = multierr.Append(err, fmt.Errorf("profiles.%s.history_checks[%d].expected_count 不能为负", name, i))
		}
	}

	return err
}
