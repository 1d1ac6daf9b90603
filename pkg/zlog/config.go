package zlog

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// FileConfig 本地轮转文件
type FileConfig struct {
	Path       string `mapstructure:"path"`        // 日志文件路径，为空则不落盘
	MaxSizeMB  int    `mapstructure:"max_size"`    // 单个文件最大容量（MB）
	MaxBackups int    `mapstructure:"max_backups"` // 保留旧文件数量
	MaxAgeDay  int    `mapstructure:"max_age"`     // 最长保存天数
	Compress   bool   `mapstructure:"compress"`    // 是否 gzip 旧文件
	DateSuffix bool   `mapstructure:"date_suffix"` // 文件名追加启动日期
}

// Config 日志配置，对应服务配置文件中的 log 段
type Config struct {
	Service      string            `mapstructure:"service"`
	Level        string            `mapstructure:"level"`    // debug|info|warn|error
	Encoding     string            `mapstructure:"encoding"` // json|console
	Stdout       bool              `mapstructure:"stdout"`
	File         FileConfig        `mapstructure:"file"`
	EnableMetric bool              `mapstructure:"enable_metric"`
	Fields       map[string]string `mapstructure:"fields"` // 每条日志都带的静态字段，例如 node_id
}

func setDefaults(v *viper.Viper, prefix string) {
	v.SetDefault(prefix+"service", "unknown")
	v.SetDefault(prefix+"level", "info")
	v.SetDefault(prefix+"encoding", "json")
	v.SetDefault(prefix+"stdout", true)
	v.SetDefault(prefix+"file.max_size", 100)
	v.SetDefault(prefix+"file.max_backups", 60)
	v.SetDefault(prefix+"file.max_age", 30)
	v.SetDefault(prefix+"enable_metric", true)
}

// LoadConfig 从配置文件读取 log 段，没有 log 段时按顶层字段解析
func LoadConfig(filePath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(filePath)
	v.SetEnvPrefix("ZLOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取日志配置文件失败：%w", err)
	}

	if v.IsSet("log") {
		return FromViper(v.Sub("log"))
	}
	return FromViper(v)
}

// FromViper 从已加载的 viper 实例解析
func FromViper(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v, "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("加载日志配置失败：%w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验并补齐文件相关字段
func (c *Config) Validate() error {
	if c.Service == "" {
		return fmt.Errorf("配置错误：service 不能为空")
	}

	c.Level = strings.ToLower(c.Level)
	if _, ok := levels[c.Level]; !ok {
		return fmt.Errorf("配置错误：level 只能是 debug/info/warn/error")
	}

	switch c.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("配置错误：encoding 只能是 json/console")
	}

	if !c.Stdout && c.File.Path == "" {
		return fmt.Errorf("配置错误：stdout 为 false 时，file.path 不能为空")
	}

	if c.File.Path != "" {
		if c.File.MaxSizeMB <= 0 {
			c.File.MaxSizeMB = 100
		}
		if c.File.MaxBackups < 0 {
			c.File.MaxBackups = 60
		}
		if c.File.MaxAgeDay < 0 {
			c.File.MaxAgeDay = 30
		}
	}
	return nil
}
