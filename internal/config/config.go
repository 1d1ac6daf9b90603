package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config 定义从 YAML 加载的所有配置项
type Config struct {
	Server struct {
		HTTPPort        int           `mapstructure:"http_port"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	Node struct {
		ID   string `mapstructure:"id"` // 为空时启动时生成
		Addr string `mapstructure:"addr"`
	} `mapstructure:"node"`
	Redis struct {
		Addr      string `mapstructure:"addr"`
		Password  string `mapstructure:"password"`
		DB        int    `mapstructure:"db"`
		PoolSize  int    `mapstructure:"pool_size"`
		KeyPrefix string `mapstructure:"key_prefix"`
	} `mapstructure:"redis"`
	Mongo struct {
		URI      string `mapstructure:"uri"`
		Database string `mapstructure:"database"`
		MinPool  uint64 `mapstructure:"min_pool"`
		MaxPool  uint64 `mapstructure:"max_pool"`
	} `mapstructure:"mongo"`
	MySQL struct {
		DSN         string `mapstructure:"dsn"`
		AutoMigrate bool   `mapstructure:"auto_migrate"`
	} `mapstructure:"mysql"`
	Kafka struct {
		Enabled bool     `mapstructure:"enabled"`
		Brokers []string `mapstructure:"brokers"`
		GroupID string   `mapstructure:"group_id"`
		// 内部主题到 Kafka topic 的映射
		Topics struct {
			Status     string `mapstructure:"status"`
			Connection string `mapstructure:"connection"`
			Cluster    string `mapstructure:"cluster"`
		} `mapstructure:"topics"`
	} `mapstructure:"kafka"`
	Store struct {
		Connections string `mapstructure:"connections"` // redis|mongo
	} `mapstructure:"store"`
	Cluster struct {
		QueryTimeout  time.Duration `mapstructure:"query_timeout"`
		NodeTTL       time.Duration `mapstructure:"node_ttl"`
		WatchInterval time.Duration `mapstructure:"watch_interval"`
	} `mapstructure:"cluster"`
	Presence struct {
		ReconcileDelay   time.Duration `mapstructure:"reconcile_delay"`
		ReconcileCron    string        `mapstructure:"reconcile_cron"`
		RecomputeWorkers int           `mapstructure:"recompute_workers"`
		HubBuffer        int           `mapstructure:"hub_buffer"`
	} `mapstructure:"presence"`
}

const (
	StoreRedis = "redis"
	StoreMongo = "mongo"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8085)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("node.id", "")
	v.SetDefault("node.addr", "")
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.pool_size", 50)
	v.SetDefault("redis.key_prefix", "presence:")
	v.SetDefault("mongo.database", "presence")
	v.SetDefault("mongo.min_pool", 5)
	v.SetDefault("mongo.max_pool", 50)
	v.SetDefault("kafka.group_id", "presence-service")
	v.SetDefault("kafka.topics.status", "presence.status")
	v.SetDefault("kafka.topics.connection", "presence.connection")
	v.SetDefault("kafka.topics.cluster", "cluster.node")
	v.SetDefault("store.connections", StoreRedis)
	v.SetDefault("cluster.query_timeout", 3*time.Second)
	v.SetDefault("cluster.node_ttl", 15*time.Second)
	v.SetDefault("cluster.watch_interval", 5*time.Second)
	v.SetDefault("presence.reconcile_delay", 2*time.Second)
	v.SetDefault("presence.reconcile_cron", "@every 1m")
	v.SetDefault("presence.recompute_workers", 64)
	v.SetDefault("presence.hub_buffer", 64)
}

// Env 当前环境，默认 dev
func Env() string {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "dev"
	}
	return env
}

// Load 按 APP_ENV 查找 config.<env>.yaml，PRESENCE_ 前缀的环境变量可覆盖
func Load() (*Config, *viper.Viper, error) {
	v := viper.New()
	v.SetConfigName(fmt.Sprintf("config.%s", Env()))
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../configs")
	v.AddConfigPath("../../configs")
	return load(v)
}

// LoadFile 读取指定配置文件
func LoadFile(path string) (*Config, *viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, *viper.Viper, error) {
	setDefaults(v)
	v.SetEnvPrefix("PRESENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, nil, err
	}
	return &cfg, v, nil
}

func (c *Config) normalize() error {
	c.Store.Connections = strings.ToLower(c.Store.Connections)
	switch c.Store.Connections {
	case StoreRedis:
	case StoreMongo:
		if c.Mongo.URI == "" {
			return fmt.Errorf("配置错误：store.connections 为 mongo 时 mongo.uri 不能为空")
		}
	default:
		return fmt.Errorf("配置错误：store.connections 只能是 redis/mongo")
	}

	if c.MySQL.DSN == "" {
		return fmt.Errorf("配置错误：mysql.dsn 不能为空")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("配置错误：kafka.enabled 时 kafka.brokers 不能为空")
	}

	if c.Node.ID == "" {
		c.Node.ID = uuid.NewString()
	}
	if c.Node.Addr == "" {
		c.Node.Addr = fmt.Sprintf(":%d", c.Server.HTTPPort)
	}
	return nil
}
