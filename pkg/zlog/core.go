package zlog

import (
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New 创建 *zap.Logger，不替换全局
func New(cfg Config, opts ...zap.Option) (*zap.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	initLevel(cfg.Level)

	// dev/test 环境带颜色和更短的 key，其余用生产格式
	var encCfg zapcore.EncoderConfig
	switch strings.ToLower(os.Getenv("APP_ENV")) {
	case "dev", "test":
		encCfg = zap.NewDevelopmentEncoderConfig()
	default:
		encCfg = zap.NewProductionEncoderConfig()
	}
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeCaller = zapcore.ShortCallerEncoder

	var encoder zapcore.Encoder
	if cfg.Encoding == "console" {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, outputs(cfg), dynamicLevel)
	if cfg.EnableMetric {
		core = metricsCore{Core: core, service: cfg.Service}
	}

	fields := []zap.Field{zap.String("service", cfg.Service)}
	keys := make([]string, 0, len(cfg.Fields))
	for k := range cfg.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, zap.String(k, cfg.Fields[k]))
	}

	allOpts := append([]zap.Option{zap.AddCaller(), zap.Fields(fields...)}, opts...)
	return zap.New(core, allOpts...), nil
}

// outputs 终端和轮转文件，都未配置时写 stderr
func outputs(cfg Config) zapcore.WriteSyncer {
	var ws []zapcore.WriteSyncer
	if cfg.Stdout {
		ws = append(ws, zapcore.AddSync(os.Stdout))
	}
	if path := cfg.File.Path; path != "" {
		if cfg.File.DateSuffix {
			path += "." + time.Now().Format("2006-01-02")
		}
		ws = append(ws, zapcore.AddSync(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxAge:     cfg.File.MaxAgeDay,
			MaxBackups: cfg.File.MaxBackups,
			Compress:   cfg.File.Compress,
		}))
	}
	switch len(ws) {
	case 0:
		return zapcore.AddSync(os.Stderr)
	case 1:
		return ws[0]
	}
	return zapcore.NewMultiWriteSyncer(ws...)
}
