package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
	mysqlDriver "gorm.io/driver/mysql"
	"gorm.io/gorm"

	clusterAdapter "github.com/EthanQC/presence/internal/adapters/in/cluster"
	httpAdapter "github.com/EthanQC/presence/internal/adapters/in/http"
	mqAdapter "github.com/EthanQC/presence/internal/adapters/in/mq"
	wsAdapter "github.com/EthanQC/presence/internal/adapters/in/ws"
	"github.com/EthanQC/presence/internal/adapters/out/broadcast"
	kafkaBus "github.com/EthanQC/presence/internal/adapters/out/kafka"
	mongoRepo "github.com/EthanQC/presence/internal/adapters/out/mongo"
	mysqlRepo "github.com/EthanQC/presence/internal/adapters/out/mysql"
	redisRepo "github.com/EthanQC/presence/internal/adapters/out/redis"
	"github.com/EthanQC/presence/internal/application"
	"github.com/EthanQC/presence/internal/config"
	"github.com/EthanQC/presence/internal/domain/entity"
	"github.com/EthanQC/presence/internal/ports/out"
	"github.com/EthanQC/presence/pkg/zlog"
)

func main() {
	// 加载配置
	cfg, v, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logCfg, err := zlog.FromViper(v.Sub("log"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载日志配置失败: %v\n", err)
		os.Exit(1)
	}
	if logCfg.Service == "unknown" {
		logCfg.Service = "presence-service"
	}
	if logCfg.Fields == nil {
		logCfg.Fields = map[string]string{}
	}
	logCfg.Fields["node_id"] = cfg.Node.ID
	restoreLogger := zlog.MustInitGlobal(*logCfg)
	defer restoreLogger()

	logger := zap.L()
	logger.Info("presence_service starting", zap.String("env", config.Env()), zap.String("node_id", cfg.Node.ID))

	// 指标
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	application.RegisterMetrics(registry)
	if err := zlog.RegisterMetrics(registry); err != nil {
		logger.Fatal("Failed to register log metrics", zap.Error(err))
	}
	if err := broadcast.RegisterMetrics(registry); err != nil {
		logger.Fatal("Failed to register hub metrics", zap.Error(err))
	}

	// 初始化Redis
	redisClient, err := initRedis(cfg)
	if err != nil {
		logger.Fatal("Failed to init redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis 连接成功")

	// 连接仓储
	var (
		connRepo    out.ConnectionRepository
		mongoClient *mongo.Client
	)
	switch cfg.Store.Connections {
	case config.StoreMongo:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		client, db, err := mongoRepo.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.Database, cfg.Mongo.MinPool, cfg.Mongo.MaxPool)
		if err != nil {
			cancel()
			logger.Fatal("Failed to connect mongo", zap.Error(err))
		}
		repo := mongoRepo.NewConnectionRepositoryMongo(db).(*mongoRepo.ConnectionRepositoryMongo)
		if err := repo.EnsureIndexes(ctx); err != nil {
			logger.Warn("Failed to ensure mongo indexes", zap.Error(err))
		}
		cancel()
		mongoClient, connRepo = client, repo
		logger.Info("MongoDB 连接成功", zap.String("database", cfg.Mongo.Database))
	default:
		connRepo = redisRepo.NewConnectionRepositoryRedis(redisClient, cfg.Redis.KeyPrefix)
	}

	// 初始化MySQL
	db, err := initDB(cfg)
	if err != nil {
		logger.Fatal("Failed to init mysql", zap.Error(err))
	}
	statusRepo := mysqlRepo.NewUserStatusRepositoryMySQL(db)

	// 集群成员注册
	nodeRegistry := redisRepo.NewNodeRegistryRedis(redisClient, cfg.Redis.KeyPrefix, cfg.Node.ID, cfg.Node.Addr, cfg.Cluster.NodeTTL)
	if err := nodeRegistry.Start(context.Background()); err != nil {
		logger.Fatal("Failed to register node", zap.Error(err))
	}

	// 广播通道
	hub := broadcast.NewHub(cfg.Presence.HubBuffer)
	buses := []out.EventBus{hub}
	var kafkaPublisher *kafkaBus.KafkaEventBus
	if cfg.Kafka.Enabled {
		kafkaPublisher, err = kafkaBus.NewKafkaEventBus(cfg.Kafka.Brokers, map[string]string{
			entity.TopicPresenceStatus: cfg.Kafka.Topics.Status,
		})
		if err != nil {
			logger.Fatal("Failed to init kafka producer", zap.Error(err))
		}
		buses = append(buses, kafkaPublisher)
	}

	// 初始化用例
	presenceUseCase, err := application.NewPresenceUseCase(connRepo, statusRepo, nodeRegistry, broadcast.NewFanout(buses...), application.Options{
		MembershipTimeout: cfg.Cluster.QueryTimeout,
		RecomputeWorkers:  cfg.Presence.RecomputeWorkers,
	})
	if err != nil {
		logger.Fatal("Failed to init presence use case", zap.Error(err))
	}

	// 启动对账和节点监控
	reconciler := application.NewReconciler(presenceUseCase, application.ReconcilerConfig{
		InitialDelay: cfg.Presence.ReconcileDelay,
		Schedule:     cfg.Presence.ReconcileCron,
	})
	if err := reconciler.Start(); err != nil {
		logger.Fatal("Failed to start reconciler", zap.Error(err))
	}

	watcher := clusterAdapter.NewNodeWatcher(nodeRegistry, presenceUseCase, nodeRegistry, clusterAdapter.WatcherConfig{
		SelfID:   cfg.Node.ID,
		Interval: cfg.Cluster.WatchInterval,
		Timeout:  cfg.Cluster.QueryTimeout,
	})
	watcher.Start()

	var consumer *mqAdapter.KafkaEventConsumer
	if cfg.Kafka.Enabled {
		consumer, err = mqAdapter.NewKafkaEventConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, mqAdapter.Topics{
			Connection: cfg.Kafka.Topics.Connection,
			Cluster:    cfg.Kafka.Topics.Cluster,
		}, presenceUseCase)
		if err != nil {
			logger.Fatal("Failed to init kafka consumer", zap.Error(err))
		}
		startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := consumer.Start(startCtx); err != nil {
			logger.Fatal("Failed to start kafka consumer", zap.Error(err))
		}
		cancel()
	}

	// 启动HTTP服务器
	engine := httpAdapter.NewEngine(registry, httpAdapter.NewPresenceController(presenceUseCase, cfg.Node.ID))
	wsAdapter.NewServer(hub, presenceUseCase, cfg.Node.ID).RegisterRoutes(engine)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Presence service starting", zap.Int("port", cfg.Server.HTTPPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	hub.Close()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("HTTP server shutdown", zap.Error(err))
	}
	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			logger.Warn("Kafka consumer stop", zap.Error(err))
		}
	}
	watcher.Stop()
	reconciler.Stop()
	// 删除心跳后其他节点会清理本节点的连接
	if err := nodeRegistry.Stop(ctx); err != nil {
		logger.Warn("Node registry stop", zap.Error(err))
	}
	presenceUseCase.Close()
	if kafkaPublisher != nil {
		_ = kafkaPublisher.Close()
	}
	if mongoClient != nil {
		_ = mongoClient.Disconnect(ctx)
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}

	logger.Info("Server exited properly")
}

func initRedis(cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return client, nil
}

func initDB(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(mysqlDriver.Open(cfg.MySQL.DSN), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if cfg.MySQL.AutoMigrate {
		if err := mysqlRepo.AutoMigrate(db); err != nil {
			return nil, err
		}
	}
	return db, nil
}
