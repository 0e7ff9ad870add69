package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hewenyu/fleet-core/internal/api"
	"github.com/hewenyu/fleet-core/internal/config"
	"github.com/hewenyu/fleet-core/internal/fleet"
	"github.com/hewenyu/fleet-core/pkg/storage"
	"github.com/hewenyu/fleet-core/pkg/storage/etcd"
	"github.com/hewenyu/fleet-core/pkg/storage/memory"
	"github.com/hewenyu/fleet-core/pkg/storage/postgres"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Version 构建时通过 -ldflags 注入
	Version = "0.1.0"

	configFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fleetd",
		Short: "服务器舰队管理核心",
		Long: `fleetd 维护服务器舰队的实时读模型：
服务器列表、使用统计、备份轮换和连通性，并通过HTTP和websocket对外提供。`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "配置文件路径")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "启动舰队服务",
		RunE:  runServe,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "打印版本信息",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("fleetd", Version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	path := configFile
	if path == "" {
		path = config.GetDefaultConfigPath()
	}

	// 加载配置
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}

	// 初始化日志
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	if zl, ok := logger.(*config.ZapLogger); ok {
		defer zl.Sync()
	}

	logger.Info("Fleet Core Starting...",
		zap.String("version", Version),
		zap.String("store", cfg.Store.Driver),
		zap.String("collection", cfg.Store.Collection),
		zap.Int("api_port", cfg.API.Port),
	)

	store, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("初始化文档存储失败", zap.Error(err))
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	core := fleet.New(store, fleet.OptionsFromConfig(cfg), logger)
	if err := core.Start(ctx); err != nil {
		logger.Error("启动舰队核心失败", zap.Error(err))
		return err
	}
	defer core.Stop()

	server := api.NewServer(cfg.API, core, logger, Version)
	if err := server.Start(); err != nil {
		return err
	}

	// 等待信号以优雅关闭
	<-ctx.Done()
	logger.Info("接收到关闭信号，正在优雅关闭...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("关闭API服务超时", zap.Error(err))
	}
	return nil
}

// openStore 按配置的驱动创建文档存储
func openStore(cfg *config.Config, logger config.Logger) (storage.DocumentStore, error) {
	switch cfg.Store.Driver {
	case "etcd":
		client, err := etcd.NewClient(&cfg.Etcd)
		if err != nil {
			return nil, err
		}
		logger.Info("etcd连接成功", zap.Strings("endpoints", cfg.Etcd.Endpoints))
		return etcd.NewDocumentStorage(client, logger), nil

	case "postgres":
		db, err := sql.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("连接PostgreSQL失败: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("PostgreSQL连接测试失败: %w", err)
		}

		store, err := postgres.NewDocumentStorage(db, cfg.Postgres.DSN, cfg.Postgres.Table, logger)
		if err != nil {
			db.Close()
			return nil, err
		}
		if err := postgres.Migrate(db, cfg.Postgres.Table); err != nil {
			db.Close()
			return nil, err
		}
		logger.Info("PostgreSQL连接成功", zap.String("table", cfg.Postgres.Table))
		return store, nil

	default:
		logger.Warn("使用内存存储，重启后数据丢失")
		return memory.NewMemoryStorage(), nil
	}
}
