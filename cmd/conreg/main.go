package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hewenyu/conreg/internal/cluster"
	"github.com/hewenyu/conreg/internal/config"
	"github.com/hewenyu/conreg/internal/coordinator"
	"github.com/hewenyu/conreg/internal/fsm"
	"github.com/hewenyu/conreg/internal/raft"
	"github.com/hewenyu/conreg/internal/registry"
	"github.com/hewenyu/conreg/internal/server"
	"github.com/hewenyu/conreg/internal/store"
)

var (
	configFile string
	port       int
	dataDir    string
	mode       string
	nodeID     uint64
)

func init() {
	flag.StringVar(&configFile, "config", "", "配置文件路径")
	flag.IntVar(&port, "p", 0, "HTTP服务端口（覆盖配置文件）")
	flag.StringVar(&dataDir, "d", "", "数据目录（覆盖配置文件）")
	flag.StringVar(&mode, "m", "", "启动模式: standalone|cluster（覆盖配置文件）")
	flag.Uint64Var(&nodeID, "n", 0, "节点ID（覆盖配置文件）")
}

func main() {
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 命令行参数覆盖配置文件
	if port > 0 {
		cfg.Node.Port = port
	}
	if dataDir != "" {
		cfg.Node.DataDir = dataDir
	}
	if mode != "" {
		cfg.Node.Mode = mode
	}
	if nodeID > 0 {
		cfg.Node.ID = nodeID
	}

	// 初始化日志
	logger, err := config.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	logger.Info("Conreg Server Starting...",
		zap.Uint64("node_id", cfg.Node.ID),
		zap.Int("port", cfg.Node.Port),
		zap.String("mode", cfg.Node.Mode),
		zap.String("data_dir", cfg.Node.DataDir),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("节点退出", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger config.Logger) error {
	// 准备数据目录与存储
	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		return fmt.Errorf("创建数据目录失败: %w", err)
	}

	raftDB, err := store.OpenRaftDB(filepath.Join(cfg.Node.DataDir, "raft.db"))
	if err != nil {
		return err
	}
	defer raftDB.Close()

	confDB, err := store.OpenConfDB(filepath.Join(cfg.Node.DataDir, "conf.db"))
	if err != nil {
		return err
	}
	defer confDB.Close()

	logs := store.NewLogStore(raftDB)
	state := store.NewStateStore(raftDB)
	applied := store.NewAppliedStore(confDB)

	// 配置状态机
	sm, err := fsm.New(applied, cfg.Cache.Size, logger)
	if err != nil {
		return err
	}

	// Raft核心
	transport := raft.NewHTTPTransport(3 * time.Second)
	node, err := raft.NewNode(cfg, logs, state, sm, transport, logger)
	if err != nil {
		return err
	}

	// 注册引擎与反熵层
	engine := registry.NewEngine(cfg, logger)
	engine.SetLeaderCheck(node.IsLeader)
	antiEntropy := registry.NewAntiEntropy(
		cfg.Node.ID, cfg, engine,
		func() map[uint64]string { return node.Membership().Peers(node.ID()) },
		node.IsLeader, node.Term, logger,
	)
	engine.SetReplicator(antiEntropy)
	node.OnLeadershipChange(engine.OnLeadershipChange)

	// 调度层与长轮询中心
	watches := coordinator.NewWatchHub(cfg, logger)
	coord := coordinator.New(cfg, node, sm, engine, watches, logger)

	// 状态机回调：配置变更唤醒长轮询；删除命名空间做服务引用检查
	sm.SetChangeNotifier(watches.NotifyChange)
	sm.SetServiceCounter(engine.CountInstances)

	// 集群管理
	admin := cluster.NewAdmin(node, logger)

	// 启动
	node.Start()
	engine.Start()
	antiEntropy.Start()

	httpServer := server.New(cfg, node, engine, coord, admin, logger)
	if err := httpServer.Start(); err != nil {
		return err
	}

	// 单机模式自动初始化单投票者集群
	if config.Mode(cfg.Node.Mode) == config.ModeStandalone {
		if err := admin.InitStandalone(cfg.Node.ID, cfg.Advertise()); err != nil {
			return fmt.Errorf("单机模式初始化失败: %w", err)
		}
	}

	// 等待信号以优雅关闭
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("接收到关闭信号，正在优雅关闭...")

	drain := time.Duration(cfg.Shutdown.DrainTimeoutMs) * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()

	var errs error
	errs = multierr.Append(errs, httpServer.Shutdown(ctx))
	antiEntropy.Stop()
	engine.Stop()
	node.Stop()

	// 落一次快照作为关闭检查点
	if err := node.TakeSnapshot(); err != nil {
		errs = multierr.Append(errs, err)
	}

	logger.Info("节点已关闭")
	return errs
}
