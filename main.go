package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/agent"
	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/proxy"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/server/routes"
	"github.com/any-hub/offline-hub/internal/telemetry"
	"github.com/any-hub/offline-hub/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

const shutdownTimeout = 10 * time.Second

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	assets, err := cfg.Manifest()
	if err != nil {
		fmt.Fprintf(stdErr, "解析资源清单失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["upstream"] = cfg.Site.Upstream
		fields["storage_driver"] = cfg.Storage.Driver
		fields["cache_version"] = cfg.Cache.Version
		fields["assets"] = len(assets)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx := context.Background()
	shutdownTracing, err := telemetry.Setup(ctx, cfg.Global.TraceEndpoint, version.Version)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化链路追踪失败: %v\n", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.WithError(err).Warn("tracing_shutdown_failed")
		}
	}()

	site, err := server.NewSiteRoute(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "解析站点配置失败: %v\n", err)
		return 1
	}

	// CLI 启动遵循“配置 → 分区存储 → 源站客户端 → agent 部署 → Fiber server”顺序，
	// 保证所有请求共享同一个存储与控制器实例。
	storage, err := cache.Open(ctx, storageOptions(cfg))
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer storage.Close()

	httpClient := server.NewUpstreamClient(cfg)
	upstream, err := proxy.NewUpstream(httpClient, site.UpstreamURL, cfg.Global.MaxEntrySize.Int64(), logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化源站客户端失败: %v\n", err)
		return 1
	}

	controller := agent.NewController(upstream, logger)
	deployer := newDeployer(controller, storage, upstream, logger, cfg)
	if err := deployer.deploy(ctx, cfg); err != nil {
		fmt.Fprintf(stdErr, "部署 agent 失败: %v\n", err)
		return 1
	}
	config.Watch(opts.configPath, deployer.onConfigChange)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["upstream"] = cfg.Site.Upstream
	fields["storage_driver"] = cfg.Storage.Driver
	fields["cache_version"] = cfg.Cache.Version
	fields["assets"] = len(assets)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	handler := proxy.NewForwarder(proxy.NewHandler(controller, logger), logger)
	serveErr := startHTTPServer(cfg, site, handler, controller, storage, logger)

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := controller.Close(drainCtx); err != nil {
		logger.WithError(err).Warn("agent_drain_incomplete")
	}
	if serveErr != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", serveErr)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("OFFLINE_HUB_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(
	cfg *config.Config,
	site *server.SiteRoute,
	proxyHandler server.ProxyHandler,
	controller *agent.Controller,
	storage cache.Storage,
	logger *logrus.Logger,
) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Site:       site,
		Proxy:      proxyHandler,
		LocalPaths: []string{cfg.Cache.OfflinePath},
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.Register(app, routes.Options{
		Runtime:     controller,
		Storage:     storage,
		OfflinePath: cfg.Cache.OfflinePath,
		Logger:      logger,
	})

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	done := make(chan struct{})
	defer close(done)
	go shutdownOnSignal(app, signals, done, logger)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}

type shutdowner interface {
	ShutdownWithTimeout(timeout time.Duration) error
}

// shutdownOnSignal 在收到信号时关闭服务；服务自行退出后 done 关闭，goroutine 随之结束。
func shutdownOnSignal(app shutdowner, signals <-chan os.Signal, done <-chan struct{}, logger *logrus.Logger) {
	select {
	case sig := <-signals:
		logger.WithField("signal", sig.String()).Info("shutdown_requested")
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.WithError(err).Warn("shutdown_failed")
		}
	case <-done:
	}
}
