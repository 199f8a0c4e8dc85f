package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/robfig/cron"

	"taxiquality/src/analysis"
	"taxiquality/src/config"
	"taxiquality/src/dashboard"
	"taxiquality/src/datasource/email"
	"taxiquality/src/datasource/file"
	"taxiquality/src/datasource/remote"
	"taxiquality/src/processor"
	"taxiquality/src/service"
	"taxiquality/src/storage"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	jsonFolder := flag.String("config", "./config", "配置目录(config.json, dataconfig.json, .env)")
	mode := flag.String("mode", "serve", "run: 处理一次后退出; serve: 常驻服务")
	input := flag.String("input", "", "输入数据文件，默认 raw_dir/trip_file")
	flag.Parse()

	cfg, dcfg, err := config.LoadConfig(*jsonFolder, "config.json", "dataconfig.json")
	if err != nil {
		log.Println("加载配置失败:", err)
		return 2
	}

	// 初始化日志系统
	logger, err := storage.NewLogger(cfg.LogName)
	if err != nil {
		log.Println("Failed to initialize logger:", err)
		return 2
	}
	defer logger.Close()
	logger.SetLevel(storage.ParseLevel(cfg.LogLevel))
	logger.SetMirror(os.Stdout)
	if err := logger.CheckRotate(cfg.LogMaxSize); err != nil {
		logger.Warning("日志轮转失败: " + err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	inputPath := *input
	if inputPath == "" {
		inputPath = filepath.Join(cfg.RawDir, cfg.Source.TripFile)
	}
	fetchSources(ctx, cfg, logger)

	store, err := openStore(cfg, dcfg)
	if err != nil {
		logger.Error(err.Error())
		return 1
	}
	defer store.Close()

	runner := service.NewRunner(cfg, dcfg, store, logger)

	switch *mode {
	case "run":
		return runOnce(ctx, runner, inputPath, logger)
	case "serve":
		return serve(ctx, cfg, runner, store, inputPath, logger)
	default:
		logger.Error(fmt.Sprintf("未知运行模式: %s", *mode))
		return 2
	}
}

// fetchSources 原始文件不存在时下载，失败只记日志
func fetchSources(ctx context.Context, cfg *config.Config, logger *storage.Logger) {
	sources := []struct{ url, name string }{
		{cfg.Source.TripURL, cfg.Source.TripFile},
		{cfg.Source.ZoneURL, cfg.Source.ZoneFile},
	}
	for _, s := range sources {
		if s.url == "" || s.name == "" {
			continue
		}
		dest := filepath.Join(cfg.RawDir, s.name)
		fetched, err := remote.Download(ctx, s.url, dest)
		if err != nil {
			logger.Warning(fmt.Sprintf("下载 %s 失败: %v", s.name, err))
			continue
		}
		if fetched {
			logger.Info("已下载: " + dest)
		}
	}
}

func openStore(cfg *config.Config, dcfg *config.DataConfig) (*analysis.Store, error) {
	if path := cfg.Output.SQLite; path != "" && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("创建分析库目录失败: %w", err)
		}
	}
	store, err := analysis.Open(cfg.Output.SQLite)
	if err != nil {
		return nil, err
	}
	if err := store.SetPaymentNames(dcfg.PaymentNames()); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// runOnce 单次处理，校验失败或派生失败返回非零
func runOnce(ctx context.Context, runner *service.Runner, inputPath string, logger *storage.Logger) int {
	res, err := runner.Run(ctx, inputPath)
	if err != nil {
		var verr *processor.ValidationError
		if errors.As(err, &verr) {
			logger.Error("校验失败: " + err.Error())
			return 3
		}
		logger.Error("运行中止: " + err.Error())
		return 1
	}
	fmt.Println(res.Report.Summary())
	return 0
}

func serve(ctx context.Context, cfg *config.Config, runner *service.Runner, store *analysis.Store, inputPath string, logger *storage.Logger) int {
	if err := writePidFile(cfg.PidFile); err != nil {
		logger.Warning("写入pid文件失败: " + err.Error())
	} else {
		defer os.Remove(cfg.PidFile)
	}

	if _, err := os.Stat(inputPath); err == nil {
		if _, err := runner.Run(ctx, inputPath); err != nil {
			logger.Error("初始运行失败: " + err.Error())
		}
	} else {
		logger.Warning("输入文件不存在，等待上传: " + inputPath)
		if err := runner.Restore(ctx); err != nil && !errors.Is(err, service.ErrNoDataset) {
			logger.Error("恢复分析库失败: " + err.Error())
		}
	}

	// 设置定时任务
	c := cron.New()

	if cfg.Schedule.Enabled {
		interval := time.Duration(cfg.Schedule.Interval).String()
		err := c.AddFunc("@every "+interval, func() {
			logger.Info(fmt.Sprintf("定时重跑(间隔: %v)", interval))
			if _, err := runner.Run(ctx, inputPath); err != nil {
				logger.Error("定时运行失败: " + err.Error())
			}
		})
		if err != nil {
			logger.Error("创建定时任务失败: " + err.Error())
			return 1
		}
	}

	if cfg.Email.Server != "" {
		client := email.NewEmailClient(cfg.Email.Server, cfg.Email.Username, cfg.Email.Password, logger)
		handler := email.NewDatasetAttachmentHandler(cfg.InboxDir, logger)
		interval := time.Duration(cfg.Email.CheckInterval).String()
		err := c.AddFunc("@every "+interval, func() {
			if err := email.CheckAndProcessEmails(client, handler, cfg.Email.TargetSubject, logger); err != nil {
				logger.Error("检查处理邮件失败: " + err.Error())
			}
		})
		if err != nil {
			logger.Error("创建邮件检查任务失败: " + err.Error())
			return 1
		}
		logger.Info(fmt.Sprintf("邮件监控已启动(检查间隔: %v)", interval))
	}

	err := c.AddFunc("@every 10m", func() {
		if err := logger.CheckRotate(cfg.LogMaxSize); err != nil {
			logger.Warning("日志轮转失败: " + err.Error())
		}
	})
	if err != nil {
		logger.Error("创建日志轮转任务失败: " + err.Error())
		return 1
	}

	c.Start()
	defer c.Stop()

	// 收件目录: 上传与邮件附件落地后触发清洗
	monitor, err := file.NewFileMonitor(cfg.InboxDir)
	if err != nil {
		logger.Error("启动目录监控失败: " + err.Error())
		return 1
	}
	defer monitor.Close()
	go func() {
		err := monitor.Watch(ctx, func(path string) {
			logger.Info("检测到新数据文件: " + path)
			if _, err := runner.Run(ctx, path); err != nil {
				logger.Error(fmt.Sprintf("处理 %s 失败: %v", filepath.Base(path), err))
			}
		})
		if err != nil {
			logger.Error("目录监控退出: " + err.Error())
		}
	}()

	h := dashboard.NewHandler(store, dashboard.Options{
		Reports:  runner,
		Overview: runner,
		Logs:     logger,
		InboxDir: cfg.InboxDir,
	})
	srv := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           dashboard.Routes(h, cfg.API.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("API server starting on " + cfg.API.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// SIGHUP 重新打开日志文件，配合外部日志切割
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	code := 0
loop:
	for {
		select {
		case <-hup:
			if err := logger.Reopen(""); err != nil {
				log.Println("重新打开日志失败:", err)
			} else {
				logger.Info("日志文件已重新打开")
			}
		case err := <-serverErr:
			logger.Error("Server failed: " + err.Error())
			code = 1
			break loop
		case <-ctx.Done():
			logger.Info("Received shutdown signal, shutting down...")
			break loop
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warning("关闭HTTP服务失败: " + err.Error())
	}
	return code
}

func writePidFile(path string) error {
	if path == "" {
		return errors.New("未配置pid文件")
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}
