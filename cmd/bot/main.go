package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pair-grid-bot-go/internal/config"
	"pair-grid-bot-go/internal/downloader"
	"pair-grid-bot-go/internal/engine"
	"pair-grid-bot-go/internal/execution"
	"pair-grid-bot-go/internal/grid"
	"pair-grid-bot-go/internal/logger"
	"pair-grid-bot-go/internal/models"
	"pair-grid-bot-go/internal/persistence"
	"pair-grid-bot-go/internal/position"
	"pair-grid-bot-go/internal/reporter"
	"pair-grid-bot-go/internal/trader"

	"github.com/joho/godotenv"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "live", "running mode: live or replay")
	leg1Data := flag.String("leg1-data", "", "path to leg1 quote file for replay")
	leg2Data := flag.String("leg2-data", "", "path to leg2 quote file for replay")
	startDate := flag.String("start", "", "start date for quote download (YYYY-MM-DD)")
	endDate := flag.String("end", "", "end date for quote download (YYYY-MM-DD)")
	flag.Parse()

	// --- 初始化日志 (提前) ---
	// 配置文件加载前先用默认配置, 之后再用文件配置重建
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	// --- 加载 JSON 配置 ---
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	switch *mode {
	case "live":
		runLiveMode(cfg)
	case "replay":
		leg1Path, leg2Path, err := prepareReplayData(cfg, *leg1Data, *leg2Data, *startDate, *endDate)
		if err != nil {
			logger.S().Fatal(err)
		}
		runReplayMode(cfg, leg1Path, leg2Path)
	default:
		logger.S().Fatalf("未知的运行模式: %s。请选择 'live' 或 'replay'。", *mode)
	}
}

// prepareReplayData 处理回放模式的数据准备, 必要时下载两条腿的报价文件。
func prepareReplayData(cfg *models.Config, leg1Path, leg2Path, startDate, endDate string) (string, string, error) {
	if startDate != "" && endDate != "" {
		startTime, err1 := time.Parse("2006-01-02", startDate)
		endTime, err2 := time.Parse("2006-01-02", endDate)
		if err1 != nil || err2 != nil {
			return "", "", fmt.Errorf("日期格式错误，请使用 YYYY-MM-DD 格式。start: %v, end: %v", err1, err2)
		}

		dl := downloader.NewQuoteDownloader()
		leg1Path = fmt.Sprintf("data/%s-%s-%s.csv", cfg.Pair.Leg1, startDate, endDate)
		leg2Path = fmt.Sprintf("data/%s-%s-%s.csv", cfg.Pair.Leg2, startDate, endDate)
		if err := dl.DownloadQuotes(cfg.Pair.Leg1, leg1Path, startTime, endTime, cfg.ReplayHalfSpreadPct); err != nil {
			return "", "", fmt.Errorf("下载 %s 数据失败: %v", cfg.Pair.Leg1, err)
		}
		if err := dl.DownloadQuotes(cfg.Pair.Leg2, leg2Path, startTime, endTime, cfg.ReplayHalfSpreadPct); err != nil {
			return "", "", fmt.Errorf("下载 %s 数据失败: %v", cfg.Pair.Leg2, err)
		}
		return leg1Path, leg2Path, nil
	}

	if leg1Path == "" || leg2Path == "" {
		return "", "", fmt.Errorf("回放模式需要通过 --leg1-data/--leg2-data 或 --start/--end 指定数据源")
	}
	return leg1Path, leg2Path, nil
}

// runLiveMode 运行实时交易
func runLiveMode(cfg *models.Config) {
	logger.S().Info("--- 启动实时交易模式 ---")

	creds, err := config.LoadCredentials()
	if err != nil {
		logger.S().Fatalf("加载API密钥失败: %v", err)
	}

	wsBaseURL := cfg.LiveWSURL
	if cfg.IsTestnet {
		wsBaseURL = cfg.TestnetWSURL
		logger.S().Info("正在使用币安测试网...")
	}

	store, err := persistence.NewBadgerStore(cfg.DBPath)
	if err != nil {
		logger.S().Fatalf("打开状态数据库失败: %v", err)
	}
	defer store.Close()

	gateway := engine.NewBinanceGateway(creds.APIKey, creds.SecretKey, cfg.IsTestnet, logger.S())
	feed := engine.NewLiveFeed(cfg.Pair, wsBaseURL, logger.S())

	gridMgr := grid.NewManager(cfg.MinProfitMultiple, logger.S())
	posMgr := position.NewManager()
	execMgr := execution.NewManager(gateway, gateway, posMgr, cfg.MaxRetryAttempts, cfg.PersistEveryFill, logger.S())
	statePersist := persistence.NewStatePersistence(store, cfg.StrategyName, logger.S())

	pairTrader := trader.New(cfg, gridMgr, posMgr, execMgr, statePersist, true, logger.S())

	// 恢复必须发生在第一条行情到达之前
	if err := pairTrader.Init(); err != nil {
		logger.S().Fatalf("交易器初始化失败: %v", err)
	}

	gateway.SubscribeOrders(pairTrader)
	feed.Subscribe(pairTrader)
	pairTrader.Start()
	if err := feed.Start(); err != nil {
		logger.S().Fatalf("行情源启动失败: %v", err)
	}

	// 等待中断信号以实现优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	feed.Stop()
	pairTrader.Stop()
	reporter.PrintPositions(execMgr)
	logger.S().Info("交易器已成功停止，状态已保存。")
}

// runReplayMode 运行历史数据回放
func runReplayMode(cfg *models.Config, leg1Path, leg2Path string) {
	logger.S().Info("--- 启动回放模式 ---")

	replay := engine.NewReplayEngine(cfg.Pair, cfg.Capital, logger.S())

	gridMgr := grid.NewManager(cfg.MinProfitMultiple, logger.S())
	posMgr := position.NewManager()
	execMgr := execution.NewManager(replay, replay, posMgr, cfg.MaxRetryAttempts, false, logger.S())

	// 回放模式不做持久化, 每次运行都是干净状态
	pairTrader := trader.New(cfg, gridMgr, posMgr, execMgr, nil, false, logger.S())
	if err := pairTrader.Init(); err != nil {
		logger.S().Fatalf("交易器初始化失败: %v", err)
	}

	replay.Subscribe(pairTrader)
	replay.SubscribeOrders(pairTrader)

	if err := replay.Run(leg1Path, leg2Path); err != nil {
		logger.S().Fatalf("回放失败: %v", err)
	}

	reporter.PrintSummary(execMgr, cfg.Pair.Symbol())
	reporter.PrintPositions(execMgr)
}
