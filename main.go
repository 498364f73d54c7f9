package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"grid_quant/internal/bootstrap"
	"grid_quant/internal/config"
	"grid_quant/internal/dispatcher"
	"grid_quant/internal/exchange"
	httpapi "grid_quant/internal/http"
	"grid_quant/internal/logx"
	"grid_quant/internal/reconcile"
	"grid_quant/internal/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	logger, err := logx.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	strategies, err := config.LoadStrategies(cfg.StrategiesFile)
	if err != nil {
		logger.Fatal("加载策略配置失败", zap.String("file", cfg.StrategiesFile), zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := store.NewSQLiteRepository(cfg.SQLiteDSN)
	if err != nil {
		logger.Fatal("初始化数据库失败", zap.Error(err))
	}
	defer repo.Close()

	if err := repo.Init(ctx); err != nil {
		logger.Fatal("数据库迁移失败", zap.Error(err))
	}

	// 根据 DRY_RUN 选择交易所：纸面撮合使用真实公共行情
	binance := exchange.NewBinanceFutures(cfg, logger)
	var gw exchange.Gateway = binance
	if cfg.DryRun {
		paper := exchange.NewPaperGateway(cfg.PaperBalance, logger)
		symbols := make([]string, 0, len(strategies))
		seen := make(map[string]bool)
		for _, s := range strategies {
			if !seen[s.Symbol] {
				seen[s.Symbol] = true
				symbols = append(symbols, s.Symbol)
			}
		}
		if err := paper.Mirror(ctx, binance, symbols); err != nil {
			logger.Fatal("同步纸面行情失败", zap.Error(err))
		}
		for _, sym := range symbols {
			go paper.Follow(ctx, binance, sym, cfg.LoopRetry())
		}
		gw = paper
		logger.Info("📈 交易模式: 纸面撮合 (DRY_RUN)", zap.Float64("balance", cfg.PaperBalance))
	} else {
		logger.Info("📈 交易模式: USDT-M 永续合约", zap.Bool("hedge", cfg.HedgeMode))
	}

	rec := reconcile.New(gw, cfg.PostOnly, logger)
	svc := bootstrap.New(gw, rec, repo, bootstrap.OptionsFromConfig(cfg), logger)
	registry, err := svc.Prepare(ctx, strategies)
	if err != nil {
		logger.Fatal("启动准备失败", zap.Error(err))
	}

	disp := dispatcher.New(gw, registry, cfg.LoopRetry(), logger, dispatcher.WithJournal(repo))
	if err := disp.Start(ctx); err != nil {
		logger.Fatal("启动事件循环失败", zap.Error(err))
	}

	gin.SetMode(gin.ReleaseMode)
	router := httpapi.NewRouter(httpapi.Deps{
		Registry: registry,
		Orders:   rec,
		Journal:  repo,
		Loops:    disp,
		Venue:    gw.Name(),
		DryRun:   cfg.DryRun,
	}, cfg.RequestTimeoutSec)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP 服务异常退出", zap.Error(err))
			stop()
		}
	}()

	logger.Info("Grid Quant 服务启动", zap.String("addr", cfg.HTTPAddr), zap.String("venue", gw.Name()),
		zap.Int("strategies", len(strategies)), zap.Bool("dry_run", cfg.DryRun))

	<-ctx.Done()
	logger.Info("收到退出信号，开始关闭")

	disp.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP 服务关闭超时", zap.Error(err))
	}
	if err := gw.Close(); err != nil {
		logger.Warn("关闭交易所连接失败", zap.Error(err))
	}
	if cfg.DryRun {
		_ = binance.Close()
	}
	logger.Info("已退出")
}
