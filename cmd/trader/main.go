package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Alias1177/Trader/internal/api/kraken"
	"github.com/Alias1177/Trader/internal/api/paper"
	"github.com/Alias1177/Trader/internal/config"
	"github.com/Alias1177/Trader/internal/database"
	"github.com/Alias1177/Trader/internal/indicators"
	"github.com/Alias1177/Trader/internal/logger"
	"github.com/Alias1177/Trader/internal/notify"
	"github.com/Alias1177/Trader/internal/retry"
	"github.com/Alias1177/Trader/internal/signals"
	"github.com/Alias1177/Trader/internal/status"
	"github.com/Alias1177/Trader/internal/trading/backtest"
	"github.com/Alias1177/Trader/internal/trading/engine"
	"github.com/Alias1177/Trader/internal/trading/ledger"
	"github.com/Alias1177/Trader/internal/trading/risk"
	"github.com/Alias1177/Trader/models"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config")
	reportPath := flag.String("report", "", "write the final report as JSON to this file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	logger.Setup(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile})

	if err := run(cfg, *reportPath); err != nil {
		log.Fatal().Err(err).Msg("Trader stopped with error")
	}
}

func run(cfg *config.Config, reportPath string) error {
	krakenClient, err := kraken.NewClient(kraken.ClientOptions{
		APIKey:         cfg.KrakenAPIKey,
		APISecret:      cfg.KrakenAPISecret,
		BaseURL:        cfg.KrakenBaseURL,
		RequestTimeout: time.Duration(cfg.RequestTimeout) * time.Second,
		RequestsPerSec: cfg.RequestsPerSecond,
	})
	if err != nil {
		return fmt.Errorf("creating kraken client: %w", err)
	}

	var exchange models.Exchange = krakenClient
	if cfg.PaperTrading {
		exchange = paper.New(krakenClient, cfg.TotalCapital, cfg.SlippageRate)
		log.Info().Float64("capital", cfg.TotalCapital).Msg("Paper trading mode")
	} else {
		balance, err := krakenClient.GetBalance(context.Background())
		if err != nil {
			return fmt.Errorf("fetching balance: %w", err)
		}
		log.Info().Interface("balance", balance).Msg("Live trading mode")
	}

	pipeline := signals.NewPipeline(indicators.NewEngine(cfg.Indicators), signals.NewGenerator(cfg.SignalConfig()))
	riskManager := risk.NewManager(cfg.RiskConfig())
	book := ledger.New(riskManager, cfg.FeeRate)
	initial, maxInterval := cfg.RetryIntervals()

	var opts []engine.Option
	if cfg.JournalDriver != "" {
		journal, err := database.Open(cfg.JournalDriver, cfg.JournalDSN)
		if err != nil {
			return fmt.Errorf("opening journal: %w", err)
		}
		defer journal.Close()

		history, err := journal.Trades(context.Background(), "")
		if err != nil {
			return fmt.Errorf("reading journal: %w", err)
		}
		riskManager.Restore(history)
		opts = append(opts, engine.WithJournal(journal))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != 0 {
		notifier, err := notify.NewTelegram(cfg.TelegramBotToken, cfg.TelegramChatID)
		if err != nil {
			log.Warn().Err(err).Msg("Telegram notifications disabled")
		} else {
			opts = append(opts, engine.WithNotifier(notifier))
		}
	}

	loop := engine.New(
		engine.Config{
			Pairs:            cfg.TradingPairs,
			TimeframeMinutes: cfg.TimeframeMinutes,
			Lookback:         cfg.Lookback,
			CycleInterval:    cfg.CycleInterval(),
			PairTimeout:      cfg.PairTimeout(),
			MaxParallel:      cfg.MaxParallelPairs,
		},
		exchange,
		pipeline,
		riskManager,
		book,
		retry.NewPolicy(cfg.RetryMaxAttempts, initial, maxInterval),
		opts...,
	)

	var server *status.Server
	if cfg.StatusAddr != "" {
		server = status.NewServer(cfg.StatusAddr, loop)
		server.Start()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := loop.Run(ctx)
	if runErr != nil {
		log.Error().Err(runErr).Msg("Trading loop failed, closing positions")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	report, stopErr := loop.Stop(shutdownCtx)
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Status server shutdown failed")
		}
	}

	if report != nil {
		fmt.Println(backtest.FormatResults(report))
		if reportPath != "" {
			if err := writeReport(reportPath, report); err != nil {
				log.Error().Err(err).Str("path", reportPath).Msg("Failed to write report")
			}
		}
	}

	return errors.Join(runErr, stopErr)
}

func writeReport(path string, report *models.FinalReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
