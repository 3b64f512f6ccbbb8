package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Alias1177/Trader/internal/config"
	"github.com/Alias1177/Trader/internal/logger"
	"github.com/Alias1177/Trader/internal/trading/backtest"
	"github.com/Alias1177/Trader/models"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config")
	candlesPath := flag.String("candles", "candles.json", `candle file: {"PAIR": [[unix_ts, open, high, low, close, volume], ...]}`)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	logger.Setup(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile})

	series, err := loadCandles(*candlesPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *candlesPath).Msg("Failed to load candles")
	}

	summary, err := backtest.NewEngine(cfg.BacktestConfig()).RunPairs(series)
	if err != nil {
		log.Fatal().Err(err).Msg("Backtest failed")
	}

	for _, pair := range summary.Pairs {
		fmt.Println(backtest.FormatResults(summary.Reports[pair]))
	}
	fmt.Println(backtest.FormatSummary(summary))
}

func loadCandles(path string) (map[string][]models.Candle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string][][6]float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing candles: %w", err)
	}

	series := make(map[string][]models.Candle, len(raw))
	for pair, rows := range raw {
		candles := make([]models.Candle, len(rows))
		for i, row := range rows {
			candles[i] = models.Candle{
				Timestamp: time.Unix(int64(row[0]), 0).UTC(),
				Open:      row[1],
				High:      row[2],
				Low:       row[3],
				Close:     row[4],
				Volume:    row[5],
			}
		}
		series[pair] = candles
	}
	return series, nil
}
