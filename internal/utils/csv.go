// Package utils holds small file helpers for the command-line tools.
package utils

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"cryptoSpotBot/internal/domain"
)

var klineHeader = []string{"open_time", "close_time", "symbol", "interval", "open", "high", "low", "close", "volume"}

// WriteKlinesToCSV writes klines to filename, creating its directory if needed.
func WriteKlinesToCSV(klines []*domain.Kline, filename string) error {
	if dir := filepath.Dir(filename); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(klineHeader); err != nil {
		return err
	}
	for _, k := range klines {
		if err := writer.Write(klineRow(k)); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

// ReadKlinesFromCSV reads a file written by WriteKlinesToCSV.
func ReadKlinesFromCSV(filename string) ([]*domain.Kline, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filename, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	klines := make([]*domain.Kline, 0, len(rows)-1)
	for i, row := range rows[1:] {
		k, err := parseKlineRow(row)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", filename, i+2, err)
		}
		klines = append(klines, k)
	}
	return klines, nil
}

func klineRow(k *domain.Kline) []string {
	return []string{
		k.OpenTime.UTC().Format(time.RFC3339),
		k.CloseTime.UTC().Format(time.RFC3339),
		k.Symbol,
		k.Interval,
		strconv.FormatFloat(k.Open, 'f', -1, 64),
		strconv.FormatFloat(k.High, 'f', -1, 64),
		strconv.FormatFloat(k.Low, 'f', -1, 64),
		strconv.FormatFloat(k.Close, 'f', -1, 64),
		strconv.FormatFloat(k.Volume, 'f', -1, 64),
	}
}

func parseKlineRow(row []string) (*domain.Kline, error) {
	if len(row) != len(klineHeader) {
		return nil, fmt.Errorf("expected %d columns, got %d", len(klineHeader), len(row))
	}
	openTime, err := time.Parse(time.RFC3339, row[0])
	if err != nil {
		return nil, err
	}
	closeTime, err := time.Parse(time.RFC3339, row[1])
	if err != nil {
		return nil, err
	}
	var nums [5]float64
	for i := range nums {
		if nums[i], err = strconv.ParseFloat(row[4+i], 64); err != nil {
			return nil, fmt.Errorf("column %s: %w", klineHeader[4+i], err)
		}
	}
	return &domain.Kline{
		OpenTime: openTime, CloseTime: closeTime, Symbol: row[2], Interval: row[3],
		Open: nums[0], High: nums[1], Low: nums[2], Close: nums[3], Volume: nums[4],
	}, nil
}
