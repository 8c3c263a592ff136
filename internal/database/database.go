package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pytrade/trade-core/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase opens the sqlite trade database and migrates the schema.
// Existing rows are kept: startup recovery reads the last open trade from them.
func NewDatabase(dsn string) (*gorm.DB, error) {
	if dir := filepath.Dir(dsn); dsn != "file::memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if strings.Contains(dsn, ":memory:") {
		// Every pooled connection would see its own empty in-memory database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to access sql pool: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// AutoMigrate creates or updates the trade table.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Trade{}); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return nil
}

// LastOpenTrade returns the most recent non-closed trade of ticker, or nil.
func LastOpenTrade(db *gorm.DB, ticker string) (*models.Trade, error) {
	var trade models.Trade
	err := db.Where("ticker = ? AND status <> ?", ticker, models.StatusClosed).
		Order("open_time desc").
		First(&trade).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load open trade of %s: %w", ticker, err)
	}
	return &trade, nil
}

// LastClosedTrade returns the most recently closed trade of ticker, or nil.
func LastClosedTrade(db *gorm.DB, ticker string) (*models.Trade, error) {
	var trade models.Trade
	err := db.Where("ticker = ? AND status = ?", ticker, models.StatusClosed).
		Order("close_time desc").
		First(&trade).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load closed trade of %s: %w", ticker, err)
	}
	return &trade, nil
}

// RecentTrades returns up to limit trades, newest first.
func RecentTrades(db *gorm.DB, limit int) ([]models.Trade, error) {
	var trades []models.Trade
	if err := db.Order("open_time desc").Limit(limit).Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to get trades from database: %w", err)
	}
	return trades, nil
}

// StatsDetail summarizes closed trades over one period.
type StatsDetail struct {
	TotalTrades      int64   `json:"total_trades"`
	ProfitableTrades int64   `json:"profitable_trades"`
	WinRate          float64 `json:"win_rate"`
	TotalProfit      float64 `json:"total_profit"`
}

func (s *StatsDetail) add(t models.Trade) {
	s.TotalTrades++
	if p := t.Profit(); p > 0 {
		s.ProfitableTrades++
	}
	s.TotalProfit += t.Profit()
}

func (s *StatsDetail) finish() {
	if s.TotalTrades > 0 {
		s.WinRate = float64(s.ProfitableTrades) / float64(s.TotalTrades) * 100
	}
}

// Statistics is the closed-trade summary since a point in time and overall.
type Statistics struct {
	Since   StatsDetail `json:"since"`
	AllTime StatsDetail `json:"all_time"`
}

// TradeStatistics summarizes the closed trades of ticker, or of all tickers when empty.
func TradeStatistics(db *gorm.DB, ticker string, since time.Time) (Statistics, error) {
	var trades []models.Trade
	q := db.Where("status = ?", models.StatusClosed)
	if ticker != "" {
		q = q.Where("ticker = ?", ticker)
	}
	if err := q.Find(&trades).Error; err != nil {
		return Statistics{}, fmt.Errorf("failed to get trades for statistics: %w", err)
	}
	var stats Statistics
	for _, t := range trades {
		stats.AllTime.add(t)
		if t.CloseTime != nil && !t.CloseTime.Before(since) {
			stats.Since.add(t)
		}
	}
	stats.AllTime.finish()
	stats.Since.finish()
	return stats, nil
}
