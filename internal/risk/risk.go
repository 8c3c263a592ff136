// Package risk gates new entries after a losing trade.
package risk

import (
	"time"

	"github.com/pytrade/trade-core/internal/models"
	"go.uber.org/zap"
)

// TradeSource yields the last closed trade.
type TradeSource interface {
	PrevTrade() *models.Trade
}

// Manager denies entries for WaitAfterLoss after a trade that lost net of fees.
type Manager struct {
	trades        TradeSource
	WaitAfterLoss time.Duration
	FeeRate       float64
	logger        *zap.Logger
}

// New creates a risk manager.
func New(trades TradeSource, waitAfterLoss time.Duration, feeRate float64, logger *zap.Logger) *Manager {
	return &Manager{trades: trades, WaitAfterLoss: waitAfterLoss, FeeRate: feeRate, logger: logger.Named("risk")}
}

// CanTrade reports whether a new entry is allowed at now.
func (m *Manager) CanTrade(now time.Time) bool {
	prev := m.trades.PrevTrade()
	if prev == nil || !prev.IsClosed() || prev.CloseTime == nil {
		return true
	}
	if !prev.IsLoss(m.FeeRate) {
		return true
	}
	if since := now.Sub(*prev.CloseTime); since < m.WaitAfterLoss {
		m.logger.Debug("Entry denied after loss",
			zap.Uint("trade_id", prev.ID),
			zap.Duration("since_close", since),
			zap.Duration("wait", m.WaitAfterLoss))
		return false
	}
	return true
}
