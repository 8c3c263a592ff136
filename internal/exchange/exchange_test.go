package exchange

import (
	"errors"
	"testing"

	"github.com/pytrade/trade-core/internal/config"
	"github.com/pytrade/trade-core/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRound(t *testing.T) {
	assert.Equal(t, 8.5, Round(8.5, 2))
	assert.Equal(t, 1.24, Round(1.235, 2))
	assert.Equal(t, 100.02, Round(100.019, 2))
	assert.Equal(t, 3.0, Round(2.5, 0))
	assert.Equal(t, "19.50", Format(19.5, 2))
	assert.Equal(t, "0.001", Format(0.001, 3))
}

func TestOrderResult(t *testing.T) {
	assert.True(t, OrderResult{Outcome: OutcomeOK}.OK())
	res := Failed(errors.New("boom"))
	assert.False(t, res.OK())
	assert.Equal(t, "error", res.Outcome.String())
	assert.Equal(t, "not_filled", OutcomeNotFilled.String())
}

func TestRegistry(t *testing.T) {
	called := false
	Register("fake-venue", func(cfg *config.Config, logger *zap.Logger, sink metrics.Sink) (Adapter, error) {
		called = true
		return nil, nil
	})
	assert.Contains(t, Registered(), "fake-venue")

	_, err := New("fake-venue", &config.Config{}, zap.NewNop(), metrics.Nop{})
	require.NoError(t, err)
	assert.True(t, called)

	_, err = New("nowhere", &config.Config{}, zap.NewNop(), metrics.Nop{})
	assert.Error(t, err)
}
