package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, cfg.Exchange.Demo, "demo mode is the safe default")
	assert.Equal(t, 100, cfg.Exchange.WindowCap)
	assert.Equal(t, 10_000, cfg.Exchange.WindowMs)

	assert.Equal(t, 3, cfg.Trading.MaxConcurrentTrades)
	assert.Equal(t, 65.0, cfg.Trading.MinSignalStrength)
	assert.True(t, cfg.Trading.ConfirmationRequired)
	assert.Equal(t, 9, cfg.Trading.MA1Period)
	assert.Equal(t, 21, cfg.Trading.MA2Period)

	assert.Equal(t, int64(5_000), cfg.Trading.Cache.TickerTTLMs)
	assert.Equal(t, int64(30_000), cfg.Trading.Cache.KlineTTLMs)
	assert.Equal(t, 0.1, cfg.Trading.Cache.PriceChangeThreshold)

	assert.Equal(t, 3, cfg.Trading.WorkerPool.MaxWorkers)
	assert.True(t, cfg.Trading.WorkerPool.EnableParallel)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
exchange:
  demo: false
trading:
  max_concurrent_trades: 5
  min_signal_strength: 75
  worker_pool:
    enable_parallel: false
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Exchange.Demo)
	assert.Equal(t, 5, cfg.Trading.MaxConcurrentTrades)
	assert.Equal(t, 75.0, cfg.Trading.MinSignalStrength)
	assert.False(t, cfg.Trading.WorkerPool.EnableParallel)
	assert.Equal(t, 21, cfg.Trading.MA2Period, "unset fields keep defaults")
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
trading:
  ma1_period: 20
  ma2_period: 15
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ma2Period must be greater than ma1Period")
}

func TestValidateRanges(t *testing.T) {
	base := func() TradingConfig {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg.Trading
	}

	ok := base()
	errs, warnings := ok.Validate()
	assert.Empty(t, errs)
	assert.Empty(t, warnings)

	tooMany := base()
	tooMany.MaxConcurrentTrades = 11
	errs, _ = tooMany.Validate()
	assert.NotEmpty(t, errs)

	badRSI := base()
	badRSI.RSIOversold = 50
	errs, _ = badRSI.Validate()
	assert.NotEmpty(t, errs)
}

func TestValidateWarnsOnInconsistentTargets(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	trading := cfg.Trading
	trading.TakeProfitPct = 3 // 3/2 = 1.5 below riskRewardRatio 2
	errs, warnings := trading.Validate()
	assert.Empty(t, errs)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "riskRewardRatio")
}
