package backtest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tickpipe/internal/model"
)

func TestWriteJSONLRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "trades.jsonl")
	trades := []model.Trade{
		{TSMs: 1000, Symbol: "BTCUSDT", Side: model.SideBuy, Reason: model.TradeEntry},
		{TSMs: 2000, Symbol: "BTCUSDT", Side: model.SideSell, Reason: model.TradeTakeProfit, NetPnL: 5},
	}
	require.NoError(t, WriteJSONL(path, trades))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	require.Len(t, lines, 2)

	var back model.Trade
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &back))
	assert.Equal(t, model.TradeTakeProfit, back.Reason)
	assert.Equal(t, 5.0, back.NetPnL)

	// no temp file residue
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestWriteJSONLEmptySliceStillWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.jsonl")
	require.NoError(t, WriteJSONL(path, []model.Trade{}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, raw)
}

func TestWriteJSONIndented(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.json")
	require.NoError(t, WriteJSON(path, map[string]any{"run_id": "r1", "sharpe": 1.5}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(raw), "\n"))

	var back map[string]any
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, "r1", back["run_id"])
}

func TestWriteAtomicReplacesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.json")
	require.NoError(t, WriteJSON(path, map[string]int{"v": 1}))
	require.NoError(t, WriteJSON(path, map[string]int{"v": 2}))

	var back map[string]int
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, 2, back["v"])
}
