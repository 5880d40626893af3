package reader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tickpipe/internal/config"
	"github.com/quantfold/tickpipe/internal/model"
)

func writeLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	data := ""
	for _, l := range lines {
		data += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
}

func featureLine(symbol string, secondTS int64, zofi float64) string {
	return fmt.Sprintf(`{"symbol":%q,"second_ts":%d,"ts_ms":%d,"mid":100,"z_ofi":%v,"z_cvd":1.0}`,
		symbol, secondTS, secondTS*1000, zofi)
}

func TestMinuteDedup(t *testing.T) {
	d := newMinuteDedup(2) // keep two minutes

	base := int64(1_700_000_000_000)
	assert.False(t, d.seen("k1", base))
	assert.True(t, d.seen("k1", base))
	assert.False(t, d.seen("k2", base+60_000))
	assert.Equal(t, 2, d.size())

	// three minutes later the first bucket ages out
	assert.False(t, d.seen("k3", base+180_000))
	d.evict()
	assert.Equal(t, 2, d.size())
	assert.False(t, d.seen("k1", base+180_000))
}

func TestParseFeatureRowAliases(t *testing.T) {
	row, err := ParseFeatureRow([]byte(`{"symbol":"BTCUSDT","ts_ms":1700000000000,"ofi_z":2.5,"cvd_z":-1.5,"return_1s":-12}`))
	require.NoError(t, err)
	assert.Equal(t, 2.5, row.ZOFI)
	assert.Equal(t, -1.5, row.ZCVD)
	// vol_bps derived from |return_1s| when absent
	assert.Equal(t, 12.0, row.VolBps)

	// canonical names win over aliases
	row, err = ParseFeatureRow([]byte(`{"symbol":"BTCUSDT","ts_ms":1700000000000,"z_ofi":3.0,"ofi_z":9.9}`))
	require.NoError(t, err)
	assert.Equal(t, 3.0, row.ZOFI)

	_, err = ParseFeatureRow([]byte(`{not json`))
	assert.Error(t, err)
}

func TestReadFeaturesFlatLayout(t *testing.T) {
	root := t.TempDir()
	sec := int64(1_700_000_000)
	writeLines(t, filepath.Join(root, "ready", "features", "BTCUSDT", "f1.jsonl"),
		featureLine("BTCUSDT", sec, 2.0),
		featureLine("BTCUSDT", sec+1, 2.1),
		featureLine("BTCUSDT", sec, 9.9), // duplicate second
		`{"symbol":"","ts_ms":0}`,        // missing fields
		`{broken`,                        // corrupt
	)

	r := New(root, config.ReaderConfig{DedupKeepHours: 2}, Options{})
	var rows []*model.FeatureRow
	require.NoError(t, r.ReadFeatures(context.Background(), func(row *model.FeatureRow) error {
		rows = append(rows, row)
		return nil
	}))

	require.Len(t, rows, 2)
	// the first occurrence of a duplicated second wins
	assert.Equal(t, 2.0, rows[0].ZOFI)

	stats := r.Stats()
	assert.Equal(t, 2, stats.TotalRows)
	assert.Equal(t, 1, stats.DedupedRows)
	assert.Equal(t, 1, stats.MissingField)
	assert.Equal(t, 1, stats.CorruptRows)
	assert.Equal(t, StructureFlat, stats.StructureType)
}

func TestReadFeaturesSymbolAndTimeFilter(t *testing.T) {
	root := t.TempDir()
	sec := int64(1_700_000_000)
	writeLines(t, filepath.Join(root, "ready", "features", "BTCUSDT", "f1.jsonl"),
		featureLine("BTCUSDT", sec, 2.0),
		featureLine("BTCUSDT", sec+600, 2.0),
	)
	writeLines(t, filepath.Join(root, "ready", "features", "ETHUSDT", "f1.jsonl"),
		featureLine("ETHUSDT", sec, 2.0),
	)

	r := New(root, config.ReaderConfig{}, Options{
		Symbols: []string{"btcusdt"},
		StartMs: sec * 1000,
		Minutes: 5,
	})
	var rows []*model.FeatureRow
	require.NoError(t, r.ReadFeatures(context.Background(), func(row *model.FeatureRow) error {
		rows = append(rows, row)
		return nil
	}))

	// ETHUSDT dir skipped entirely, the late row filtered by the window
	require.Len(t, rows, 1)
	assert.Equal(t, "BTCUSDT", rows[0].Symbol)
	assert.Equal(t, 1, r.Stats().FilteredRows)
}

func TestReadFeaturesPartitionedLayout(t *testing.T) {
	root := t.TempDir()
	sec := int64(1_700_000_000)
	dir := filepath.Join(root, "raw", "date=2023-11-14", "hour=22", "symbol=BTCUSDT", "kind=features")
	writeLines(t, filepath.Join(dir, "part-000.jsonl"), featureLine("BTCUSDT", sec, 2.0))

	r := New(root, config.ReaderConfig{}, Options{})
	var rows []*model.FeatureRow
	require.NoError(t, r.ReadFeatures(context.Background(), func(row *model.FeatureRow) error {
		rows = append(rows, row)
		return nil
	}))

	require.Len(t, rows, 1)
	stats := r.Stats()
	assert.Equal(t, StructurePartitioned, stats.StructureType)
	assert.Equal(t, 1, stats.Partitions)
}

func TestReadFeaturesMissingRootIsEmpty(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "nope"), config.ReaderConfig{}, Options{})
	calls := 0
	require.NoError(t, r.ReadFeatures(context.Background(), func(*model.FeatureRow) error {
		calls++
		return nil
	}))
	assert.Zero(t, calls)
	assert.Equal(t, StructureEmpty, r.Stats().StructureType)
}

func TestReadPricesAndBooks(t *testing.T) {
	root := t.TempDir()
	ts := int64(1_700_000_000_000)
	writeLines(t, filepath.Join(root, "ready", "prices", "BTCUSDT", "p.jsonl"),
		fmt.Sprintf(`{"symbol":"BTCUSDT","ts_ms":%d,"mid":100}`, ts),
		fmt.Sprintf(`{"symbol":"BTCUSDT","ts_ms":%d,"mid":100}`, ts), // dup
	)
	writeLines(t, filepath.Join(root, "ready", "orderbook", "BTCUSDT", "b.jsonl"),
		fmt.Sprintf(`{"symbol":"BTCUSDT","ts_ms":%d,"best_bid":99.9,"best_ask":100.1}`, ts),
	)

	r := New(root, config.ReaderConfig{}, Options{})
	var prices []*model.PriceRow
	require.NoError(t, r.ReadPrices(context.Background(), func(p *model.PriceRow) error {
		prices = append(prices, p)
		return nil
	}))
	require.Len(t, prices, 1)

	var books []*model.BookRow
	require.NoError(t, r.ReadBooks(context.Background(), func(b *model.BookRow) error {
		books = append(books, b)
		return nil
	}))
	require.Len(t, books, 1)
	assert.Equal(t, 99.9, books[0].BestBid)
}

func TestPreviewSourceGatedByConfig(t *testing.T) {
	root := t.TempDir()
	sec := int64(1_700_000_000)
	writeLines(t, filepath.Join(root, "preview", "features", "BTCUSDT", "f.jsonl"),
		featureLine("BTCUSDT", sec, 2.0))

	count := func(include bool) int {
		r := New(root, config.ReaderConfig{IncludePreview: include}, Options{})
		n := 0
		require.NoError(t, r.ReadFeatures(context.Background(), func(*model.FeatureRow) error {
			n++
			return nil
		}))
		return n
	}

	assert.Zero(t, count(false))
	assert.Equal(t, 1, count(true))
}
