package persist

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/pytrade/trade-core/internal/storage"
	"github.com/pytrade/trade-core/internal/table"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var flushTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newState(t *testing.T, store storage.ObjectStorage) (*State, string) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "Xy"), "bot/Xy", "BTC-USDT", store, zap.NewNop())
	s.now = func() time.Time { return flushTime }
	return s, dir
}

func readLines(t *testing.T, path string) []string {
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestState_FlushWritesHeaderOnce(t *testing.T) {
	s, dir := newState(t, nil)
	ctx := context.Background()
	header := []string{"datetime", "signal", "status"}

	s.Append("signal_ext", header, []string{"2024-03-01T12:00:00Z", "1", "ok"})
	require.NoError(t, s.Flush(ctx))
	assert.Zero(t, s.Buffered("signal_ext"))

	s.Append("signal_ext", header, []string{"2024-03-01T12:01:00Z", "0", "no_signal"})
	require.NoError(t, s.Flush(ctx))
	// nothing buffered: no write
	require.NoError(t, s.Flush(ctx))

	lines := readLines(t, filepath.Join(dir, "Xy", "2024-03-01_BTC-USDT_signal_ext.csv"))
	assert.Equal(t, []string{
		"datetime,signal,status",
		"2024-03-01T12:00:00Z,1,ok",
		"2024-03-01T12:01:00Z,0,no_signal",
	}, lines)
}

func TestState_AppendFrameAndRoutes(t *testing.T) {
	s, dir := newState(t, nil)
	s.Route("balance", Route{Dir: filepath.Join(dir, "account"), NoTicker: true})

	f := table.New("x1", "x2")
	f.Rows = append(f.Rows, table.Row{Time: flushTime, Values: []float64{1.5, -2}})
	s.AppendFrame("x", f)
	s.Append("balance", []string{"datetime", "currency", "balance"}, []string{"2024-03-01T12:00:00Z", "USDT", "100"})
	require.NoError(t, s.Flush(context.Background()))

	assert.Equal(t, []string{"datetime,x1,x2", "2024-03-01T12:00:00Z,1.5,-2"},
		readLines(t, filepath.Join(dir, "Xy", "2024-03-01_BTC-USDT_x.csv")))
	assert.FileExists(t, filepath.Join(dir, "account", "2024-03-01_balance.csv"))
}

func TestState_MirrorUploadsZipAndPurgesOlderDays(t *testing.T) {
	bucket := storage.Dir(t.TempDir())
	s, dir := newState(t, bucket)
	xy := filepath.Join(dir, "Xy")
	require.NoError(t, os.MkdirAll(xy, 0o755))
	old := filepath.Join(xy, "2024-02-29_BTC-USDT_y_pred.csv")
	other := filepath.Join(xy, "2024-02-29_ETH-USDT_y_pred.csv")
	require.NoError(t, os.WriteFile(old, []byte("datetime\n"), 0o644))
	require.NoError(t, os.WriteFile(other, []byte("datetime\n"), 0o644))

	s.Append("y_pred", []string{"datetime", "y"}, []string{"2024-03-01T12:00:00Z", "3"})
	require.NoError(t, s.Flush(context.Background()))

	assert.NoFileExists(t, old)
	assert.FileExists(t, other, "other tickers are left alone")
	assert.NoFileExists(t, filepath.Join(xy, "2024-03-01_BTC-USDT_y_pred.csv.zip"), "local zip is removed after upload")

	key := "bot/Xy/2024-03-01_BTC-USDT_y_pred.csv.zip"
	zr, err := zip.OpenReader(filepath.Join(string(bucket), filepath.FromSlash(key)))
	require.NoError(t, err)
	defer zr.Close()
	require.Len(t, zr.File, 1)
	assert.Equal(t, "2024-03-01_BTC-USDT_y_pred.csv", zr.File[0].Name)
	assert.Equal(t, zip.Deflate, zr.File[0].Method)
}

type snapshot struct {
	Weights []float64 `json:"weights"`
}

func TestModelStore_KeepsLastK(t *testing.T) {
	dir := t.TempDir()
	m := NewModelStore(dir, 2, "", nil, zap.NewNop())
	ctx := context.Background()

	var empty snapshot
	ok, err := m.LoadLast(&empty)
	require.NoError(t, err)
	assert.False(t, ok)

	now := flushTime
	m.now = func() time.Time { return now }
	for i := 1; i <= 3; i++ {
		_, err := m.Save(ctx, snapshot{Weights: []float64{float64(i)}})
		require.NoError(t, err)
		now = now.Add(time.Minute)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	var got snapshot
	ok, err = m.LoadLast(&got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []float64{3}, got.Weights)
}
