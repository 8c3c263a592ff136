// Package history stitches archived market data from object storage with the
// live stream into one gap-free, one-minute table per data kind.
package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/pytrade/trade-core/internal/market"
	"github.com/pytrade/trade-core/internal/storage"
	"github.com/pytrade/trade-core/internal/table"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

// Options configures one reconciler.
type Options struct {
	Kind   market.Kind
	Ticker string
	// DataDir is the local root; raw files live in <DataDir>/raw/<kind>,
	// preprocessed ones in <DataDir>/preproc/<kind>.
	DataDir string
	// RemotePrefix is the archive prefix in object storage, e.g. "data/raw".
	RemotePrefix   string
	MaxWindow      time.Duration
	ReloadInterval time.Duration
}

// FileName is "<YYYY-MM-DD>_<ticker>_<kind>.csv".
func FileName(date time.Time, ticker string, kind market.Kind) string {
	return fmt.Sprintf("%s_%s_%s.csv", date.UTC().Format(dateLayout), ticker, kind)
}

// ArchiveKey is the object storage key of a day's archive.
func ArchiveKey(prefix string, date time.Time, ticker string, kind market.Kind) string {
	return strings.Trim(prefix, "/") + "/" + kind.String() + "/" + FileName(date, ticker, kind) + ".zip"
}

// Reconciler keeps the preprocessed history of one kind.
type Reconciler struct {
	opts    Options
	store   storage.ObjectStorage
	logger  *zap.Logger
	rawDir  string
	procDir string

	mu          sync.Mutex
	archive     *table.Frame // preprocessed archive rows
	stream      *table.Frame // preprocessed closed stream buckets
	pending     *table.Frame // raw stream rows of buckets not yet closed
	streamStart time.Time
	loaded      bool
	good        bool
	nextReload  time.Time
}

// New creates a reconciler. store may be nil, then only local raw files are used.
func New(opts Options, store storage.ObjectStorage, logger *zap.Logger) *Reconciler {
	if opts.ReloadInterval <= 0 {
		opts.ReloadInterval = 5 * time.Minute
	}
	cols := Columns(opts.Kind)
	return &Reconciler{
		opts:    opts,
		store:   store,
		logger:  logger.Named("history-" + opts.Kind.String()),
		rawDir:  filepath.Join(opts.DataDir, "raw", opts.Kind.String()),
		procDir: filepath.Join(opts.DataDir, "preproc", opts.Kind.String()),
		archive: table.New(cols...),
		stream:  table.New(cols...),
		pending: table.New(cols...),
	}
}

// Kind is the data kind this reconciler handles.
func (r *Reconciler) Kind() market.Kind { return r.opts.Kind }

// dates lists the days touched by [now - MaxWindow, now].
func (r *Reconciler) dates(now time.Time) []time.Time {
	start := now.Add(-r.opts.MaxWindow).UTC().Truncate(24 * time.Hour)
	var out []time.Time
	for d := start; !d.After(now.UTC()); d = d.Add(24 * time.Hour) {
		out = append(out, d)
	}
	return out
}

// Load downloads missing archive files, preprocesses them and replaces the
// archive table. It is run on the first ApplyBuf and on every retry.
func (r *Reconciler) Load(ctx context.Context, now time.Time) error {
	dates := r.dates(now)
	var errs error
	if r.store != nil {
		errs = multierr.Append(errs, r.download(ctx, dates))
	}
	frame := table.New(Columns(r.opts.Kind)...)
	for _, d := range dates {
		name := FileName(d, r.opts.Ticker, r.opts.Kind)
		proc, err := r.preprocessFile(name)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				errs = multierr.Append(errs, err)
			}
			continue
		}
		frame.AppendAfter(proc.Rows...)
	}
	frame.PurgeBefore(now.Add(-r.opts.MaxWindow))

	r.mu.Lock()
	r.archive = frame
	r.loaded = true
	r.mu.Unlock()
	r.logger.Info("History loaded",
		zap.Int("rows", frame.Len()),
		zap.Time("first", frame.First()),
		zap.Time("last", frame.Last()))
	return errs
}

func (r *Reconciler) download(ctx context.Context, dates []time.Time) error {
	prefix := strings.Trim(r.opts.RemotePrefix, "/") + "/" + r.opts.Kind.String() + "/"
	objects, err := r.store.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("failed to list archive: %w", err)
	}
	wanted := make(map[string]bool, len(dates))
	for _, d := range dates {
		wanted[ArchiveKey(r.opts.RemotePrefix, d, r.opts.Ticker, r.opts.Kind)] = true
	}
	var errs error
	for _, obj := range objects {
		if !wanted[obj.Key] {
			continue
		}
		local := filepath.Join(r.rawDir, filepath.Base(obj.Key))
		if !storage.NeedsDownload(obj, local) {
			continue
		}
		if err := r.store.Download(ctx, obj.Key, local); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if err := unzip(local, r.rawDir); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		// a stale preprocessed copy must not shadow the new download
		_ = os.Remove(filepath.Join(r.procDir, strings.TrimSuffix(filepath.Base(obj.Key), ".zip")))
		r.logger.Info("Archive downloaded", zap.String("key", obj.Key), zap.Int64("size", obj.Size))
	}
	return errs
}

// preprocessFile returns the preprocessed rows of one raw day file, reusing
// the preprocessed copy when it is newer than the raw file.
func (r *Reconciler) preprocessFile(name string) (*table.Frame, error) {
	rawPath := filepath.Join(r.rawDir, name)
	procPath := filepath.Join(r.procDir, name)
	rawInfo, err := os.Stat(rawPath)
	if err != nil {
		return nil, err
	}
	if procInfo, err := os.Stat(procPath); err == nil && !procInfo.ModTime().Before(rawInfo.ModTime()) {
		if f, err := readFrame(procPath); err == nil {
			return f, nil
		}
	}

	in, err := os.Open(rawPath)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	raw, skipped, err := ReadRaw(r.opts.Kind, in)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", rawPath, err)
	}
	if skipped > 0 {
		r.logger.Warn("Skipped malformed rows", zap.String("file", name), zap.Int("rows", skipped))
	}
	proc := Preprocess(r.opts.Kind, raw)
	if err := writeFrame(procPath, proc); err != nil {
		return nil, err
	}
	return proc, nil
}

// PreprocIncremental preprocesses fresh raw stream rows and appends the
// closed one-minute buckets to the stream table. Rows of the bucket still in
// progress are held until a later call. An empty input changes nothing.
func (r *Reconciler) PreprocIncremental(now time.Time, fresh *table.Frame) *table.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fresh.Len() > 0 {
		if r.streamStart.IsZero() {
			r.streamStart = table.BucketEnd(fresh.First(), Interval)
		}
		r.pending.Rows = append(r.pending.Rows, fresh.Rows...)
		proc := Preprocess(r.opts.Kind, r.pending)
		open := BucketEndAfter(now)
		closed := proc.Rows
		var keep []table.Row
		for len(closed) > 0 && !closed[len(closed)-1].Time.Before(open) {
			closed = closed[:len(closed)-1]
		}
		for _, row := range r.pending.Rows {
			if !table.BucketEnd(row.Time, Interval).Before(open) {
				keep = append(keep, row)
			}
		}
		r.pending.Rows = keep
		r.stream.AppendAfter(closed...)
	}
	return r.dataLocked()
}

// BucketEndAfter is the end of the one-minute bucket that contains now.
func BucketEndAfter(now time.Time) time.Time {
	return table.BucketEnd(now, Interval)
}

// ApplyBuf folds fresh stream rows into the history and re-evaluates the gap.
// Storage errors are logged and retried after the reload interval.
func (r *Reconciler) ApplyBuf(ctx context.Context, now time.Time, fresh *table.Frame) *table.Frame {
	r.mu.Lock()
	needLoad := !r.loaded || (!r.good && !r.nextReload.IsZero() && !now.Before(r.nextReload))
	r.mu.Unlock()
	if needLoad {
		if err := r.Load(ctx, now); err != nil {
			r.logger.Warn("Failed to load history", zap.Error(err))
		}
	}

	r.PreprocIncremental(now, fresh)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.archive.PurgeBefore(now.Add(-r.opts.MaxWindow))
	r.stream.PurgeBefore(now.Add(-r.opts.MaxWindow))
	if !r.good {
		r.good = r.checkGood()
		if r.good {
			r.logger.Info("History is good", zap.Time("archive_end", r.archive.Last()), zap.Time("stream_start", r.streamStart))
		} else if r.nextReload.IsZero() || !now.Before(r.nextReload) {
			r.nextReload = now.Add(r.opts.ReloadInterval)
			r.logger.Info("History has a gap, retrying later",
				zap.Time("archive_end", r.archive.Last()),
				zap.Time("stream_start", r.streamStart),
				zap.Time("retry_at", r.nextReload))
		}
	}
	return r.dataLocked()
}

// checkGood holds when the stream starts at most one interval after the
// archive ends, or when the stream alone covers the max window.
func (r *Reconciler) checkGood() bool {
	if r.streamStart.IsZero() {
		return false
	}
	if r.stream.Len() > 0 && r.stream.Last().Sub(r.streamStart) >= r.opts.MaxWindow {
		return true
	}
	if r.archive.Empty() {
		return false
	}
	return r.streamStart.Sub(r.archive.Last()) <= Interval
}

// IsGood reports whether history and stream join without a gap. Once true it stays true.
func (r *Reconciler) IsGood() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.good
}

// Data returns a copy of archive and stream rows as one strictly increasing table.
func (r *Reconciler) Data() *table.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dataLocked()
}

func (r *Reconciler) dataLocked() *table.Frame {
	out := r.archive.Copy()
	out.AppendAfter(r.stream.Copy().Rows...)
	return out
}

func readFrame(path string) (*table.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return table.ReadCSV(f)
}

func writeFrame(path string, frame *table.Frame) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := frame.WriteCSV(f, true); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// unzip extracts the csv files of archive into dir.
func unzip(archive, dir string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", archive, err)
	}
	defer zr.Close()
	for _, zf := range zr.File {
		name := filepath.Base(zf.Name)
		if zf.FileInfo().IsDir() || !strings.HasSuffix(name, ".csv") {
			continue
		}
		if err := extract(zf, filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("failed to extract %s: %w", zf.Name, err)
		}
	}
	return nil
}

func extract(zf *zip.File, dst string) error {
	src, err := zf.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
