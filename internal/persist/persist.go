// Package persist periodically writes tagged row buffers to per-day CSV
// files, mirrors them to object storage and keeps model snapshots.
package persist

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/pytrade/trade-core/internal/storage"
	"github.com/pytrade/trade-core/internal/table"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

// Route sends a tag's files somewhere other than the default directory.
type Route struct {
	Dir string
	// RemotePrefix is the object storage prefix of the zipped files.
	RemotePrefix string
	// NoTicker names files "<date>_<tag>.csv".
	NoTicker bool
}

type buffer struct {
	header []string
	rows   [][]string
}

// State owns the data buffers of one strategy.
type State struct {
	ticker string
	def    Route
	store  storage.ObjectStorage
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	routes map[string]Route
	bufs   map[string]*buffer
}

// New creates a persister writing to dir. store may be nil to disable mirroring.
func New(dir, remotePrefix, ticker string, store storage.ObjectStorage, logger *zap.Logger) *State {
	return &State{
		ticker: ticker,
		def:    Route{Dir: dir, RemotePrefix: remotePrefix},
		store:  store,
		logger: logger.Named("persist"),
		now:    time.Now,
		routes: make(map[string]Route),
		bufs:   make(map[string]*buffer),
	}
}

// Route overrides where tag is written.
func (s *State) Route(tag string, r Route) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[tag] = r
}

func (s *State) route(tag string) Route {
	if r, ok := s.routes[tag]; ok {
		return r
	}
	return s.def
}

// Append adds rows to the buffer of tag. The header is used when the file is created.
func (s *State) Append(tag string, header []string, rows ...[]string) {
	if len(rows) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bufs[tag]
	if !ok {
		b = &buffer{header: header}
		s.bufs[tag] = b
	}
	b.rows = append(b.rows, rows...)
}

// AppendFrame adds the rows of f under a "datetime,<columns>" header.
func (s *State) AppendFrame(tag string, f *table.Frame) {
	if f.Empty() {
		return
	}
	var sb strings.Builder
	if err := f.WriteCSV(&sb, false); err != nil {
		s.logger.Warn("Failed to encode frame", zap.String("tag", tag), zap.Error(err))
		return
	}
	rows, err := csv.NewReader(strings.NewReader(sb.String())).ReadAll()
	if err != nil {
		s.logger.Warn("Failed to encode frame", zap.String("tag", tag), zap.Error(err))
		return
	}
	s.Append(tag, append([]string{"datetime"}, f.Columns...), rows...)
}

// Buffered returns the number of rows waiting for the next flush.
func (s *State) Buffered(tag string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bufs[tag]; ok {
		return len(b.rows)
	}
	return 0
}

// FileName is "<YYYY-MM-DD>_<ticker>_<tag>.csv", or "<YYYY-MM-DD>_<tag>.csv" without ticker.
func FileName(date time.Time, ticker, tag string) string {
	if ticker == "" {
		return fmt.Sprintf("%s_%s.csv", date.UTC().Format(dateLayout), tag)
	}
	return fmt.Sprintf("%s_%s_%s.csv", date.UTC().Format(dateLayout), ticker, tag)
}

// Flush appends every non-empty buffer to its day file, mirrors it and purges
// older days. Failures of one tag do not stop the others.
func (s *State) Flush(ctx context.Context) error {
	now := s.now()
	s.mu.Lock()
	type job struct {
		tag   string
		route Route
		buf   *buffer
	}
	var jobs []job
	for tag, b := range s.bufs {
		if len(b.rows) == 0 {
			continue
		}
		jobs = append(jobs, job{tag, s.route(tag), b})
		s.bufs[tag] = &buffer{header: b.header}
	}
	s.mu.Unlock()
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].tag < jobs[j].tag })

	var errs error
	for _, j := range jobs {
		ticker := s.ticker
		if j.route.NoTicker {
			ticker = ""
		}
		name := FileName(now, ticker, j.tag)
		path := filepath.Join(j.route.Dir, name)
		if err := appendCSV(path, j.buf.header, j.buf.rows); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("tag %s: %w", j.tag, err))
			continue
		}
		s.logger.Debug("Flushed", zap.String("file", path), zap.Int("rows", len(j.buf.rows)))
		if s.store == nil {
			continue
		}
		if err := s.mirror(ctx, path, j.route.RemotePrefix); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("tag %s: %w", j.tag, err))
			continue
		}
		suffix := "_" + j.tag + ".csv"
		if ticker != "" {
			suffix = "_" + ticker + suffix
		}
		errs = multierr.Append(errs, purgeOlder(j.route.Dir, suffix, now.UTC().Format(dateLayout)))
	}
	return errs
}

// mirror zips path next to itself, uploads the zip and removes it.
func (s *State) mirror(ctx context.Context, path, remotePrefix string) error {
	zipPath := path + ".zip"
	if err := zipFile(path, zipPath); err != nil {
		return fmt.Errorf("failed to zip %s: %w", path, err)
	}
	defer os.Remove(zipPath)
	key := filepath.Base(zipPath)
	if p := strings.Trim(remotePrefix, "/"); p != "" {
		key = p + "/" + key
	}
	return s.store.Upload(ctx, zipPath, key)
}

// Run flushes every interval until ctx is done, then flushes once more.
func (s *State) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// ctx is gone; the final flush gets a fresh deadline for uploads
			flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := s.Flush(flushCtx); err != nil {
				s.logger.Error("Final flush failed", zap.Error(err))
			}
			cancel()
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				s.logger.Error("Flush failed", zap.Error(err))
			}
		}
	}
}

func appendCSV(path string, header []string, rows [][]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	_, statErr := os.Stat(path)
	created := os.IsNotExist(statErr)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if created && len(header) > 0 {
		if err := w.Write(header); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func zipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(out)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: filepath.Base(src), Method: zip.Deflate})
	if err == nil {
		_, err = io.Copy(w, in)
	}
	if err == nil {
		err = zw.Close()
	}
	return multierr.Append(err, out.Close())
}

// purgeOlder removes files ending in suffix whose date prefix is before newest.
func purgeOlder(dir, suffix, newest string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var errs error
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, suffix) || len(name) < len(dateLayout) {
			continue
		}
		if name[:len(dateLayout)] < newest {
			errs = multierr.Append(errs, os.Remove(filepath.Join(dir, name)))
		}
	}
	return errs
}
