package recorder

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Recorder writes every adapter exchange to CSV files with automatic rotation.
type Recorder struct {
	mu      sync.Mutex
	dir     string
	maxRows int
	enabled bool
	log     *zap.Logger

	file   *os.File
	writer *csv.Writer
	rows   int
	opened []string
}

// Config holds recorder configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	MaxRows int    `yaml:"max_rows" json:"maxRows"`
}

const (
	defaultDir     = "/var/log/elmbridge"
	defaultMaxRows = 100_000
)

var csvHeader = []string{"timestamp", "sent", "response", "elapsed_ms", "outcome"}

// New creates a Recorder. Nothing touches the disk until the first record.
func New(cfg Config, log *zap.Logger) *Recorder {
	if cfg.Path == "" {
		cfg.Path = defaultDir
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{
		dir:     cfg.Path,
		maxRows: cfg.MaxRows,
		enabled: cfg.Enabled,
		log:     log.Named("recorder"),
	}
}

// SetEnabled toggles recording at runtime.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
	if !on {
		r.closeFile()
	}
}

// IsEnabled returns whether recording is active.
func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Record appends one exchange. CR and LF in the response are kept; the CSV
// writer quotes them.
func (r *Recorder) Record(sent, response string, started time.Time, elapsed time.Duration, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return
	}

	if r.writer == nil || r.rows >= r.maxRows {
		if err := r.rotateFile(started); err != nil {
			r.log.Warn("rotate failed", zap.Error(err))
			return
		}
	}

	row := []string{
		started.Format(time.RFC3339Nano),
		sent,
		response,
		strconv.FormatFloat(float64(elapsed)/float64(time.Millisecond), 'f', 1, 64),
		outcome,
	}
	if err := r.writer.Write(row); err != nil {
		r.log.Warn("write failed", zap.Error(err))
		return
	}
	r.writer.Flush()
	r.rows++
}

// Files lists the files opened so far, oldest first.
func (r *Recorder) Files() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.opened...)
}

// Close flushes and closes the current file.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFile()
}

func (r *Recorder) rotateFile(now time.Time) error {
	r.closeFile()

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", r.dir, err)
	}

	// Sequence suffix keeps names unique when rotating within one second.
	name := fmt.Sprintf("elm_%s_%03d.csv", now.Format("2006-01-02_150405"), len(r.opened))
	path := filepath.Join(r.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	r.file = f
	r.writer = csv.NewWriter(f)
	r.rows = 0
	r.opened = append(r.opened, path)

	if err := r.writer.Write(csvHeader); err != nil {
		return err
	}
	r.writer.Flush()

	r.log.Info("opened exchange log", zap.String("path", path))
	return nil
}

func (r *Recorder) closeFile() {
	if r.writer != nil {
		r.writer.Flush()
		r.writer = nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}
