// Package journal writes a compressed per-tick log of published snapshots.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"taskyard/internal/domain"
)

// TickLog appends snapshots as JSON lines to hourly zstd files under dir.
// Only every Nth tick is written when every > 1.
type TickLog struct {
	dir   string
	every uint64
	now   func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewTickLog(dir string, every int) *TickLog {
	if every < 1 {
		every = 1
	}
	return &TickLog{
		dir:   dir,
		every: uint64(every),
		now:   time.Now,
	}
}

// Record implements sim.Recorder.
func (l *TickLog) Record(snap *domain.Snapshot) error {
	if snap == nil || snap.Tick%l.every != 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	hour := l.now().UTC().Format("2006-01-02-15")
	if hour != l.curHour || l.w == nil {
		if err := l.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if _, err := l.w.Write(b); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return l.w.Flush()
}

func (l *TickLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeLocked()
}

func (l *TickLog) rotateLocked(hour string) error {
	if err := l.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("create tick log dir: %w", err)
	}
	f, err := os.OpenFile(l.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open tick log: %w", err)
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("create zstd encoder: %w", err)
	}
	l.f = f
	l.enc = enc
	l.w = bufio.NewWriterSize(enc, 64*1024)
	l.curHour = hour
	return nil
}

func (l *TickLog) closeLocked() error {
	var err error
	if l.w != nil {
		_ = l.w.Flush()
	}
	if l.enc != nil {
		err = l.enc.Close()
		l.enc = nil
	}
	if l.f != nil {
		_ = l.f.Close()
		l.f = nil
	}
	l.w = nil
	return err
}

func (l *TickLog) pathForHour(hour string) string {
	return filepath.Join(l.dir, fmt.Sprintf("ticks-%s.jsonl.zst", hour))
}

// ReadSnapshots decodes every snapshot in one tick log file.
func ReadSnapshots(path string) ([]domain.Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tick log: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()

	var out []domain.Snapshot
	jd := json.NewDecoder(dec)
	for {
		var snap domain.Snapshot
		if err := jd.Decode(&snap); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return out, fmt.Errorf("decode snapshot: %w", err)
		}
		out = append(out, snap)
	}
}
