// Package transcript archives completed exchanges as zstd-compressed JSON
// lines, one file per channel per day.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Entry is one completed exchange.
type Entry struct {
	ExchangeID string    `json:"exchangeId"`
	ChannelID  string    `json:"channelId"`
	Workspace  string    `json:"workspace"`
	Prompt     string    `json:"prompt"`
	Reply      string    `json:"reply"`
	Outcome    string    `json:"outcome"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Outcome values recorded in entries.
const (
	OutcomeComplete = "complete"
	OutcomeTimeout  = "timeout"
	OutcomeQuota    = "quotaReached"
)

// Writer appends entries under dir, one file per channel per day.
type Writer struct {
	dir    string
	logger *slog.Logger

	mu sync.Mutex
}

func NewWriter(dir string, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		dir:    dir,
		logger: logger.With("component", "transcript"),
	}
}

// Append records one entry. Every entry is written as its own zstd frame so
// the file grows by plain appends; frames concatenate into a single stream
// on read.
func (w *Writer) Append(e Entry) error {
	when := e.FinishedAt
	if when.IsZero() {
		when = time.Now()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	dir := filepath.Join(w.dir, sanitizeName(e.ChannelID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create transcript dir: %w", err)
	}
	path := filepath.Join(dir, when.UTC().Format("2006-01-02")+".jsonl.zst")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return fmt.Errorf("create zstd encoder: %w", err)
	}

	line, err := json.Marshal(e)
	if err != nil {
		zw.Close()
		return fmt.Errorf("marshal entry: %w", err)
	}
	line = append(line, '\n')
	if _, err := zw.Write(line); err != nil {
		zw.Close()
		return fmt.Errorf("write entry: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("flush entry: %w", err)
	}

	w.logger.Debug("transcript entry written", "channel", e.ChannelID, "exchange", e.ExchangeID)
	return nil
}

// Read loads every entry from one transcript file.
func Read(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer zr.Close()

	var entries []Entry
	scanner := bufio.NewScanner(zr)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	return entries, nil
}

// sanitizeName keeps channel-derived path segments free of separators.
func sanitizeName(name string) string {
	if name == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
