package wal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	segmentPrefix = "segment-"
	segmentSuffix = ".log"
	filePerm      = 0644
)

// ErrWALFull is returned when a write would push the WAL past its disk cap.
var ErrWALFull = errors.New("WAL max total size exceeded")

// WALRepository is a segmented, file-based write-ahead log of raw SBS lines
// that could not be published. Each record is one JSON string per line.
type WALRepository struct {
	dir            string
	maxSegmentSize int64
	maxTotalSize   int64
	logger         *slog.Logger

	mu             sync.Mutex
	currentSegment *os.File
	currentSize    int64
	closedSize     int64 // bytes held by segments other than the current one
}

// NewWALRepository opens (or creates) the WAL in dir and appends to its latest segment.
func NewWALRepository(dir string, maxSegmentSize, maxTotalSize int64, logger *slog.Logger) (*WALRepository, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory %s: %w", dir, err)
	}

	w := &WALRepository{
		dir:            dir,
		maxSegmentSize: maxSegmentSize,
		maxTotalSize:   maxTotalSize,
		logger:         logger.With("component", "wal_repository"),
	}

	if err := w.openLatestSegment(); err != nil {
		return nil, err
	}

	return w, nil
}

// Write appends a line to the current WAL segment, rotating when the segment is full.
func (w *WALRepository) Write(ctx context.Context, line string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("failed to encode line for WAL: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentSegment == nil {
		if err := w.rotate(); err != nil {
			return err
		}
	}

	total := w.closedSize + w.currentSize
	if total+int64(len(data)) > w.maxTotalSize {
		return fmt.Errorf("%w (%d > %d)", ErrWALFull, total+int64(len(data)), w.maxTotalSize)
	}

	n, err := w.currentSegment.Write(data)
	w.currentSize += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write to WAL segment: %w", err)
	}

	if w.currentSize >= w.maxSegmentSize {
		if err := w.rotate(); err != nil {
			w.logger.Error("Failed to rotate WAL segment", "error", err)
		}
	}

	return nil
}

// Drain replays every line and, only if all of them were handled, removes the
// segments. Writers are blocked for the duration so no line can slip in
// between the replay and the truncation.
func (w *WALRepository) Drain(ctx context.Context, handler func(line string) error) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.replayLocked(ctx, handler)
	if err != nil {
		return n, err
	}
	if n == 0 && w.closedSize == 0 {
		return 0, w.openLatestSegment()
	}
	return n, w.truncateLocked()
}

func (w *WALRepository) replayLocked(ctx context.Context, handler func(line string) error) (int, error) {
	if err := w.closeCurrent(); err != nil {
		w.logger.Error("Failed to close WAL segment before replay", "error", err)
	}

	segments, err := w.segments()
	if err != nil {
		return 0, err
	}

	if len(segments) == 0 {
		w.logger.Info("WAL is empty, nothing to replay")
		return 0, nil
	}
	w.logger.Info("Starting WAL replay", "segment_count", len(segments))

	replayed := 0
	for _, path := range segments {
		n, err := replaySegment(ctx, path, handler, w.logger)
		replayed += n
		if err != nil {
			return replayed, err
		}
	}

	w.logger.Info("WAL replay completed", "lines", replayed)
	return replayed, nil
}

func replaySegment(ctx context.Context, path string, handler func(line string) error, logger *slog.Logger) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open segment %s for replay: %w", path, err)
	}
	defer file.Close()

	count := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		var line string
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			logger.Warn("Failed to decode line from WAL, skipping", "error", err, "segment", path)
			continue
		}
		if err := handler(line); err != nil {
			logger.Error("WAL replay handler failed, stopping replay", "error", err)
			return count, fmt.Errorf("replay handler failed: %w", err)
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("error scanning segment %s: %w", path, err)
	}
	return count, nil
}

func (w *WALRepository) truncateLocked() error {
	if err := w.closeCurrent(); err != nil {
		w.logger.Error("Failed to close WAL segment before truncate", "error", err)
	}

	segments, err := w.segments()
	if err != nil {
		return err
	}

	for _, path := range segments {
		if err := os.Remove(path); err != nil {
			w.logger.Error("Failed to remove WAL segment", "path", path, "error", err)
		}
	}

	w.closedSize = 0
	w.logger.Info("WAL truncated", "segments", len(segments))
	return w.openLatestSegment()
}

// Size returns the number of bytes currently held by the WAL.
func (w *WALRepository) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closedSize + w.currentSize
}

// Close syncs and closes the current segment.
func (w *WALRepository) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeCurrent()
}

func (w *WALRepository) closeCurrent() error {
	if w.currentSegment == nil {
		return nil
	}
	f := w.currentSegment
	w.currentSegment = nil
	w.closedSize += w.currentSize
	w.currentSize = 0
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (w *WALRepository) rotate() error {
	if err := w.closeCurrent(); err != nil {
		w.logger.Error("Failed to close WAL segment before rotating", "error", err)
	}

	name := fmt.Sprintf("%s%020d%s", segmentPrefix, time.Now().UnixNano(), segmentSuffix)
	path := filepath.Join(w.dir, name)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to create new WAL segment %s: %w", path, err)
	}

	w.currentSegment = f
	w.currentSize = 0
	w.logger.Debug("Rotated to new WAL segment", "path", path)
	return nil
}

// openLatestSegment reopens the newest segment for appending and recomputes
// the size of the older ones.
func (w *WALRepository) openLatestSegment() error {
	segments, err := w.segments()
	if err != nil {
		return err
	}

	w.closedSize = 0
	if len(segments) == 0 {
		return w.rotate()
	}

	for _, path := range segments[:len(segments)-1] {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("failed to stat segment %s: %w", path, err)
		}
		w.closedSize += info.Size()
	}

	latest := segments[len(segments)-1]
	info, err := os.Stat(latest)
	if err != nil {
		return fmt.Errorf("failed to stat latest segment %s: %w", latest, err)
	}

	f, err := os.OpenFile(latest, os.O_APPEND|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to open latest segment %s: %w", latest, err)
	}

	w.currentSegment = f
	w.currentSize = info.Size()
	w.logger.Info("Opened existing WAL segment", "path", latest, "size", w.currentSize)

	if w.currentSize >= w.maxSegmentSize {
		return w.rotate()
	}
	return nil
}

func (w *WALRepository) segments() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read WAL directory: %w", err)
	}

	var segments []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() && strings.HasPrefix(name, segmentPrefix) && strings.HasSuffix(name, segmentSuffix) {
			segments = append(segments, filepath.Join(w.dir, name))
		}
	}
	sort.Strings(segments)
	return segments, nil
}
