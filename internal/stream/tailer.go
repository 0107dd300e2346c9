package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/justin4957/logflow-filterd/internal/logger"
	"github.com/sirupsen/logrus"
)

// pollInterval is the fallback read interval for missed fsnotify events
const pollInterval = 100 * time.Millisecond

// Tailer follows a file from its current end, surviving truncation and
// rotation
type Tailer struct {
	path       string
	fromStart  bool
	watcher    *fsnotify.Watcher
	file       *os.File
	reader     *bufio.Reader
	out        chan Delivery
	stopCh     chan struct{}
	stopOnce   sync.Once
	offset     int64
	incomplete string
	mu         sync.Mutex
	log        *logrus.Entry
}

// NewTailer creates a tailer for path
func NewTailer(path string) *Tailer {
	return &Tailer{
		path:   path,
		out:    make(chan Delivery, 100),
		stopCh: make(chan struct{}),
		log:    logger.WithComponent("tailer").WithField("path", path),
	}
}

// FromStart makes the tailer read existing content before following
func (t *Tailer) FromStart() *Tailer {
	t.fromStart = true
	return t
}

// Start opens the file and begins following it
func (t *Tailer) Start(ctx context.Context) (<-chan Delivery, error) {
	file, err := os.Open(t.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	var offset int64
	if !t.fromStart {
		offset, err = file.Seek(0, io.SeekEnd)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to seek file: %w", err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(t.path); err != nil {
		watcher.Close()
		file.Close()
		return nil, fmt.Errorf("failed to watch file: %w", err)
	}

	t.mu.Lock()
	t.file = file
	t.offset = offset
	t.reader = bufio.NewReader(file)
	t.watcher = watcher
	t.mu.Unlock()

	t.log.Info("Started tailing file")
	go t.tailLoop(ctx)

	return t.out, nil
}

func (t *Tailer) tailLoop(ctx context.Context) {
	defer func() {
		close(t.out)
		t.log.Debug("Tailer loop stopped")
	}()

	t.mu.Lock()
	watcher := t.watcher
	t.mu.Unlock()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	t.readNewLines(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			switch {
			case event.Has(fsnotify.Write):
				t.readNewLines(ctx)
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				t.log.WithField("op", event.Op.String()).Info("File rotated")
				t.handleRotation(ctx)
			case event.Has(fsnotify.Create):
				if event.Name == t.path {
					t.reopen()
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			t.log.WithError(err).Warn("Watcher error")

		case <-ticker.C:
			t.readNewLines(ctx)
		}
	}
}

// readNewLines sends every complete line appended since the last read
func (t *Tailer) readNewLines(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file == nil {
		return
	}

	info, err := t.file.Stat()
	if err != nil {
		t.log.WithError(err).Warn("Failed to stat file")
		return
	}
	if info.Size() < t.offset {
		t.log.Info("File truncated, reading from the beginning")
		if _, err := t.file.Seek(0, io.SeekStart); err != nil {
			t.log.WithError(err).Error("Failed to rewind file")
			return
		}
		t.offset = 0
		t.reader = bufio.NewReader(t.file)
		t.incomplete = ""
	}

	for {
		chunk, err := t.reader.ReadString('\n')
		t.offset += int64(len(chunk))
		if err != nil {
			if err != io.EOF {
				t.log.WithError(err).Error("Failed to read file")
			}
			t.incomplete += chunk
			return
		}

		line := strings.TrimRight(t.incomplete+chunk, "\r\n")
		t.incomplete = ""
		if line == "" {
			continue
		}

		select {
		case t.out <- NewDelivery(line, time.Now(), nil):
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		}
	}
}

func (t *Tailer) handleRotation(ctx context.Context) {
	// give the writer a moment to create the replacement file
	select {
	case <-time.After(pollInterval):
	case <-ctx.Done():
		return
	}
	t.readNewLines(ctx)
	t.reopen()
	t.mu.Lock()
	watcher := t.watcher
	t.mu.Unlock()
	if watcher != nil {
		if err := watcher.Add(t.path); err != nil {
			t.log.WithError(err).Warn("Failed to re-watch rotated file")
		}
	}
}

// reopen switches to the file currently at path
func (t *Tailer) reopen() {
	t.mu.Lock()
	defer t.mu.Unlock()

	file, err := os.Open(t.path)
	if err != nil {
		t.log.WithError(err).Warn("Failed to reopen file")
		return
	}
	if t.file != nil {
		t.file.Close()
	}

	t.file = file
	t.offset = 0
	t.reader = bufio.NewReader(file)
	t.incomplete = ""
	t.log.Info("Reopened file")
}

// Stop stops the tailer and releases the file
func (t *Tailer) Stop() error {
	t.stopOnce.Do(func() { close(t.stopCh) })

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.watcher != nil {
		if err := t.watcher.Close(); err != nil {
			t.log.WithError(err).Warn("Error closing watcher")
		}
		t.watcher = nil
	}
	if t.file != nil {
		if err := t.file.Close(); err != nil {
			t.log.WithError(err).Warn("Error closing file")
		}
		t.file = nil
	}
	return nil
}
