// Package stream provides the line sources feeding the engine: stdin or any
// reader, a followed file, and a kafka consumer group.
package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/justin4957/logflow-filterd/internal/config"
	"github.com/justin4957/logflow-filterd/internal/logger"
)

// maxScanLine bounds a single line read from a reader source
const maxScanLine = 1024 * 1024

// Delivery is one raw line handed to the engine. Ack must be called once
// the line and everything derived from it has been dispatched; sources
// with at-least-once semantics commit their position there.
type Delivery struct {
	Line     string
	Received time.Time
	ack      func()
}

// NewDelivery builds a delivery; ack may be nil
func NewDelivery(line string, received time.Time, ack func()) Delivery {
	return Delivery{Line: line, Received: received, ack: ack}
}

// Ack acknowledges the delivery to its source
func (d Delivery) Ack() {
	if d.ack != nil {
		d.ack()
	}
}

// Source produces deliveries until ctx is cancelled or the input ends, then
// closes the channel
type Source interface {
	Start(ctx context.Context) (<-chan Delivery, error)
	Stop() error
}

// New builds the source selected by cfg
func New(cfg config.SourceConfig) (Source, error) {
	switch cfg.Type {
	case "stdin", "":
		return NewReaderSource(os.Stdin), nil
	case "file":
		return NewTailer(cfg.Path), nil
	case "kafka":
		return NewKafkaSource(cfg.Kafka)
	default:
		return nil, fmt.Errorf("unknown source type %q", cfg.Type)
	}
}

// ReaderSource reads newline-delimited lines from r until EOF
type ReaderSource struct {
	r      io.Reader
	buffer int
}

func NewReaderSource(r io.Reader) *ReaderSource {
	return &ReaderSource{r: r, buffer: 100}
}

func (s *ReaderSource) Start(ctx context.Context) (<-chan Delivery, error) {
	out := make(chan Delivery, s.buffer)
	log := logger.WithComponent("reader-source")

	go func() {
		defer close(out)

		scanner := bufio.NewScanner(s.r)
		scanner.Buffer(make([]byte, 64*1024), maxScanLine)
		for scanner.Scan() {
			select {
			case out <- NewDelivery(scanner.Text(), time.Now(), nil):
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.WithError(err).Error("Failed to read input")
			return
		}
		log.Info("Input exhausted")
	}()

	return out, nil
}

func (s *ReaderSource) Stop() error {
	if c, ok := s.r.(io.Closer); ok && s.r != os.Stdin {
		return c.Close()
	}
	return nil
}
