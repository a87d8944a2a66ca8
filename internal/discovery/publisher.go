package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/log"
)

// ErrSinkClosed wraps the failure of a sink to accept an event
var ErrSinkClosed = errors.New("event sink closed")

// Sink receives published events. A Send error means the consumer is gone.
type Sink interface {
	Send(Event) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(Event) error

func (f SinkFunc) Send(ev Event) error { return f(ev) }

// LineSink writes events as newline-delimited JSON, flushing after each one
type LineSink struct {
	enc   *json.Encoder
	flush func()
}

// NewLineSink creates a LineSink. flush may be nil.
func NewLineSink(w io.Writer, flush func()) *LineSink {
	return &LineSink{enc: json.NewEncoder(w), flush: flush}
}

func (s *LineSink) Send(ev Event) error {
	if err := s.enc.Encode(ev); err != nil {
		return err
	}
	if s.flush != nil {
		s.flush()
	}
	return nil
}

// Publisher streams scans to sinks
type Publisher struct {
	pipeline *Pipeline
	logger   *log.Logger
}

// NewPublisher creates a Publisher over pipeline
func NewPublisher(pipeline *Pipeline, logger *log.Logger) *Publisher {
	if logger == nil {
		logger = log.Default().WithPrefix("publisher")
	}
	return &Publisher{pipeline: pipeline, logger: logger}
}

// Publish sends connected, then the events of one scan. It returns as soon
// as the sink fails, cancelling the scan so nothing further is produced, or
// when ctx is done.
func (p *Publisher) Publish(ctx context.Context, sink Sink) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := sink.Send(connectedEvent()); err != nil {
		return fmt.Errorf("%w: %v", ErrSinkClosed, err)
	}

	sent := 0
	for ev := range p.pipeline.Events(ctx) {
		if err := sink.Send(ev); err != nil {
			cancel()
			p.logger.Debug("consumer disconnected", "sent", sent, "err", err)
			return fmt.Errorf("%w: %v", ErrSinkClosed, err)
		}
		sent++
	}
	return ctx.Err()
}
