// Package command defines the remote-command surface the engine can
// optionally poll. The core composes with any CommandSource or none;
// authorization is the source's concern.
package command

import (
	"context"
	"errors"
)

// Kind enumerates the supported remote commands.
type Kind string

const (
	KindStatus    Kind = "status"
	KindPositions Kind = "positions"
	KindFactors   Kind = "factors"
	KindClose     Kind = "close"
	KindStop      Kind = "stop"
)

// Command is one remote instruction. Coin is set for KindClose.
type Command struct {
	Kind Kind
	Coin string

	// Reply receives the textual response for query commands. May be nil.
	Reply chan<- string
}

// ErrClosed reports a source that will produce no further commands.
var ErrClosed = errors.New("command: source closed")

// Source yields remote commands. Next blocks until a command arrives,
// the context is canceled, or the source closes.
type Source interface {
	Next(ctx context.Context) (Command, error)
}

// ChanSource is a Source backed by a buffered channel; the HTTP surface
// and tests feed it.
type ChanSource struct {
	ch chan Command
}

// NewChanSource creates a channel-backed source.
func NewChanSource(buffer int) *ChanSource {
	return &ChanSource{ch: make(chan Command, buffer)}
}

// Submit queues a command, reporting false when the buffer is full.
func (s *ChanSource) Submit(cmd Command) bool {
	select {
	case s.ch <- cmd:
		return true
	default:
		return false
	}
}

// Next implements Source.
func (s *ChanSource) Next(ctx context.Context) (Command, error) {
	select {
	case <-ctx.Done():
		return Command{}, ctx.Err()
	case cmd, ok := <-s.ch:
		if !ok {
			return Command{}, ErrClosed
		}
		return cmd, nil
	}
}
