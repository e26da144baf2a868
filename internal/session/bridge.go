package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DefaultReadSize is the sandbox output chunk size when Bridge.ReadSize is unset.
const DefaultReadSize = 1024

// Direction identifies which half of the bridge a relay serves.
type Direction int

const (
	// DirectionInbound relays client messages into the sandbox.
	DirectionInbound Direction = iota
	// DirectionOutbound relays sandbox output to the client.
	DirectionOutbound
)

func (d Direction) String() string {
	switch d {
	case DirectionInbound:
		return "inbound"
	case DirectionOutbound:
		return "outbound"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// OutcomeKind classifies how a bridged session ended.
type OutcomeKind int

const (
	// EndOfStream means the sandbox process closed its output.
	EndOfStream OutcomeKind = iota
	// Disconnected means the client went away or stopped accepting messages.
	Disconnected
	// StreamError means the command channel failed mid-session.
	StreamError
	// Unexpected covers recovered panics and anything unclassified.
	Unexpected
)

func (k OutcomeKind) String() string {
	switch k {
	case EndOfStream:
		return "end_of_stream"
	case Disconnected:
		return "disconnected"
	case StreamError:
		return "stream_error"
	case Unexpected:
		return "unexpected"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome describes how the first relay direction to finish ended.
type Outcome struct {
	Direction Direction
	Kind      OutcomeKind
	Err       error
}

// Failed reports whether the session should end with an internal-error
// close.
func (o Outcome) Failed() bool {
	return o.Kind == Unexpected
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

// Bridge relays bytes between a client connection and a command channel
// until either side finishes.
type Bridge struct {
	// ReadSize caps each read from the command channel. Zero means
	// DefaultReadSize.
	ReadSize int
	Logger   *log.Logger
}

type readResult struct {
	text string
	err  error
}

// Run starts both relay directions and blocks until they and the channel
// reader have exited. The first direction to finish decides the outcome,
// cancels the other and closes channel.
func (b *Bridge) Run(ctx context.Context, conn Connection, channel io.ReadWriteCloser) Outcome {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		once    sync.Once
		outcome Outcome
		wg      sync.WaitGroup
	)
	finish := func(o Outcome) {
		once.Do(func() {
			outcome = o
			cancel()
			if err := channel.Close(); err != nil {
				b.logger().Debug("close command channel", "error", err)
			}
		})
	}

	chunks := make(chan readResult)

	wg.Add(3)
	go func() {
		defer wg.Done()
		b.readLoop(ctx, channel, chunks)
	}()
	go b.runTask(DirectionInbound, &wg, finish, func() Outcome {
		return b.inbound(ctx, conn, channel)
	})
	go b.runTask(DirectionOutbound, &wg, finish, func() Outcome {
		return b.outbound(ctx, conn, chunks)
	})
	wg.Wait()

	b.logger().Debug("bridge finished",
		"direction", outcome.Direction,
		"outcome", outcome.Kind,
		"error", outcome.Err,
	)
	return outcome
}

func (b *Bridge) runTask(dir Direction, wg *sync.WaitGroup, finish func(Outcome), task func() Outcome) {
	defer wg.Done()
	defer func() {
		if r := recover(); r != nil {
			finish(Outcome{Direction: dir, Kind: Unexpected, Err: &panicError{value: r}})
		}
	}()

	o := task()
	o.Direction = dir
	finish(o)
}

func (b *Bridge) inbound(ctx context.Context, conn Connection, channel io.Writer) Outcome {
	for conn.Connected() {
		msg, err := conn.Receive(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Outcome{Kind: Disconnected, Err: ctxErr}
			}
			return Outcome{Kind: Disconnected, Err: err}
		}
		if _, err := io.WriteString(channel, msg); err != nil {
			return Outcome{Kind: StreamError, Err: fmt.Errorf("write command channel: %w", err)}
		}
	}
	return Outcome{Kind: Disconnected, Err: ErrDisconnected}
}

func (b *Bridge) outbound(ctx context.Context, conn Connection, chunks <-chan readResult) Outcome {
	for {
		select {
		case <-ctx.Done():
			return Outcome{Kind: Disconnected, Err: ctx.Err()}
		case res, ok := <-chunks:
			if !ok {
				return Outcome{Kind: EndOfStream, Err: io.EOF}
			}
			if res.err != nil {
				var perr *panicError
				switch {
				case errors.As(res.err, &perr):
					return Outcome{Kind: Unexpected, Err: res.err}
				case errors.Is(res.err, io.EOF):
					return Outcome{Kind: EndOfStream, Err: res.err}
				default:
					return Outcome{Kind: StreamError, Err: fmt.Errorf("read command channel: %w", res.err)}
				}
			}
			if err := conn.Send(res.text); err != nil {
				return Outcome{Kind: Disconnected, Err: err}
			}
		}
	}
}

// readLoop owns the blocking reads on the command channel. Output is decoded
// as UTF-8 with invalid sequences replaced by U+FFFD; a rune split across two
// reads is held back until it is complete.
func (b *Bridge) readLoop(ctx context.Context, channel io.Reader, out chan<- readResult) {
	deliver := func(res readResult) bool {
		select {
		case out <- res:
			return true
		case <-ctx.Done():
			return false
		}
	}
	defer close(out)
	defer func() {
		if r := recover(); r != nil {
			deliver(readResult{err: &panicError{value: r}})
		}
	}()

	size := b.readSize()
	decoded := transform.NewReader(chunkReader{r: channel, max: size}, unicode.UTF8.NewDecoder())
	buf := make([]byte, size)
	for {
		n, err := decoded.Read(buf)
		if n > 0 && !deliver(readResult{text: string(buf[:n])}) {
			return
		}
		if err != nil {
			deliver(readResult{err: err})
			return
		}
	}
}

func (b *Bridge) readSize() int {
	if b.ReadSize > 0 {
		return b.ReadSize
	}
	return DefaultReadSize
}

func (b *Bridge) logger() *log.Logger {
	if b.Logger == nil {
		return discardLogger
	}
	return b.Logger
}

var discardLogger = log.New(io.Discard)

// chunkReader caps every read from r at max bytes.
type chunkReader struct {
	r   io.Reader
	max int
}

func (c chunkReader) Read(p []byte) (int, error) {
	if len(p) > c.max {
		p = p[:c.max]
	}
	return c.r.Read(p)
}
