// Package archive streams text lines out of the first entry of a zip
// archive read from a non-seekable source.
package archive

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

const (
	// DefaultBuffer is the capacity of the decoded line channel.
	DefaultBuffer = 128

	readBufferSize = 64 * 1024
)

// ErrInvalidUTF8 is delivered when a line does not decode as UTF-8.
var ErrInvalidUTF8 = errors.New("line is not valid UTF-8")

// Line is one decoded line including its trailing newline, or a terminal
// error.
type Line struct {
	Text string
	Err  error
}

type options struct {
	stride  int
	leading int
	buffer  int
}

// Option configures a LineReader.
type Option func(*options)

// WithStride forwards only every n-th counted line. Values below 1 mean 1.
func WithStride(n int) Option {
	return func(o *options) { o.stride = n }
}

// WithLeading forwards the first k lines unconditionally; stride counting
// starts after them.
func WithLeading(k int) Option {
	return func(o *options) { o.leading = k }
}

// WithBuffer sets the line channel capacity.
func WithBuffer(n int) Option {
	return func(o *options) { o.buffer = n }
}

// LineReader produces lines from a single producer goroutine that owns the
// decompressor and the underlying source.
type LineReader struct {
	lines  chan Line
	cancel context.CancelFunc
	done   chan struct{}
	name   string
}

// Open reads the archive header from r and starts decoding its first entry.
// It returns once the entry is open; header failures are returned here and
// never reach the line channel.
//
// If ctx ends while the header is still being read, Open closes r when it is
// an io.Closer and waits for the producer to exit. A plain io.Reader cannot
// be interrupted: its producer exits once the read returns.
func Open(ctx context.Context, r io.Reader, opts ...Option) (*LineReader, error) {
	o := options{stride: 1, buffer: DefaultBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	if o.stride < 1 {
		o.stride = 1
	}
	if o.leading < 0 {
		o.leading = 0
	}
	if o.buffer < 1 {
		o.buffer = DefaultBuffer
	}

	ctx, cancel := context.WithCancel(ctx)
	lr := &LineReader{
		lines:  make(chan Line, o.buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	ready := make(chan error, 1)
	go lr.produce(ctx, r, o, ready)

	select {
	case err := <-ready:
		if err != nil {
			cancel()
			<-lr.done
			return nil, err
		}
		return lr, nil
	case <-ctx.Done():
		cancel()
		if c, ok := r.(io.Closer); ok {
			_ = c.Close()
			<-lr.done
		}
		return nil, ctx.Err()
	}
}

// Lines returns the channel of decoded lines. It is closed when the entry
// is exhausted, after a terminal error, or after Close.
func (lr *LineReader) Lines() <-chan Line {
	return lr.lines
}

// Name is the file name of the entry being read.
func (lr *LineReader) Name() string {
	return lr.name
}

// Close stops the producer. It returns without waiting for the producer,
// which exits at its next send; Done reports when it has.
func (lr *LineReader) Close() error {
	lr.cancel()
	return nil
}

// Done is closed once the producer goroutine has exited.
func (lr *LineReader) Done() <-chan struct{} {
	return lr.done
}

func (lr *LineReader) produce(ctx context.Context, r io.Reader, o options, ready chan<- error) {
	defer close(lr.done)
	defer close(lr.lines)

	br := bufio.NewReaderSize(r, readBufferSize)
	e, err := readEntry(br)
	if err != nil {
		ready <- err
		return
	}
	dec, err := e.decoder(br)
	if err != nil {
		ready <- err
		return
	}
	defer dec.Close()
	lr.name = e.name
	ready <- nil

	text := bufio.NewReaderSize(dec, readBufferSize)
	first, counted := true, 0
	retried := false

	for {
		raw, err := text.ReadBytes('\n')
		if len(raw) > 0 {
			if !utf8.Valid(raw) {
				if first && !retried {
					retried = true
					continue
				}
				lr.send(ctx, Line{Err: fmt.Errorf("%w: %q", ErrInvalidUTF8, truncate(raw))})
				return
			}

			forward := false
			if o.leading > 0 {
				o.leading--
				forward = true
			} else {
				forward = counted%o.stride == 0
				counted++
			}
			first = false

			if forward && !lr.send(ctx, Line{Text: string(raw)}) {
				return
			}
		}

		if err == io.EOF {
			return
		}
		if err != nil {
			lr.send(ctx, Line{Err: &UnzipError{Reason: "read entry", Err: err}})
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (lr *LineReader) send(ctx context.Context, line Line) bool {
	select {
	case lr.lines <- line:
		return true
	case <-ctx.Done():
		return false
	}
}

func truncate(b []byte) []byte {
	if len(b) > 32 {
		return b[:32]
	}
	return b
}
