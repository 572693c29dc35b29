// Package processor turns archive lines into parsed trades.
package processor

import (
	"io"
	"sync"

	"tradestream/models"
	"tradestream/reader/archive"
)

// ParseFunc parses one archive row.
type ParseFunc func(line string) (models.Trade, error)

// Result is one element of a trade stream: a trade or the reason a line
// could not become one.
type Result struct {
	Trade models.Trade
	Err   error
}

// TradeStream parses the lines of one archive. It skips the first decoded
// line as the CSV header and yields one Result per remaining line, in
// order. A stream is consumed once.
type TradeStream struct {
	lines *archive.LineReader
	parse ParseFunc
	body  io.Closer

	out       chan Result
	done      chan struct{}
	closeOnce sync.Once
}

// NewTradeStream starts parsing lines. Close releases the line reader and
// body, which may be nil.
func NewTradeStream(lines *archive.LineReader, parse ParseFunc, body io.Closer) *TradeStream {
	s := &TradeStream{
		lines: lines,
		parse: parse,
		body:  body,
		out:   make(chan Result),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

// Results is closed when the archive is exhausted, after a read error has
// been delivered, or after Close.
func (s *TradeStream) Results() <-chan Result {
	return s.out
}

// Close stops the stream and releases its source. It is safe to call more
// than once.
func (s *TradeStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.lines.Close()
		if s.body != nil {
			err = s.body.Close()
		}
	})
	return err
}

func (s *TradeStream) run() {
	defer close(s.out)
	defer s.Close()

	index := 0
	for line := range s.lines.Lines() {
		var res Result
		switch {
		case line.Err != nil:
			res.Err = line.Err
		case index == 0:
			index++
			continue
		default:
			res.Trade, res.Err = s.parse(line.Text)
		}
		index++

		select {
		case s.out <- res:
		case <-s.done:
			return
		}
	}
}
