// Package writer drains trade streams and feed events into sinks.
package writer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"tradestream/logger"
	"tradestream/models"
	"tradestream/processor"

	"github.com/sirupsen/logrus"
)

// flushEvery is how many array elements are written between explicit
// flushes of an http.Flusher sink.
const flushEvery = 256

var (
	openBracket  = []byte("[")
	closeBracket = []byte("]")
	comma        = []byte(",")
)

// Stats summarises one WriteTrades call.
type Stats struct {
	Written int
	// Dropped counts results that carried a parse error.
	Dropped int
	// ReadErr is the terminal read error that ended the stream early, if any.
	ReadErr error
}

// WriteTrades writes results to w as one JSON array of [timestamp, price,
// side] tuples. Rows that failed to parse are logged and skipped. A read
// error ends the array early and is reported in Stats. The returned error
// is a sink write failure or ctx cancellation; the array is left
// unterminated in that case.
func WriteTrades(ctx context.Context, w io.Writer, results <-chan processor.Result, log *logger.Entry) (Stats, error) {
	var stats Stats
	flusher, _ := w.(http.Flusher)

	if _, err := w.Write(openBracket); err != nil {
		return stats, err
	}

	for {
		var (
			res processor.Result
			ok  bool
		)
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case res, ok = <-results:
		}
		if !ok {
			break
		}

		if res.Err != nil {
			var perr *models.ParseError
			if errors.As(res.Err, &perr) {
				stats.Dropped++
				if log.Logger.IsLevelEnabled(logrus.DebugLevel) {
					log.WithError(res.Err).Debug("could not read trade")
				}
				continue
			}
			stats.ReadErr = res.Err
			log.WithError(res.Err).Error("could not read trade")
			continue
		}

		data, err := json.Marshal(res.Trade)
		if err != nil {
			stats.Dropped++
			log.WithError(err).Warn("failed to marshal trade")
			continue
		}
		if stats.Written > 0 {
			if _, err := w.Write(comma); err != nil {
				return stats, err
			}
		}
		if _, err := w.Write(data); err != nil {
			return stats, err
		}
		stats.Written++

		if flusher != nil && stats.Written%flushEvery == 0 {
			flusher.Flush()
		}
	}

	if _, err := w.Write(closeBracket); err != nil {
		return stats, err
	}
	if flusher != nil {
		flusher.Flush()
	}
	return stats, nil
}

// WriteError writes {"error": msg}, the body used instead of an array when
// a dataset cannot be opened.
func WriteError(w io.Writer, msg string) error {
	data, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
