package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"tradestream/config"
	"tradestream/logger"
	"tradestream/models"
	"tradestream/reader/archive"
	"tradestream/reader/binance"
	"tradestream/reader/okx"
)

// ErrUnknownExchange is returned by Lookup for unregistered names.
var ErrUnknownExchange = errors.New("unknown exchange")

// Exchange describes how to fetch and parse one exchange's daily archives.
type Exchange struct {
	Name        string
	ArchiveURL  func(pair models.TradePair, date time.Time) string
	Parse       ParseFunc
	SampleEvery int
}

// ArchiveSource opens a remote archive for streaming.
type ArchiveSource interface {
	OpenArchive(ctx context.Context, url string) (io.ReadCloser, error)
}

// Registry maps route names to exchanges.
type Registry map[string]Exchange

// NewRegistry registers binance and okx from cfg. "olx" is kept as an
// alias of okx for older links.
func NewRegistry(cfg *config.Config) Registry {
	binanceBase := cfg.Source.Binance.ArchiveURL
	okxBase := cfg.Source.Okx.ArchiveURL

	okxExchange := Exchange{
		Name: "okx",
		ArchiveURL: func(pair models.TradePair, date time.Time) string {
			return okx.ArchiveURL(okxBase, pair, date)
		},
		Parse:       okx.ParseTrade,
		SampleEvery: cfg.Source.Okx.SampleEvery,
	}

	return Registry{
		"binance": {
			Name: "binance",
			ArchiveURL: func(pair models.TradePair, date time.Time) string {
				return binance.ArchiveURL(binanceBase, pair, date)
			},
			Parse:       binance.ParseTrade,
			SampleEvery: cfg.Source.Binance.SampleEvery,
		},
		"okx": okxExchange,
		"olx": okxExchange,
	}
}

func (r Registry) Lookup(name string) (Exchange, error) {
	ex, ok := r[name]
	if !ok {
		return Exchange{}, fmt.Errorf("%w: %q", ErrUnknownExchange, name)
	}
	return ex, nil
}

// Names lists the registered route names.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open fetches the archive for pair and date and returns a sampled trade
// stream over it. Open fails before any result is produced when the archive
// is missing, empty or unreadable.
func Open(ctx context.Context, src ArchiveSource, ex Exchange, pair models.TradePair, date time.Time, opts ...archive.Option) (*TradeStream, error) {
	url := ex.ArchiveURL(pair, date)
	log := logger.GetLogger().WithComponent("trade_stream").WithFields(logger.Fields{
		"exchange": ex.Name,
		"pair":     pair.String(),
		"date":     date.Format("2006-01-02"),
	})

	body, err := src.OpenArchive(ctx, url)
	if err != nil {
		return nil, err
	}

	opts = append([]archive.Option{archive.WithLeading(1), archive.WithStride(ex.SampleEvery)}, opts...)
	lines, err := archive.Open(ctx, body, opts...)
	if err != nil {
		body.Close()
		log.WithError(err).Warn("failed to open archive entry")
		return nil, err
	}

	log.WithFields(logger.Fields{"entry": lines.Name(), "sample_every": ex.SampleEvery}).Debug("opening trade reader")
	return NewTradeStream(lines, ex.Parse, body), nil
}
