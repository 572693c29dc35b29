// Package binance reads Binance USD-M futures trade archives, lists them,
// and follows the live aggregated trade stream.
package binance

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"tradestream/models"
)

// DefaultArchiveURL is the base of the daily trade archives.
const DefaultArchiveURL = "https://data.binance.vision/data/futures/um/daily/trades"

// ArchiveURL builds the daily archive location for pair under base, e.g.
// {base}/BTCUSDT/BTCUSDT-trades-2022-09-13.zip.
func ArchiveURL(base string, pair models.TradePair, date time.Time) string {
	if base == "" {
		base = DefaultArchiveURL
	}
	symbol := pair.Symbol()
	return fmt.Sprintf("%s/%s/%s-trades-%s.zip", strings.TrimRight(base, "/"), symbol, symbol, date.Format("2006-01-02"))
}

// ParseTrade parses one archive row: id,price,qty,quote_qty,time,is_buyer_maker.
// A buyer-maker flag of "false" is a buy.
func ParseTrade(line string) (models.Trade, error) {
	columns := strings.Split(line, ",")
	column := func(i int) (string, bool) {
		if i < len(columns) {
			return columns[i], true
		}
		return "", false
	}

	var trade models.Trade

	raw, ok := column(0)
	if !ok {
		return models.Trade{}, models.Missing(models.ErrMissingTradeID)
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return models.Trade{}, models.Invalid(models.ErrInvalidTradeID, line, err)
	}
	trade.ID = id

	raw, ok = column(1)
	if !ok {
		return models.Trade{}, models.Missing(models.ErrMissingPrice)
	}
	if trade.Price, err = strconv.ParseFloat(raw, 64); err != nil {
		return models.Trade{}, models.Invalid(models.ErrInvalidPrice, raw, err)
	}

	raw, ok = column(4)
	if !ok {
		return models.Trade{}, models.Missing(models.ErrMissingTimestamp)
	}
	if trade.Timestamp, err = strconv.ParseInt(raw, 10, 64); err != nil {
		return models.Trade{}, models.Invalid(models.ErrInvalidTimestamp, raw, err)
	}

	raw, ok = column(5)
	if !ok {
		return models.Trade{}, models.Missing(models.ErrMissingSide)
	}
	switch strings.TrimRight(raw, " \t\r\n") {
	case "false":
		trade.Side = models.Buy
	case "true":
		trade.Side = models.Sell
	default:
		return models.Trade{}, models.Invalid(models.ErrInvalidSide, line, nil)
	}

	return trade, nil
}
