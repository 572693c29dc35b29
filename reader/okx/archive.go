// Package okx reads OKX daily trade archives.
package okx

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"tradestream/models"
)

// DefaultArchiveURL is the base of the daily trade archives.
const DefaultArchiveURL = "https://static.okx.com/cdn/okex/traderecords/trades/daily"

// ArchiveURL builds {base}/20220913/BTC-USDT-trades-2022-09-13.zip.
func ArchiveURL(base string, pair models.TradePair, date time.Time) string {
	if base == "" {
		base = DefaultArchiveURL
	}
	return fmt.Sprintf("%s/%s/%s-%s-trades-%s.zip",
		strings.TrimRight(base, "/"), date.Format("20060102"), pair.First, pair.Second, date.Format("2006-01-02"))
}

// ParseTrade parses one archive row: id,side,size,price,time.
func ParseTrade(line string) (models.Trade, error) {
	columns := strings.Split(line, ",")

	var (
		trade models.Trade
		err   error
	)
	if trade.ID, err = strconv.ParseUint(columns[0], 10, 64); err != nil {
		return models.Trade{}, models.Invalid(models.ErrInvalidTradeID, line, err)
	}

	if len(columns) < 2 {
		return models.Trade{}, models.Missing(models.ErrMissingSide)
	}
	switch columns[1] {
	case "buy":
		trade.Side = models.Buy
	case "sell":
		trade.Side = models.Sell
	default:
		return models.Trade{}, models.Invalid(models.ErrInvalidSide, line, nil)
	}

	if len(columns) < 4 {
		return models.Trade{}, models.Missing(models.ErrMissingPrice)
	}
	if trade.Price, err = strconv.ParseFloat(columns[3], 64); err != nil {
		return models.Trade{}, models.Invalid(models.ErrInvalidPrice, columns[3], err)
	}

	if len(columns) < 5 {
		return models.Trade{}, models.Missing(models.ErrMissingTimestamp)
	}
	raw := strings.TrimRight(columns[4], " \t\r\n")
	if trade.Timestamp, err = strconv.ParseInt(raw, 10, 64); err != nil {
		return models.Trade{}, models.Invalid(models.ErrInvalidTimestamp, raw, err)
	}

	return trade, nil
}
