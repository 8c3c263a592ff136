package market

import (
	"fmt"
	"strconv"
	"time"
)

// TimeLayout is the timestamp format of every CSV this module writes.
const TimeLayout = time.RFC3339Nano

var (
	TickHeader   = []string{"datetime", "symbol", "bid", "bid_vol", "ask", "ask_vol"}
	Level2Header = []string{"datetime", "symbol", "side", "price", "volume"}
	CandleHeader = []string{"close_time", "symbol", "interval", "open_time", "open", "high", "low", "close", "vol"}
)

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// TickRecord encodes t as a CSV row matching TickHeader.
func TickRecord(t Tick) []string {
	return []string{t.Timestamp.UTC().Format(TimeLayout), t.Symbol,
		formatFloat(t.Bid), formatFloat(t.BidVol), formatFloat(t.Ask), formatFloat(t.AskVol)}
}

// Level2Record encodes l as a CSV row matching Level2Header.
func Level2Record(l Level2Update) []string {
	return []string{l.Timestamp.UTC().Format(TimeLayout), l.Symbol, string(l.Side),
		formatFloat(l.Price), formatFloat(l.Volume)}
}

// CandleRecord encodes c as a CSV row matching CandleHeader.
func CandleRecord(c Candle) []string {
	return []string{c.CloseTime.UTC().Format(TimeLayout), c.Symbol, c.Interval,
		c.OpenTime.UTC().Format(TimeLayout), formatFloat(c.Open), formatFloat(c.High),
		formatFloat(c.Low), formatFloat(c.Close), formatFloat(c.Volume)}
}

type rowParser struct {
	row []string
	err error
}

func (p *rowParser) time(i int) time.Time {
	if p.err != nil {
		return time.Time{}
	}
	t, err := time.Parse(TimeLayout, p.row[i])
	if err != nil {
		p.err = fmt.Errorf("column %d: %w", i, err)
	}
	return t
}

func (p *rowParser) float(i int) float64 {
	if p.err != nil {
		return 0
	}
	v, err := strconv.ParseFloat(p.row[i], 64)
	if err != nil {
		p.err = fmt.Errorf("column %d: %w", i, err)
	}
	return v
}

func checkLen(row []string, header []string) error {
	if len(row) < len(header) {
		return fmt.Errorf("expected %d columns, got %d", len(header), len(row))
	}
	return nil
}

// ParseTick decodes a TickRecord row.
func ParseTick(row []string) (Tick, error) {
	if err := checkLen(row, TickHeader); err != nil {
		return Tick{}, err
	}
	p := rowParser{row: row}
	t := Tick{Timestamp: p.time(0), Symbol: row[1], Bid: p.float(2), BidVol: p.float(3), Ask: p.float(4), AskVol: p.float(5)}
	return t, p.err
}

// ParseLevel2 decodes a Level2Record row.
func ParseLevel2(row []string) (Level2Update, error) {
	if err := checkLen(row, Level2Header); err != nil {
		return Level2Update{}, err
	}
	p := rowParser{row: row}
	side := BookSide(row[2])
	if side != BookBid && side != BookAsk {
		return Level2Update{}, fmt.Errorf("unknown book side %q", row[2])
	}
	l := Level2Update{Timestamp: p.time(0), Symbol: row[1], Side: side, Price: p.float(3), Volume: p.float(4)}
	return l, p.err
}

// ParseCandle decodes a CandleRecord row.
func ParseCandle(row []string) (Candle, error) {
	if err := checkLen(row, CandleHeader); err != nil {
		return Candle{}, err
	}
	p := rowParser{row: row}
	c := Candle{CloseTime: p.time(0), Symbol: row[1], Interval: row[2], OpenTime: p.time(3),
		Open: p.float(4), High: p.float(5), Low: p.float(6), Close: p.float(7), Volume: p.float(8)}
	return c, p.err
}
