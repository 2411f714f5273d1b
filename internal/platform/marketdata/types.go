package marketdata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/tickwatch/internal/domain"
)

// Message types on the stream.
const (
	TypeMarketData  = "market_data"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

// flexFloat unmarshals from a JSON number or a numeric string. An empty
// string or null leaves it invalid, which maps to an absent Tick field.
type flexFloat struct {
	Value float64
	Valid bool
}

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexFloat{Value: n, Valid: true}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not a number: %q", s)
	}
	*f = flexFloat{Value: n, Valid: true}
	return nil
}

func (f flexFloat) ptr() *float64 {
	if !f.Valid {
		return nil
	}
	return domain.Float(f.Value)
}

// first returns the first valid value among aliases.
func first(vals ...flexFloat) flexFloat {
	for _, v := range vals {
		if v.Valid {
			return v
		}
	}
	return flexFloat{}
}

// --------------------------------------------------------------------------
// Wire DTOs
// --------------------------------------------------------------------------

// QuoteValues carries the price fields of one quote. Both the short vendor
// keys and the long aliases are accepted.
type QuoteValues struct {
	LP     flexFloat `json:"lp"`
	LTP    flexFloat `json:"ltp"`
	O      flexFloat `json:"o"`
	Open   flexFloat `json:"open"`
	H      flexFloat `json:"h"`
	High   flexFloat `json:"high"`
	L      flexFloat `json:"l"`
	Low    flexFloat `json:"low"`
	Ch     flexFloat `json:"ch"`
	Chp    flexFloat `json:"chp"`
	Vol    flexFloat `json:"vol"`
	Volume flexFloat `json:"volume"`
	OI     flexFloat `json:"oi"`
	Bid    flexFloat `json:"bid"`
	Ask    flexFloat `json:"ask"`
	LTT    flexFloat `json:"ltt"`
}

// StreamMessage is one inbound message on the streaming connection.
type StreamMessage struct {
	Type      string          `json:"type"`
	Symbol    string          `json:"symbol"`
	Data      QuoteValues     `json:"data"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// ControlMessage is sent to the server to manage symbol subscriptions.
type ControlMessage struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

// QuoteEnvelope is the vendor batch quote response.
type QuoteEnvelope struct {
	S       string          `json:"s"`
	Code    int             `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	D       []EnvelopeQuote `json:"d"`
}

// EnvelopeQuote is a single symbol entry in a QuoteEnvelope. Some vendors
// put the symbol in "n" and a status in "s".
type EnvelopeQuote struct {
	S string      `json:"s"`
	N string      `json:"n"`
	V QuoteValues `json:"v"`
}

func (q EnvelopeQuote) symbol() string {
	if q.N != "" {
		return q.N
	}
	return q.S
}

// --------------------------------------------------------------------------
// Conversions
// --------------------------------------------------------------------------

// ToTick converts quote values to a domain.Tick. A missing last price is an
// error; other fields stay nil when absent.
func (v QuoteValues) ToTick(symbol string, ts time.Time) (domain.Tick, error) {
	symbol = domain.NormalizeSymbol(symbol)
	if symbol == "" {
		return domain.Tick{}, fmt.Errorf("%w: missing symbol", domain.ErrDecode)
	}
	lp := first(v.LP, v.LTP)
	if !lp.Valid {
		return domain.Tick{}, fmt.Errorf("%w: %s: missing last price", domain.ErrDecode, symbol)
	}
	return domain.Tick{
		Symbol:        symbol,
		LastPrice:     lp.Value,
		Open:          first(v.O, v.Open).ptr(),
		High:          first(v.H, v.High).ptr(),
		Low:           first(v.L, v.Low).ptr(),
		Change:        v.Ch.ptr(),
		ChangePercent: v.Chp.ptr(),
		Volume:        first(v.Vol, v.Volume).ptr(),
		OpenInterest:  v.OI.ptr(),
		Bid:           v.Bid.ptr(),
		Ask:           v.Ask.ptr(),
		Timestamp:     ts,
	}, nil
}

// DecodeStream decodes one stream message. ok is false for message types
// other than market data, which callers ignore.
func DecodeStream(raw []byte, now time.Time) (tick domain.Tick, ok bool, err error) {
	var msg StreamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return domain.Tick{}, false, fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}
	if msg.Type != TypeMarketData {
		return domain.Tick{}, false, nil
	}
	tick, err = msg.toTick(now)
	if err != nil {
		return domain.Tick{}, false, err
	}
	return tick, true, nil
}

func (m StreamMessage) toTick(now time.Time) (domain.Tick, error) {
	ts, err := parseTimestamp(m.Timestamp, now)
	if err != nil {
		return domain.Tick{}, fmt.Errorf("%w: %s: %v", domain.ErrDecode, m.Symbol, err)
	}
	return m.Data.ToTick(m.Symbol, ts)
}

// QuoteBatch is a decoded batch quote response. Entries that fail
// validation are left out of Ticks and reported in Rejected, one error each.
type QuoteBatch struct {
	Ticks    []domain.Tick
	Rejected []error
}

// DecodeQuotes decodes a batch quote response in either the native format
// (an array of stream messages, optionally wrapped in {"data": [...]}) or
// the vendor envelope. Both produce identical ticks for identical values.
// Only an undecodable body or an envelope status other than ok fails the
// whole batch.
func DecodeQuotes(raw []byte, now time.Time) (QuoteBatch, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return QuoteBatch{}, fmt.Errorf("%w: empty quote response", domain.ErrDecode)
	}

	if raw[0] == '[' {
		var msgs []StreamMessage
		if err := json.Unmarshal(raw, &msgs); err != nil {
			return QuoteBatch{}, fmt.Errorf("%w: %v", domain.ErrDecode, err)
		}
		return nativeTicks(msgs, now), nil
	}

	var shape struct {
		S    *string         `json:"s"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return QuoteBatch{}, fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}

	if shape.S != nil {
		var env QuoteEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return QuoteBatch{}, fmt.Errorf("%w: %v", domain.ErrDecode, err)
		}
		return envelopeTicks(env, now)
	}

	if len(shape.Data) == 0 {
		return QuoteBatch{}, fmt.Errorf("%w: unrecognised quote response", domain.ErrDecode)
	}
	var msgs []StreamMessage
	if err := json.Unmarshal(shape.Data, &msgs); err != nil {
		return QuoteBatch{}, fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}
	return nativeTicks(msgs, now), nil
}

func nativeTicks(msgs []StreamMessage, now time.Time) QuoteBatch {
	batch := QuoteBatch{Ticks: make([]domain.Tick, 0, len(msgs))}
	for _, m := range msgs {
		if m.Type != "" && m.Type != TypeMarketData {
			continue
		}
		t, err := m.toTick(now)
		if err != nil {
			batch.Rejected = append(batch.Rejected, err)
			continue
		}
		batch.Ticks = append(batch.Ticks, t)
	}
	return batch
}

func envelopeTicks(env QuoteEnvelope, now time.Time) (QuoteBatch, error) {
	if !strings.EqualFold(env.S, "ok") {
		return QuoteBatch{}, fmt.Errorf("%w: quote status %q: %s", domain.ErrDecode, env.S, env.Message)
	}
	batch := QuoteBatch{Ticks: make([]domain.Tick, 0, len(env.D))}
	for _, q := range env.D {
		ts := now
		if q.V.LTT.Valid {
			ts = unixTime(q.V.LTT.Value)
		}
		t, err := q.V.ToTick(q.symbol(), ts)
		if err != nil {
			if q.N != "" && q.S != "" && !strings.EqualFold(q.S, "ok") {
				err = fmt.Errorf("%w (entry status %q)", err, q.S)
			}
			batch.Rejected = append(batch.Rejected, err)
			continue
		}
		batch.Ticks = append(batch.Ticks, t)
	}
	return batch, nil
}

// isoLayouts are tried in order for string timestamps without a zone.
var isoLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp accepts RFC 3339, a zone-less ISO timestamp (taken as
// UTC), or unix seconds/milliseconds as a number or string. Absent means now.
func parseTimestamp(raw json.RawMessage, now time.Time) (time.Time, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return now, nil
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return unixTime(n), nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, fmt.Errorf("timestamp: %w", err)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return now, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range isoLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return unixTime(n), nil
	}
	return time.Time{}, fmt.Errorf("timestamp: unrecognised format %q", s)
}

// unixTime treats values above 1e12 as milliseconds.
func unixTime(v float64) time.Time {
	if v > 1e12 {
		return time.UnixMilli(int64(v)).UTC()
	}
	sec := int64(v)
	nsec := int64((v - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}
