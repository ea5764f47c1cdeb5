// Package models provides the core data structures for archived kline data:
// individual klines, ordered series, and the (symbol, timeframe) keys that
// identify one archived file.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kline represents one OHLCV record as returned by the Binance klines
// endpoint. Times carry millisecond precision; all prices and volumes are
// decimal strings to avoid float drift until a consumer needs arithmetic.
//
// The field order mirrors the persisted column layout:
// open_time, open, high, low, close, volume, close_time, quote_asset_volume,
// number_of_trades, taker_buy_base_asset_volume, taker_buy_quote_asset_volume.
type Kline struct {
	OpenTime            time.Time `json:"open_time"`
	Open                string    `json:"open"`
	High                string    `json:"high"`
	Low                 string    `json:"low"`
	Close               string    `json:"close"`
	Volume              string    `json:"volume"`
	CloseTime           time.Time `json:"close_time"`
	QuoteVolume         string    `json:"quote_asset_volume"`
	TradeCount          int64     `json:"number_of_trades"`
	TakerBuyBaseVolume  string    `json:"taker_buy_base_asset_volume"`
	TakerBuyQuoteVolume string    `json:"taker_buy_quote_asset_volume"`
}

// ValidationError reports a kline field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate checks the structural invariants of a single kline: timestamps are
// set and ordered (open_time < close_time), all price and volume fields parse
// as non-negative decimals, the trade count is non-negative, and the OHLC
// relationship low <= {open, close} <= high holds.
func (k *Kline) Validate() error {
	if k.OpenTime.IsZero() {
		return &ValidationError{Field: "open_time", Message: "open time cannot be zero"}
	}
	if k.CloseTime.IsZero() {
		return &ValidationError{Field: "close_time", Message: "close time cannot be zero"}
	}
	if !k.OpenTime.Before(k.CloseTime) {
		return &ValidationError{
			Field:   "close_time",
			Message: fmt.Sprintf("close time (%s) must be after open time (%s)", k.CloseTime, k.OpenTime),
		}
	}

	open, err := decimal.NewFromString(k.Open)
	if err != nil {
		return &ValidationError{Field: "open", Message: fmt.Sprintf("invalid open price format: %v", err)}
	}
	high, err := decimal.NewFromString(k.High)
	if err != nil {
		return &ValidationError{Field: "high", Message: fmt.Sprintf("invalid high price format: %v", err)}
	}
	low, err := decimal.NewFromString(k.Low)
	if err != nil {
		return &ValidationError{Field: "low", Message: fmt.Sprintf("invalid low price format: %v", err)}
	}
	closePrice, err := decimal.NewFromString(k.Close)
	if err != nil {
		return &ValidationError{Field: "close", Message: fmt.Sprintf("invalid close price format: %v", err)}
	}

	for _, p := range []struct {
		field string
		value decimal.Decimal
	}{
		{"open", open}, {"high", high}, {"low", low}, {"close", closePrice},
	} {
		if p.value.IsNegative() {
			return &ValidationError{Field: p.field, Message: fmt.Sprintf("%s price must not be negative", p.field)}
		}
	}

	for _, v := range []struct {
		field string
		value string
	}{
		{"volume", k.Volume},
		{"quote_asset_volume", k.QuoteVolume},
		{"taker_buy_base_asset_volume", k.TakerBuyBaseVolume},
		{"taker_buy_quote_asset_volume", k.TakerBuyQuoteVolume},
	} {
		d, err := decimal.NewFromString(v.value)
		if err != nil {
			return &ValidationError{Field: v.field, Message: fmt.Sprintf("invalid decimal format: %v", err)}
		}
		if d.IsNegative() {
			return &ValidationError{Field: v.field, Message: "must not be negative"}
		}
	}

	if k.TradeCount < 0 {
		return &ValidationError{Field: "number_of_trades", Message: "trade count must not be negative"}
	}

	maxOpenClose := decimal.Max(open, closePrice)
	if high.LessThan(maxOpenClose) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%s) must be greater than or equal to max(open, close) (%s)", high, maxOpenClose),
		}
	}
	minOpenClose := decimal.Min(open, closePrice)
	if low.GreaterThan(minOpenClose) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low price (%s) must be less than or equal to min(open, close) (%s)", low, minOpenClose),
		}
	}

	return nil
}

// GetOpenDecimal returns the open price as a decimal.Decimal.
func (k *Kline) GetOpenDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(k.Open)
}

// GetHighDecimal returns the high price as a decimal.Decimal.
func (k *Kline) GetHighDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(k.High)
}

// GetLowDecimal returns the low price as a decimal.Decimal.
func (k *Kline) GetLowDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(k.Low)
}

// GetCloseDecimal returns the close price as a decimal.Decimal.
func (k *Kline) GetCloseDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(k.Close)
}

// GetVolumeDecimal returns the base asset volume as a decimal.Decimal.
func (k *Kline) GetVolumeDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(k.Volume)
}

// String implements fmt.Stringer.
func (k *Kline) String() string {
	return fmt.Sprintf("Kline{OpenTime: %s, O: %s, H: %s, L: %s, C: %s, V: %s, Trades: %d}",
		k.OpenTime.UTC().Format(time.RFC3339), k.Open, k.High, k.Low, k.Close, k.Volume, k.TradeCount)
}
