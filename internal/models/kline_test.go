package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validKline(openTime time.Time) Kline {
	return Kline{
		OpenTime:            openTime,
		Open:                "50000.00",
		High:                "51000.00",
		Low:                 "49000.00",
		Close:               "50500.00",
		Volume:              "100.5",
		CloseTime:           openTime.Add(time.Hour).Add(-time.Millisecond),
		QuoteVolume:         "5050000.25",
		TradeCount:          1234,
		TakerBuyBaseVolume:  "60.1",
		TakerBuyQuoteVolume: "3030000.0",
	}
}

func TestKlineValidate_Valid(t *testing.T) {
	k := validKline(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, k.Validate())
}

func TestKlineValidate_Errors(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		modify func(*Kline)
		field  string
	}{
		{
			name:   "zero open time",
			modify: func(k *Kline) { k.OpenTime = time.Time{} },
			field:  "open_time",
		},
		{
			name:   "close time before open time",
			modify: func(k *Kline) { k.CloseTime = k.OpenTime.Add(-time.Minute) },
			field:  "close_time",
		},
		{
			name:   "close time equal to open time",
			modify: func(k *Kline) { k.CloseTime = k.OpenTime },
			field:  "close_time",
		},
		{
			name:   "malformed open price",
			modify: func(k *Kline) { k.Open = "not-a-number" },
			field:  "open",
		},
		{
			name:   "negative low",
			modify: func(k *Kline) { k.Low = "-1"; k.Open = "0"; k.Close = "0" },
			field:  "low",
		},
		{
			name:   "negative volume",
			modify: func(k *Kline) { k.Volume = "-0.1" },
			field:  "volume",
		},
		{
			name:   "malformed quote volume",
			modify: func(k *Kline) { k.QuoteVolume = "" },
			field:  "quote_asset_volume",
		},
		{
			name:   "negative trade count",
			modify: func(k *Kline) { k.TradeCount = -1 },
			field:  "number_of_trades",
		},
		{
			name:   "high below close",
			modify: func(k *Kline) { k.High = "50499.99" },
			field:  "high",
		},
		{
			name:   "low above open",
			modify: func(k *Kline) { k.Low = "50000.01" },
			field:  "low",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := validKline(base)
			tt.modify(&k)

			err := k.Validate()
			require.Error(t, err)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestKlineValidate_ZeroPricesAllowed(t *testing.T) {
	// Non-negative is the contract; an all-zero row is structurally valid.
	k := validKline(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	k.Open, k.High, k.Low, k.Close = "0", "0", "0", "0"
	k.Volume, k.QuoteVolume = "0", "0"
	k.TakerBuyBaseVolume, k.TakerBuyQuoteVolume = "0", "0"
	k.TradeCount = 0

	require.NoError(t, k.Validate())
}

func TestKlineDecimalAccessors(t *testing.T) {
	k := validKline(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	open, err := k.GetOpenDecimal()
	require.NoError(t, err)
	assert.Equal(t, "50000", open.String())

	vol, err := k.GetVolumeDecimal()
	require.NoError(t, err)
	assert.Equal(t, "100.5", vol.String())
}
