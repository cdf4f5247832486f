package redis

import (
	"testing"
	"time"

	"ictbot/internal/model"
)

var _ model.CandleWriter = (*Writer)(nil)
var _ model.EventWriter = (*Writer)(nil)
var _ model.EventWriter = (*BufferedWriter)(nil)
var _ sink = (*Writer)(nil)
var _ model.ZoneWriter = (*Writer)(nil)
var _ model.ZoneWriter = (*BufferedWriter)(nil)

func TestKeys(t *testing.T) {
	tests := []struct{ got, want string }{
		{CandleStreamKey("BTCUSDT", "1m"), "candle:1m:btcusdt"},
		{candleLatestKey("BTCUSDT", "1m"), "candle:1m:latest:btcusdt"},
		{candleChannel("ETHUSDT", "15m"), "pub:candle:15m:ethusdt"},
		{ZonesKey("BTCUSDT", "4h"), "ict:zones:4h:btcusdt"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestDecodeCandle(t *testing.T) {
	open := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	c := model.Candle{Symbol: "BTCUSDT", Timeframe: "1m", Open: 1, High: 2, Low: 0.5, Close: 1.5,
		OpenTime: open, CloseTime: open.Add(time.Minute - time.Millisecond), Closed: true}

	got, err := decodeCandle(map[string]interface{}{"data": string(c.JSON())})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Key() != "BTCUSDT:1m" || got.Close != 1.5 || !got.OpenTime.Equal(open) || !got.Closed {
		t.Errorf("unexpected candle: %+v", got)
	}

	if _, err := decodeCandle(map[string]interface{}{}); err == nil {
		t.Error("expected error for missing data field")
	}
	if _, err := decodeCandle(map[string]interface{}{"data": "{"}); err == nil {
		t.Error("expected error for malformed JSON")
	}
}
