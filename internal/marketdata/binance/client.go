// Package binance fetches historical klines from the Binance USDⓈ-M futures
// REST API for backfill.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"ictbot/internal/model"
)

const (
	DefaultBaseURL = "https://fapi.binance.com"

	// maxKlinesPerRequest is the API's page limit for /fapi/v1/klines.
	maxKlinesPerRequest = 1500
)

// Client is a minimal public-endpoint REST client.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	now     func() time.Time
}

// New creates a client; an empty base uses DefaultBaseURL.
func New(base string) *Client {
	if base == "" {
		base = DefaultBaseURL
	}
	return &Client{
		BaseURL: base,
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 15 * time.Second}).DialContext,
				MaxIdleConns:        20,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 5 * time.Second,
			},
		},
		now: time.Now,
	}
}

func (c *Client) buildURL(endpoint string, params url.Values) string {
	return c.BaseURL + endpoint + "?" + params.Encode()
}

func (c *Client) fetchJSON(ctx context.Context, fullURL string, target interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("http GET failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	return dec.Decode(target)
}

// Klines returns up to limit of the most recent closed klines, oldest
// first. The still-forming bar the API includes is dropped.
func (c *Client) Klines(ctx context.Context, symbol, tf string, limit int) ([]model.Candle, error) {
	if limit <= 0 || limit > maxKlinesPerRequest {
		limit = maxKlinesPerRequest
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", tf)
	// one extra for the forming bar
	params.Set("limit", strconv.Itoa(min(limit+1, maxKlinesPerRequest)))

	out, err := c.fetch(ctx, symbol, tf, params)
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// KlinesSince pages forward from start until the present, returning closed
// klines oldest first.
func (c *Client) KlinesSince(ctx context.Context, symbol, tf string, start time.Time) ([]model.Candle, error) {
	var all []model.Candle
	next := start
	for {
		params := url.Values{}
		params.Set("symbol", symbol)
		params.Set("interval", tf)
		params.Set("startTime", strconv.FormatInt(next.UnixMilli(), 10))
		params.Set("limit", strconv.Itoa(maxKlinesPerRequest))

		page, err := c.fetch(ctx, symbol, tf, params)
		if err != nil {
			return all, err
		}
		all = append(all, page...)
		if len(page) < maxKlinesPerRequest-1 {
			return all, nil
		}
		next = page[len(page)-1].OpenTime.Add(time.Millisecond)
	}
}

func (c *Client) fetch(ctx context.Context, symbol, tf string, params url.Values) ([]model.Candle, error) {
	var raw [][]json.Number
	if err := c.fetchJSON(ctx, c.buildURL("/fapi/v1/klines", params), &raw); err != nil {
		return nil, fmt.Errorf("klines %s %s: %w", symbol, tf, err)
	}
	now := c.now()
	out := make([]model.Candle, 0, len(raw))
	for _, row := range raw {
		candle, err := parseRow(symbol, tf, row)
		if err != nil {
			return nil, err
		}
		if candle.CloseTime.After(now) {
			continue
		}
		out = append(out, candle)
	}
	return out, nil
}

// parseRow decodes [openTime, o, h, l, c, volume, closeTime, ...].
func parseRow(symbol, tf string, row []json.Number) (model.Candle, error) {
	if len(row) < 7 {
		return model.Candle{}, fmt.Errorf("kline row has %d fields", len(row))
	}
	openMs, err := row[0].Int64()
	if err != nil {
		return model.Candle{}, fmt.Errorf("open time: %w", err)
	}
	closeMs, err := row[6].Int64()
	if err != nil {
		return model.Candle{}, fmt.Errorf("close time: %w", err)
	}
	var v [5]float64
	for i := 0; i < 5; i++ {
		if v[i], err = strconv.ParseFloat(row[i+1].String(), 64); err != nil {
			return model.Candle{}, fmt.Errorf("field %d: %w", i+1, err)
		}
	}
	return model.NewCandle(symbol, tf, v[0], v[1], v[2], v[3], v[4],
		time.UnixMilli(openMs).UTC(), time.UnixMilli(closeMs).UTC(), true)
}
