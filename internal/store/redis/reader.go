package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"ictbot/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// ReaderConfig configures the Redis reader.
type ReaderConfig struct {
	Addr          string
	Password      string
	DB            int
	ConsumerGroup string // consumer group name, e.g. "featureengine"
	ConsumerName  string // unique consumer name, e.g. hostname
}

// Reader consumes upstream kline streams through consumer groups and reads
// back zone snapshots and feature events.
type Reader struct {
	client        *goredis.Client
	consumerGroup string
	consumerName  string
}

// NewReader creates a new Redis Reader and pings the server.
func NewReader(cfg ReaderConfig) (*Reader, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	group := cfg.ConsumerGroup
	if group == "" {
		group = "featureengine"
	}
	consumer := cfg.ConsumerName
	if consumer == "" {
		consumer = "worker-1"
	}

	log.Printf("[redis-reader] connected to %s (group=%s, consumer=%s)", cfg.Addr, group, consumer)
	return &Reader{
		client:        client,
		consumerGroup: group,
		consumerName:  consumer,
	}, nil
}

// EnsureConsumerGroup creates the consumer group on each stream if missing.
// Fresh groups start at "$" (new messages only).
func (r *Reader) EnsureConsumerGroup(ctx context.Context, streams []string) error {
	for _, stream := range streams {
		err := r.client.XGroupCreateMkStream(ctx, stream, r.consumerGroup, "$").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("xgroup create %s: %w", stream, err)
		}
	}
	return nil
}

// decodeCandle extracts the candle JSON stored under the "data" field.
func decodeCandle(values map[string]interface{}) (model.Candle, error) {
	var c model.Candle
	data, ok := values["data"].(string)
	if !ok {
		return c, errors.New("missing data field")
	}
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return c, fmt.Errorf("unmarshal candle: %w", err)
	}
	return c, nil
}

// deliver decodes msg, forwards it to out and acks it. Undecodable
// messages are acked and skipped so they cannot block the group.
func (r *Reader) deliver(ctx context.Context, stream string, msg goredis.XMessage, out chan<- model.Candle) error {
	c, err := decodeCandle(msg.Values)
	if err != nil {
		log.Printf("[redis-reader] %s %s: %v", stream, msg.ID, err)
		r.client.XAck(ctx, stream, r.consumerGroup, msg.ID)
		return nil
	}
	select {
	case out <- c:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.client.XAck(ctx, stream, r.consumerGroup, msg.ID)
	return nil
}

// ConsumeCandles reads candles from the given streams with XREADGROUP and
// sends them to out, acking after each hand-off. Returns when ctx is
// cancelled.
func (r *Reader) ConsumeCandles(ctx context.Context, streams []string, out chan<- model.Candle) error {
	// [stream1, stream2, ..., ">", ">", ...]
	args := make([]string, len(streams)*2)
	for i, s := range streams {
		args[i] = s
		args[len(streams)+i] = ">"
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		results, err := r.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    r.consumerGroup,
			Consumer: r.consumerName,
			Streams:  args,
			Count:    100,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if err == goredis.Nil || ctx.Err() != nil {
				continue
			}
			log.Printf("[redis-reader] xreadgroup error: %v", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, stream := range results {
			for _, msg := range stream.Messages {
				if err := r.deliver(ctx, stream.Stream, msg, out); err != nil {
					return err
				}
			}
		}
	}
}

// RecoverPending claims and re-delivers messages left unacked in the
// group's pending list by a previous run.
func (r *Reader) RecoverPending(ctx context.Context, streams []string, out chan<- model.Candle) error {
	for _, stream := range streams {
		for {
			pending, err := r.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
				Stream: stream,
				Group:  r.consumerGroup,
				Start:  "-",
				End:    "+",
				Count:  100,
			}).Result()
			if err != nil || len(pending) == 0 {
				break
			}

			ids := make([]string, len(pending))
			for i, p := range pending {
				ids[i] = p.ID
			}
			claimed, err := r.client.XClaim(ctx, &goredis.XClaimArgs{
				Stream:   stream,
				Group:    r.consumerGroup,
				Consumer: r.consumerName,
				Messages: ids,
			}).Result()
			if err != nil {
				log.Printf("[redis-reader] xclaim error on %s: %v", stream, err)
				break
			}
			for _, msg := range claimed {
				if err := r.deliver(ctx, stream, msg, out); err != nil {
					return err
				}
			}
			if len(claimed) < len(ids) {
				break
			}
		}
	}
	return nil
}

// ReadZoneSnapshot returns the latest zone snapshot JSON, or nil when none
// is stored.
func (r *Reader) ReadZoneSnapshot(ctx context.Context, symbol, tf string) ([]byte, error) {
	data, err := r.client.Get(ctx, ZonesKey(symbol, tf)).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get zones %s:%s: %w", symbol, tf, err)
	}
	return data, nil
}

// ReadRecentEvents returns up to count of the newest feature events for
// symbol/tf, oldest first.
func (r *Reader) ReadRecentEvents(ctx context.Context, symbol, tf string, count int64) ([]model.FeatureEvent, error) {
	key := (&model.FeatureEvent{Symbol: symbol, Timeframe: tf}).StreamKey()
	msgs, err := r.client.XRevRangeN(ctx, key, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange %s: %w", key, err)
	}
	out := make([]model.FeatureEvent, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		data, ok := msgs[i].Values["data"].(string)
		if !ok {
			continue
		}
		var ev model.FeatureEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// SubscribeEvents forwards live feature events from "pub:ict:*" until ctx
// is cancelled.
func (r *Reader) SubscribeEvents(ctx context.Context, out chan<- model.FeatureEvent) error {
	pubsub := r.client.PSubscribe(ctx, "pub:ict:*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev model.FeatureEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Close closes the Redis client.
func (r *Reader) Close() error {
	return r.client.Close()
}
