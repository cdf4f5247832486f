// Package notification delivers alerts for high-signal feature events to
// external channels (log, webhook, Telegram).
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"ictbot/internal/model"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level     AlertLevel        `json:"level"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Symbol    string            `json:"symbol,omitempty"`
	Timeframe string            `json:"timeframe,omitempty"`
	Kind      model.FeatureKind `json:"kind,omitempty"`
	FeatureID string            `json:"feature_id,omitempty"`
	TS        time.Time         `json:"ts"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier logs alerts; used when no external channel is configured.
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	log.Printf("[notify] [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	return nil
}

// Multi sends every alert to all notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AlertFromEvent turns a high-signal event into an alert: a new order
// block, a liquidity sweep or a change of character. Other events report
// false.
func AlertFromEvent(ev model.FeatureEvent) (Alert, bool) {
	a := Alert{
		Level:     AlertInfo,
		Symbol:    ev.Symbol,
		Timeframe: ev.Timeframe,
		Kind:      ev.Kind,
		FeatureID: ev.ID,
		TS:        ev.TS,
	}
	switch {
	case ev.Kind == model.KindOrderBlock && ev.Type == model.EventCreated:
		var ob model.OrderBlock
		if err := json.Unmarshal(ev.Payload, &ob); err != nil {
			return Alert{}, false
		}
		a.Title = fmt.Sprintf("%s %s order block", ev.Symbol, ev.Timeframe)
		a.Message = fmt.Sprintf("%s zone %.8g - %.8g (strength %.2f)", ob.Direction, ob.Low, ob.High, ob.Strength)

	case ev.Kind == model.KindLiquidity && ev.Type == model.EventSwept:
		var l model.LiquidityLevel
		if err := json.Unmarshal(ev.Payload, &l); err != nil {
			return Alert{}, false
		}
		a.Level = AlertWarning
		a.Title = fmt.Sprintf("%s %s %s swept", ev.Symbol, ev.Timeframe, l.Kind)
		a.Message = fmt.Sprintf("level %.8g taken after %d touches, %s bias", l.Price, l.Strength, l.Side())

	case ev.Kind == model.KindStructure && ev.Type == model.EventStructure:
		var b model.StructureBreak
		if err := json.Unmarshal(ev.Payload, &b); err != nil || b.Kind != model.CHoCH {
			return Alert{}, false
		}
		a.Level = AlertWarning
		a.Title = fmt.Sprintf("%s %s CHoCH %s", ev.Symbol, ev.Timeframe, b.Direction)
		a.Message = fmt.Sprintf("broke %.8g at %.8g", b.Level, b.Price)

	default:
		return Alert{}, false
	}
	return a, true
}
