package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

const telegramAPI = "https://api.telegram.org"

// TelegramNotifier posts alerts to one chat through the Bot API sendMessage
// method, formatted as MarkdownV2.
type TelegramNotifier struct {
	token   string
	chatID  string
	apiBase string
	client  *http.Client
}

// NewTelegramNotifier creates a notifier for the bot token and target chat.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		token:   botToken,
		chatID:  chatID,
		apiBase: telegramAPI,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type telegramMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(telegramMessage{
		ChatID:                t.chatID,
		Text:                  formatTelegram(alert),
		ParseMode:             "MarkdownV2",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("telegram: encode: %w", err)
	}

	endpoint := t.apiBase + "/bot" + t.token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send %s: %w", alert.FeatureID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var tr telegramResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &tr) == nil && tr.Description != "" {
			return fmt.Errorf("telegram: status %d: %s", resp.StatusCode, tr.Description)
		}
		return fmt.Errorf("telegram: status %d", resp.StatusCode)
	}

	log.Printf("[telegram] %s %s %s alert sent (%s)", alert.Symbol, alert.Timeframe, alert.Kind, alert.FeatureID)
	return nil
}

// formatTelegram renders an alert as a MarkdownV2 message:
//
//	⚠️ *BTCUSDT 15m BSL swept*
//	`liquidity` · 15m · BTCUSDT
//	level 104.2 taken after 3 touches, bearish bias
//	id `liq-...` at 2024-05-01 00:15 UTC
func formatTelegram(a Alert) string {
	var b strings.Builder
	b.WriteString(levelMarker(a.Level))
	b.WriteString(" *")
	b.WriteString(escapeMarkdown(a.Title))
	b.WriteString("*\n")

	var tags []string
	if a.Kind != "" {
		tags = append(tags, "`"+escapeCode(string(a.Kind))+"`")
	}
	if a.Timeframe != "" {
		tags = append(tags, escapeMarkdown(a.Timeframe))
	}
	if a.Symbol != "" {
		tags = append(tags, escapeMarkdown(a.Symbol))
	}
	if len(tags) > 0 {
		b.WriteString(strings.Join(tags, " · "))
		b.WriteByte('\n')
	}

	if a.Message != "" {
		b.WriteString(escapeMarkdown(a.Message))
		b.WriteByte('\n')
	}
	if a.FeatureID != "" {
		b.WriteString("id `")
		b.WriteString(escapeCode(a.FeatureID))
		b.WriteByte('`')
		if !a.TS.IsZero() {
			b.WriteString(" at ")
			b.WriteString(escapeMarkdown(a.TS.UTC().Format("2006-01-02 15:04 MST")))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func levelMarker(l AlertLevel) string {
	switch l {
	case AlertCritical:
		return "🚨"
	case AlertWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

var (
	markdownEscaper = strings.NewReplacer(
		`\`, `\\`, "_", `\_`, "*", `\*`, "[", `\[`, "]", `\]`, "(", `\(`, ")", `\)`,
		"~", `\~`, "`", "\\`", ">", `\>`, "#", `\#`, "+", `\+`, "-", `\-`,
		"=", `\=`, "|", `\|`, "{", `\{`, "}", `\}`, ".", `\.`, "!", `\!`,
	)
	codeEscaper = strings.NewReplacer(`\`, `\\`, "`", "\\`")
)

// escapeMarkdown escapes text outside code spans for MarkdownV2.
func escapeMarkdown(s string) string { return markdownEscaper.Replace(s) }

// escapeCode escapes text inside a code span, where only ` and \ are special.
func escapeCode(s string) string { return codeEscaper.Replace(s) }
