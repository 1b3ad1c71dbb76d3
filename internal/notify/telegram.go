package notify

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

// DefaultTelegramAPI is the Bot API base URL.
const DefaultTelegramAPI = "https://api.telegram.org"

// TelegramCredentials returns the bot token and chat ID in effect. Either
// being empty disables delivery.
type TelegramCredentials func(ctx context.Context) (botToken, chatID string)

// Telegram posts messages through the Bot API sendMessage method.
type Telegram struct {
	Credentials TelegramCredentials
	BaseURL     string
	Client      *http.Client
	Zone        *time.Location
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Notify(ctx context.Context, msg Message) bool {
	if t.Credentials == nil {
		return false
	}
	token, chatID := t.Credentials(ctx)
	if token == "" || chatID == "" {
		// Not configured; nothing to report.
		return true
	}

	payload, err := json.Marshal(map[string]any{
		"chat_id":                  chatID,
		"text":                     t.Format(msg),
		"parse_mode":               "Markdown",
		"disable_web_page_preview": true,
	})
	if err != nil {
		return false
	}

	base := t.BaseURL
	if base == "" {
		base = DefaultTelegramAPI
	}
	url := strings.TrimRight(base, "/") + "/bot" + token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Printf("[notify] telegram: %v", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Printf("[notify] telegram: unexpected status %d", resp.StatusCode)
		return false
	}
	return true
}

// Format renders msg as Telegram Markdown.
func (t *Telegram) Format(msg Message) string {
	zone := t.Zone
	if zone == nil {
		zone = time.UTC
	}
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n", markdownEscape(msg.Title))
	for _, f := range msg.Fields {
		fmt.Fprintf(&b, "\n*%s:* `%s`", markdownEscape(f.Name), codeEscape(f.Value))
	}
	fmt.Fprintf(&b, "\n\n*Time:* `%s (%s)`", msg.Time.In(zone).Format("2006-01-02 15:04:05"), zone.String())
	return b.String()
}

var markdownReplacer = strings.NewReplacer("*", "\\*", "_", "\\_", "`", "\\`", "[", "\\[")

func markdownEscape(s string) string { return markdownReplacer.Replace(s) }

// codeEscape strips backticks, which cannot be escaped inside a code span.
func codeEscape(s string) string { return strings.ReplaceAll(s, "`", "'") }
