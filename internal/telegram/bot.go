package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/web3-frozen/lending-keeper/internal/dedup"
	"github.com/web3-frozen/lending-keeper/internal/metrics"
	"github.com/web3-frozen/lending-keeper/internal/orchestrator"
)

const (
	telegramAPI = "https://api.telegram.org/bot"
	alertTTL    = 25 * time.Hour
)

// Claimer suppresses repeated alerts. *dedup.Deduplicator satisfies it.
type Claimer interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// StatusFunc reports the process health for /status.
type StatusFunc func(ctx context.Context) orchestrator.Status

// Bot sends operator alerts to one chat and answers operator commands.
type Bot struct {
	token   string
	chatID  int64
	baseURL string
	claimer Claimer
	status  StatusFunc
	logger  *slog.Logger
	client  *http.Client
	offset  int64
	backoff time.Duration
	now     func() time.Time
}

func NewBot(token string, chatID int64, logger *slog.Logger) *Bot {
	return &Bot{
		token:   token,
		chatID:  chatID,
		baseURL: telegramAPI,
		logger:  logger,
		client:  &http.Client{Timeout: 40 * time.Second},
		backoff: 5 * time.Second,
		now:     time.Now,
	}
}

// WithDedup makes Alert send each key at most once per UTC day.
func (b *Bot) WithDedup(c Claimer) *Bot {
	b.claimer = c
	return b
}

// WithStatus enables the /status command.
func (b *Bot) WithStatus(f StatusFunc) *Bot {
	b.status = f
	return b
}

// SendMessage sends a text message to a Telegram chat.
func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	payload := map[string]interface{}{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "HTML",
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+b.token+"/sendMessage", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Description string `json:"description"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return fmt.Errorf("telegram API error %d: %s", resp.StatusCode, errResp.Description)
	}
	return nil
}

// Alert notifies the operator chat. It never fails; delivery problems are
// logged and counted.
func (b *Bot) Alert(ctx context.Context, key, message string) {
	kind := key
	if i := strings.IndexByte(key, ':'); i > 0 {
		kind = key[:i]
	}

	if b.claimer != nil {
		first, err := b.claimer.Claim(ctx, dedup.AlertKey(key, b.now()), alertTTL)
		if err != nil {
			b.logger.Warn("alert dedup unavailable", "key", key, "error", err)
		} else if !first {
			metrics.AlertsDeduplicatedTotal.WithLabelValues(kind).Inc()
			return
		}
	}

	if err := b.SendMessage(ctx, b.chatID, message); err != nil {
		metrics.AlertsFailedTotal.WithLabelValues(kind).Inc()
		b.logger.Error("send alert", "key", key, "error", err)
		return
	}
	metrics.AlertsSentTotal.WithLabelValues(kind).Inc()
}

// Run starts the long-polling loop for incoming Telegram messages.
func (b *Bot) Run(ctx context.Context) {
	b.logger.Info("telegram bot started")
	for {
		select {
		case <-ctx.Done():
			return
		default:
			b.poll(ctx)
		}
	}
}

func (b *Bot) poll(ctx context.Context) {
	url := fmt.Sprintf("%s%s/getUpdates?offset=%d&timeout=30", b.baseURL, b.token, b.offset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		b.logger.Error("create poll request", "error", err)
		return
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		b.logger.Error("poll updates", "error", err)
		b.wait(ctx)
		return
	}
	defer resp.Body.Close()

	var result struct {
		OK     bool `json:"ok"`
		Result []struct {
			UpdateID int64 `json:"update_id"`
			Message  *struct {
				Chat struct {
					ID int64 `json:"id"`
				} `json:"chat"`
				Text string `json:"text"`
			} `json:"message"`
		} `json:"result"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		b.logger.Error("decode updates", "error", err)
		b.wait(ctx)
		return
	}
	if !result.OK {
		b.logger.Error("poll updates rejected", "status", resp.StatusCode)
		b.wait(ctx)
		return
	}

	for _, u := range result.Result {
		b.offset = u.UpdateID + 1
		if u.Message == nil {
			continue
		}
		b.handle(ctx, u.Message.Chat.ID, strings.TrimSpace(u.Message.Text))
	}
}

// wait pauses the poll loop after a failed getUpdates.
func (b *Bot) wait(ctx context.Context) {
	select {
	case <-time.After(b.backoff):
	case <-ctx.Done():
	}
}

func (b *Bot) handle(ctx context.Context, chatID int64, text string) {
	// Commands may carry the bot name: /status@keeper_bot
	cmd, _, _ := strings.Cut(text, "@")
	switch cmd {
	case "/start", "/help":
		_ = b.SendMessage(ctx, chatID, helpText(chatID))
	case "/status":
		if chatID != b.chatID {
			_ = b.SendMessage(ctx, chatID, "⛔ This chat is not the operator chat.")
			return
		}
		if b.status == nil {
			_ = b.SendMessage(ctx, chatID, "Status is not available.")
			return
		}
		_ = b.SendMessage(ctx, chatID, StatusText(b.status(ctx)))
	default:
		_ = b.SendMessage(ctx, chatID, "Unknown command. Send /help for available commands.")
	}
}

func helpText(chatID int64) string {
	return "🤖 <b>Lending Keeper</b>\n\n" +
		"Commands:\n" +
		"/status - Chain and module health\n" +
		"/help - Show this message\n\n" +
		fmt.Sprintf("This chat id: <code>%d</code>", chatID)
}

// StatusText renders the process health as a Telegram message.
func StatusText(st orchestrator.Status) string {
	icon := "✅"
	if st.Status != "ok" {
		icon = "⚠️"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s <b>%s</b>", icon, st.Status)
	if st.Uptime != "" {
		fmt.Fprintf(&sb, " (up %s)", st.Uptime)
	}
	sb.WriteString("\n\n<b>Chains</b>\n")
	for _, c := range st.Chains {
		if c.Status == "healthy" {
			fmt.Fprintf(&sb, "• %s (%d): block %d\n", c.Name, c.ChainID, c.BlockNumber)
		} else {
			fmt.Fprintf(&sb, "• %s (%d): %s %s\n", c.Name, c.ChainID, c.Status, html.EscapeString(c.Error))
		}
	}
	sb.WriteString("\n<b>Modules</b>\n")
	for _, m := range st.Modules {
		fmt.Fprintf(&sb, "• %s/%d: %s, %d ok, %d errors", m.Module, m.ChainID, m.State, m.Successes, m.Errors)
		if m.LastError != "" {
			fmt.Fprintf(&sb, " (last: %s)", html.EscapeString(m.LastError))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
