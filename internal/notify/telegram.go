// Package notify pushes pending confirmation requests to an operator over
// Telegram and feeds the inline-button answers back to the broker.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"agentgate/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3

	callbackApprove = "approve:"
	callbackReject  = "reject:"
)

// Responder resolves confirmation requests; the broker satisfies it.
type Responder interface {
	Respond(ctx context.Context, resp domain.ConfirmationResponse) error
}

type Config struct {
	Token     string
	ChatID    int64    // operator chat that receives the prompts
	AllowFrom []string // user IDs allowed to answer (empty = allow all)
	Logger    *slog.Logger
}

// Telegram is an out-of-band approval surface. It never blocks the broker:
// notifications are fire-and-forget and answers arrive through the normal
// respond path, subject to first-resolution-wins like any other caller.
type Telegram struct {
	token     string
	chatID    int64
	allowFrom []int64

	bot       *tgbotapi.BotAPI
	responder Responder
	logger    *slog.Logger
}

func NewTelegram(cfg Config, responder Responder) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	return &Telegram{
		token:     cfg.Token,
		chatID:    cfg.ChatID,
		allowFrom: allowed,
		responder: responder,
		logger:    cfg.Logger,
	}
}

// Start connects to Telegram and polls for button answers until ctx ends.
func (t *Telegram) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram notifier connected",
		"username", bot.Self.UserName, "id", bot.Self.ID)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram notifier stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.CallbackQuery != nil {
				t.handleCallback(ctx, update.CallbackQuery)
			}
		}
	}
}

// NotifyPending implements the broker's notifier hook.
func (t *Telegram) NotifyPending(ctx context.Context, req domain.ConfirmationRequest) {
	if t.bot == nil {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Approval needed for session %s\n\n%s\n\nTool: %s\nRisk: %s (%s)",
		req.SessionID, req.Description, req.Call.Tool,
		req.Classification.Level, req.Classification.Category)
	if req.Deadline != nil {
		fmt.Fprintf(&b, "\nAuto-resolves at %s", req.Deadline.Format(time.RFC3339))
	}

	msg := tgbotapi.NewMessage(t.chatID, b.String())
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Allow", callbackApprove+req.ID),
			tgbotapi.NewInlineKeyboardButtonData("Deny", callbackReject+req.ID),
		),
	)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("telegram notify failed", "request", req.ID, "err", err)
	}
}

func (t *Telegram) handleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	if cq.Message == nil || cq.Message.Chat == nil || cq.From == nil {
		return
	}
	chatID := cq.Message.Chat.ID

	ack := tgbotapi.NewCallback(cq.ID, "")
	_, _ = t.bot.Request(ack)

	if !t.isAllowed(cq.From.ID) {
		t.logger.Warn("unauthorized telegram approver",
			"user_id", cq.From.ID, "username", cq.From.UserName)
		t.sendMessage(chatID, "Unauthorized: your user ID is not in the allow list.")
		return
	}

	var requestID string
	var approved bool
	switch {
	case strings.HasPrefix(cq.Data, callbackApprove):
		requestID = strings.TrimPrefix(cq.Data, callbackApprove)
		approved = true
	case strings.HasPrefix(cq.Data, callbackReject):
		requestID = strings.TrimPrefix(cq.Data, callbackReject)
	default:
		return
	}

	err := t.responder.Respond(ctx, domain.ConfirmationResponse{
		RequestID: requestID,
		Approved:  approved,
	})
	switch {
	case err == nil:
		if approved {
			t.sendMessage(chatID, "Action approved.")
		} else {
			t.sendMessage(chatID, "Action denied.")
		}
	default:
		// Someone else resolved it first, or it expired.
		t.logger.Info("telegram answer discarded", "request", requestID, "err", err)
		t.sendMessage(chatID, "This request was already resolved.")
	}

	// Remove the buttons so the prompt cannot be answered twice from the UI.
	edit := tgbotapi.NewEditMessageReplyMarkup(chatID, cq.Message.MessageID,
		tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}})
	_, _ = t.bot.Send(edit)
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

func (t *Telegram) sendMessage(chatID int64, text string) {
	for len(text) > 0 {
		chunk := text
		if len(chunk) > telegramMaxMsgLen {
			cutAt := strings.LastIndex(chunk[:telegramMaxMsgLen], "\n")
			if cutAt < telegramMaxMsgLen/2 {
				cutAt = telegramMaxMsgLen
			}
			chunk = text[:cutAt]
			text = text[cutAt:]
		} else {
			text = ""
		}
		t.sendChunk(chatID, chunk)
	}
}

// sendChunk retries transient failures with backoff; Telegram rate limits
// (HTTP 429) back off harder.
func (t *Telegram) sendChunk(chatID int64, text string) {
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		_, err := t.bot.Send(msg)
		if err == nil {
			return
		}

		errStr := err.Error()
		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off",
				"retry_after", retryAfter, "attempt", attempt+1)
			time.Sleep(retryAfter)
			continue
		}
		if attempt < telegramMaxSendRetries {
			backoff := time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}
		t.logger.Error("telegram send failed after retries", "err", err)
	}
}
