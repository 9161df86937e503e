package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/atlasbridge/atlasbridge/internal/atlaslog"
	"github.com/atlasbridge/atlasbridge/internal/atlastypes"
	"github.com/atlasbridge/atlasbridge/internal/retry"
)

var _ Channel = (*TelegramChannel)(nil)

// TelegramChannel is the one concrete, long-polling channel the core
// ships: at least one concrete channel must exist for the system to be
// useful.
type TelegramChannel struct {
	bot       *tgbotapi.BotAPI
	log       *atlaslog.Logger
	allowlist *Allowlist
	outbound  *RateLimiter
	breaker   *CircuitBreaker

	updates  tgbotapi.UpdatesChannel
	cancel   context.CancelFunc

	inboundMu    sync.Mutex
	inboundCount map[string]int
	inboundReset time.Time
}

// NewTelegramChannel builds a channel from a bot token and an allowlist
// of opaque Telegram user/chat identities (stringified IDs or
// usernames, matching Config.Telegram.AllowedUsers).
func NewTelegramChannel(token string, allowedUsers []string, log *atlaslog.Logger) (*TelegramChannel, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("channel: telegram bot init: %w", err)
	}
	return &TelegramChannel{
		bot:          bot,
		log:          log,
		allowlist:    NewAllowlist(allowedUsers),
		outbound:     NewRateLimiter(1, 3),
		breaker:      NewCircuitBreaker(),
		inboundCount: make(map[string]int),
		inboundReset: time.Now(),
	}, nil
}

// Start begins long-polling for updates.
func (t *TelegramChannel) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	t.updates = t.bot.GetUpdatesChan(u)

	go func() {
		<-ctx.Done()
		t.bot.StopReceivingUpdates()
	}()
	return nil
}

// Close stops long-polling.
func (t *TelegramChannel) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	return nil
}

// SendPrompt renders a PromptEvent as an inline-keyboard message for
// yes_no/confirm_enter/multiple_choice, or a plain prompt for free_text.
func (t *TelegramChannel) SendPrompt(ctx context.Context, p atlastypes.PromptEvent, sc SessionContext) (string, error) {
	if !t.outbound.Allow() {
		return "", fmt.Errorf("channel: outbound rate limit exceeded")
	}
	if !t.breaker.Allow() {
		return "", fmt.Errorf("channel: circuit breaker open")
	}

	text := formatPromptText(p, sc)
	chatID, err := resolveChatID(sc)
	if err != nil {
		t.breaker.RecordResult(err)
		return "", err
	}

	msg := tgbotapi.NewMessage(chatID, text)
	if kb := buildKeyboard(p); kb != nil {
		msg.ReplyMarkup = *kb
	}

	var sent tgbotapi.Message
	sendErr := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
		s, err := t.bot.Send(msg)
		if err != nil {
			return retry.Retryable(err)
		}
		sent = s
		return nil
	})
	t.breaker.RecordResult(sendErr)
	if sendErr != nil {
		return "", fmt.Errorf("channel: telegram send failed: %w", sendErr)
	}
	return fmt.Sprintf("%d:%d", sent.Chat.ID, sent.MessageID), nil
}

// EditPromptMessage rewrites a previously sent message to reflect a
// post-decision state (answered, expired, session ended).
func (t *TelegramChannel) EditPromptMessage(ctx context.Context, messageID, text string) error {
	chatID, msgID, err := splitMessageID(messageID)
	if err != nil {
		return err
	}
	edit := tgbotapi.NewEditMessageText(chatID, msgID, text)
	_, err = t.bot.Send(edit)
	return err
}

// Notify checks the outbound rate limit and returns. It sends no Telegram
// message: the channel has no chat id to send to outside a
// SessionContext (see resolveChatID), and Notify is given only a session id.
func (t *TelegramChannel) Notify(ctx context.Context, message string, sessionID string) error {
	if !t.outbound.Allow() {
		return fmt.Errorf("channel: outbound rate limit exceeded")
	}
	return nil
}

// IsAllowed checks identity against the allowlist.
func (t *TelegramChannel) IsAllowed(identity string) bool {
	return t.allowlist.IsAllowed(identity)
}

// Healthcheck reports connectivity and circuit-breaker state.
func (t *TelegramChannel) Healthcheck() HealthStatus {
	return HealthStatus{
		Status:       "ok",
		Connected:    t.updates != nil,
		CircuitState: t.breaker.State(),
	}
}

// ReceiveReplies drains validated inbound callback updates into ch until
// the context is canceled; unauthorised or malformed updates are
// dropped with a logged warning rather than surfaced as InboundReply.
func (t *TelegramChannel) ReceiveReplies(ctx context.Context, ch chan<- InboundReply) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-t.updates:
			if !ok {
				return
			}
			if update.CallbackQuery == nil {
				continue
			}
			identity := fmt.Sprintf("%d", update.CallbackQuery.From.ID)
			if !t.allowlist.IsAllowed(identity) {
				if t.log != nil {
					t.log.WithFieldMap(map[string]interface{}{"identity": identity}).Warn("dropping callback from unallowed identity")
				}
				continue
			}
			if !t.allowInbound(identity) {
				if t.log != nil {
					t.log.WithFieldMap(map[string]interface{}{"identity": identity}).Warn("inbound callback rate limit exceeded; pausing routing")
				}
				continue
			}
			shortID, noncePrefix, value, err := ParseCallbackData(update.CallbackQuery.Data)
			if err != nil {
				if t.log != nil {
					t.log.WithError(err).Warn("dropping malformed callback")
				}
				continue
			}
			select {
			case ch <- InboundReply{
				ResponderIdentity: identity,
				ShortPromptID:     shortID,
				NoncePrefix:       noncePrefix,
				Value:             value,
				RawMessageID:      fmt.Sprintf("%d:%d", update.CallbackQuery.Message.Chat.ID, update.CallbackQuery.Message.MessageID),
			}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// allowInbound enforces a ≤N processed callbacks/minute cap per
// responder identity.
func (t *TelegramChannel) allowInbound(identity string) bool {
	const maxPerMinute = 20
	t.inboundMu.Lock()
	defer t.inboundMu.Unlock()
	if time.Since(t.inboundReset) > time.Minute {
		t.inboundCount = make(map[string]int)
		t.inboundReset = time.Now()
	}
	t.inboundCount[identity]++
	return t.inboundCount[identity] <= maxPerMinute
}

func formatPromptText(p atlastypes.PromptEvent, sc SessionContext) string {
	excerpt := TruncateExcerpt(p.Excerpt, 200)
	ttl := time.Until(p.ExpiresAt).Round(time.Second)
	label := sc.Label
	if label == "" {
		label = sc.SessionID
	}
	safeDefaultNote := ""
	if len(p.SafeDefault) > 0 {
		safeDefaultNote = fmt.Sprintf("\nSafe default on timeout: %q", string(p.SafeDefault))
	}
	return fmt.Sprintf("[%s] %s\n\n%s\n\nExpires in %s%s", label, sc.Tool, excerpt, ttl, safeDefaultNote)
}

func buildKeyboard(p atlastypes.PromptEvent) *tgbotapi.InlineKeyboardMarkup {
	switch p.Type {
	case atlastypes.PromptYesNo:
		row := tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Yes", FormatCallbackData(p.PromptID, p.Nonce, "y")),
			tgbotapi.NewInlineKeyboardButtonData("No", FormatCallbackData(p.PromptID, p.Nonce, "n")),
		)
		kb := tgbotapi.NewInlineKeyboardMarkup(row)
		return &kb
	case atlastypes.PromptConfirmEnter:
		row := tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Continue", FormatCallbackData(p.PromptID, p.Nonce, "")),
		)
		kb := tgbotapi.NewInlineKeyboardMarkup(row)
		return &kb
	case atlastypes.PromptMultiChoice:
		var buttons []tgbotapi.InlineKeyboardButton
		for _, c := range p.Choices {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(c.Label, FormatCallbackData(p.PromptID, p.Nonce, c.Key)))
		}
		if len(buttons) == 0 {
			return nil
		}
		kb := tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(buttons...))
		return &kb
	default:
		return nil
	}
}

// resolveChatID extracts the Telegram chat ID encoded in the session
// context's label by convention (`chat:<id>`), falling back to an error
// since send_prompt has no other source of routing information.
func resolveChatID(sc SessionContext) (int64, error) {
	const prefix = "chat:"
	if len(sc.Label) > len(prefix) && sc.Label[:len(prefix)] == prefix {
		var id int64
		if _, err := fmt.Sscanf(sc.Label[len(prefix):], "%d", &id); err == nil {
			return id, nil
		}
	}
	return 0, fmt.Errorf("channel: session %s has no resolvable telegram chat id (expected session label \"chat:<id>\")", sc.SessionID)
}

func splitMessageID(messageID string) (int64, int, error) {
	var chatID int64
	var msgID int
	if _, err := fmt.Sscanf(messageID, "%d:%d", &chatID, &msgID); err != nil {
		return 0, 0, fmt.Errorf("channel: malformed message id %q: %w", messageID, err)
	}
	return chatID, msgID, nil
}
