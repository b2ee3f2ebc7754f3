// Package telegram implements the Telegram channel adapter over long
// polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/jettison-io/parley/internal/channels"
	"github.com/jettison-io/parley/internal/config"
	"github.com/jettison-io/parley/pkg/models"
)

// Adapter connects to the Telegram Bot API.
type Adapter struct {
	bot      *bot.Bot
	tenant   string
	logger   *slog.Logger
	messages chan channels.Inbound

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Telegram adapter from configuration.
func New(cfg config.TelegramConfig, logger *slog.Logger) (*Adapter, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("telegram: bot_token is required")
	}
	a := &Adapter{
		tenant:   cfg.Tenant,
		logger:   logger,
		messages: make(chan channels.Inbound, 64),
	}
	b, err := bot.New(cfg.BotToken, bot.WithDefaultHandler(a.handleUpdate))
	if err != nil {
		return nil, fmt.Errorf("telegram: failed to create bot: %w", err)
	}
	a.bot = b
	return a, nil
}

func (a *Adapter) Type() models.ChannelType { return models.ChannelTelegram }

func (a *Adapter) Tenant() string { return a.tenant }

func (a *Adapter) Messages() <-chan channels.Inbound { return a.messages }

// Start begins long polling in the background.
func (a *Adapter) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.bot.Start(runCtx)
	}()
	a.logger.Info("telegram adapter started")
	return nil
}

// Stop halts polling and closes the message stream.
func (a *Adapter) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	close(a.messages)
	return nil
}

func (a *Adapter) handleUpdate(ctx context.Context, _ *bot.Bot, update *tgmodels.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}
	msg := update.Message
	if msg.From.IsBot || strings.TrimSpace(msg.Text) == "" {
		return
	}

	name := msg.From.FirstName
	if msg.From.Username != "" {
		name = msg.From.Username
	}
	inbound := channels.Inbound{
		ExternalID: strconv.FormatInt(msg.From.ID, 10),
		Name:       name,
		ChannelID:  strconv.FormatInt(msg.Chat.ID, 10),
		Text:       msg.Text,
	}
	select {
	case a.messages <- inbound:
	case <-ctx.Done():
	default:
		a.logger.Warn("telegram inbound queue full, dropping message",
			"user", inbound.ExternalID, "chat", inbound.ChannelID)
	}
}

// Send delivers a reply. Authorization links render as an inline
// keyboard button.
func (a *Adapter) Send(ctx context.Context, channelID string, reply models.Reply) error {
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", channelID, err)
	}

	params := &bot.SendMessageParams{
		ChatID: chatID,
		Text:   reply.Content,
	}
	if reply.AuthURL != "" {
		label := "Authorize"
		if reply.AuthName != "" {
			label = "Authorize " + reply.AuthName
		}
		params.ReplyMarkup = tgmodels.InlineKeyboardMarkup{
			InlineKeyboard: [][]tgmodels.InlineKeyboardButton{
				{{Text: label, URL: reply.AuthURL}},
			},
		}
	}

	if _, err := a.bot.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("telegram: failed to send message: %w", err)
	}
	return nil
}
