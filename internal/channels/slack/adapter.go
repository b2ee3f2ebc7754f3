// Package slack implements the Slack channel adapter over Socket Mode.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/jettison-io/parley/internal/channels"
	"github.com/jettison-io/parley/internal/config"
	"github.com/jettison-io/parley/pkg/models"
)

// Adapter connects to Slack via Socket Mode, so no public inbound
// endpoint is needed for events.
type Adapter struct {
	client    *slack.Client
	socket    *socketmode.Client
	tenant    string
	logger    *slog.Logger
	messages  chan channels.Inbound
	botUserID string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Slack adapter from configuration.
func New(cfg config.SlackConfig, logger *slog.Logger) (*Adapter, error) {
	if cfg.BotToken == "" || cfg.AppToken == "" {
		return nil, fmt.Errorf("slack: bot_token and app_token are required")
	}
	client := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	return &Adapter{
		client:   client,
		socket:   socketmode.New(client),
		tenant:   cfg.Tenant,
		logger:   logger,
		messages: make(chan channels.Inbound, 64),
	}, nil
}

func (a *Adapter) Type() models.ChannelType { return models.ChannelSlack }

func (a *Adapter) Tenant() string { return a.tenant }

func (a *Adapter) Messages() <-chan channels.Inbound { return a.messages }

// Start authenticates, then runs the Socket Mode loop in the background.
func (a *Adapter) Start(ctx context.Context) error {
	auth, err := a.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test failed: %w", err)
	}
	a.botUserID = auth.UserID
	a.logger.Info("slack adapter connected", "bot_user_id", a.botUserID, "team", auth.Team)

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		if err := a.socket.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			a.logger.Error("slack socket mode stopped", "error", err)
		}
	}()
	go func() {
		defer a.wg.Done()
		a.handleEvents(runCtx)
	}()
	return nil
}

// Stop shuts down the event loop and closes the message stream.
func (a *Adapter) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	close(a.messages)
	return nil
}

func (a *Adapter) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-a.socket.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeConnectionError:
				a.logger.Warn("slack connection error", "error", evt.Data)
			case socketmode.EventTypeEventsAPI:
				apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				if evt.Request != nil {
					a.socket.Ack(*evt.Request)
				}
				a.handleAPIEvent(ctx, apiEvent)
			}
		}
	}
}

func (a *Adapter) handleAPIEvent(ctx context.Context, apiEvent slackevents.EventsAPIEvent) {
	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}
	ev, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	// Ignore our own messages and edits/joins carried as subtypes.
	if ev.BotID != "" || ev.User == "" || ev.User == a.botUserID || ev.SubType != "" {
		return
	}
	if ev.Text == "" {
		return
	}

	inbound := channels.Inbound{
		ExternalID: ev.User,
		ChannelID:  ev.Channel,
		Text:       ev.Text,
	}
	select {
	case a.messages <- inbound:
	case <-ctx.Done():
	default:
		a.logger.Warn("slack inbound queue full, dropping message",
			"user", ev.User, "channel", ev.Channel)
	}
}

// Send posts a reply. Authorization links render as a primary button
// under the message text.
func (a *Adapter) Send(ctx context.Context, channelID string, reply models.Reply) error {
	opts := []slack.MsgOption{slack.MsgOptionText(reply.Content, false)}

	if reply.AuthURL != "" {
		label := "Authorize"
		if reply.AuthName != "" {
			label = "Authorize " + reply.AuthName
		}
		button := slack.NewButtonBlockElement("authorize", reply.AuthName,
			slack.NewTextBlockObject(slack.PlainTextType, label, false, false))
		button.URL = reply.AuthURL
		button.Style = slack.StylePrimary

		opts = append(opts, slack.MsgOptionBlocks(
			slack.NewSectionBlock(
				slack.NewTextBlockObject(slack.MarkdownType, reply.Content, false, false), nil, nil),
			slack.NewActionBlock("authorize_block", button),
		))
	}

	if _, _, err := a.client.PostMessageContext(ctx, channelID, opts...); err != nil {
		return fmt.Errorf("slack: failed to send message: %w", err)
	}
	return nil
}
