// Package loop implements the conversation turn controller: the
// LLM↔tool round-trip cycle with per-call authorization checks,
// durable suspension while a user authorizes, and resumption that
// picks the turn back up exactly where it stopped.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jettison-io/parley/internal/alert"
	"github.com/jettison-io/parley/internal/authbroker"
	"github.com/jettison-io/parley/internal/config"
	"github.com/jettison-io/parley/internal/llm"
	"github.com/jettison-io/parley/internal/metrics"
	"github.com/jettison-io/parley/internal/store"
	"github.com/jettison-io/parley/internal/tools"
	"github.com/jettison-io/parley/pkg/models"
)

// ErrNoCheckpoint is returned by Resume when no live checkpoint matches
// the authorization outcome, typically because the wait timed out and the
// turn was abandoned, or a newer turn replaced it.
var ErrNoCheckpoint = errors.New("loop: no matching checkpoint")

// budgetExhaustedNote steers the one extra completion made after the
// iteration budget runs out. It is sent to the provider only, never stored.
const budgetExhaustedNote = "You have used up the tool budget for this request. " +
	"Respond now with your best answer from the information gathered so far, " +
	"and say clearly if anything is incomplete."

// emptyReply is sent when the model returns neither text nor tool calls.
const emptyReply = "I wasn't able to come up with a response. Please try rephrasing."

// Controller drives one conversation turn at a time for a user. Callers
// must hold the user's exclusivity scope (the session manager's per-user
// lock) for the duration of Advance or Resume.
type Controller struct {
	store    store.Store
	provider llm.Provider
	registry *tools.Registry
	gateway  *tools.Gateway
	broker   *authbroker.Broker
	cfg      *config.Config
	metrics  *metrics.Metrics
	alerts   *alert.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// Delivery is a rendered reply bound to the channel it must be sent on.
// Resume produces these because the originating message is long gone.
type Delivery struct {
	UserID    string
	Channel   models.ChannelType
	ChannelID string
	Reply     models.Reply
}

// New creates a loop controller.
func New(st store.Store, provider llm.Provider, registry *tools.Registry, gateway *tools.Gateway, broker *authbroker.Broker, cfg *config.Config, m *metrics.Metrics, alerts *alert.Notifier, logger *slog.Logger) *Controller {
	return &Controller{
		store:    st,
		provider: provider,
		registry: registry,
		gateway:  gateway,
		broker:   broker,
		cfg:      cfg,
		metrics:  m,
		alerts:   alerts,
		logger:   logger,
		now:      time.Now,
	}
}

// Advance runs one full turn for an inbound user message and returns the
// reply to deliver: final text, an authorization prompt, or an apology.
func (c *Controller) Advance(ctx context.Context, user *models.User, inbound *models.Message) (*models.Reply, error) {
	started := c.now()

	if err := c.store.AppendMessage(ctx, inbound); err != nil {
		return nil, fmt.Errorf("failed to store inbound message: %w", err)
	}

	// Per-bot gate: some deployments refuse to talk at all until the user
	// has connected the required system.
	if sys := c.cfg.Auth.RequireSystem; sys != "" {
		status, grant, err := c.broker.EnsureGrant(ctx, user.ID, sys)
		if err != nil {
			return nil, err
		}
		if !grant.Valid(c.now()) {
			_, authURL, err := c.broker.BeginAuthorization(ctx, user.ID, sys, "")
			if err != nil {
				return nil, err
			}
			c.logger.Info("turn gated on required system",
				"user_id", user.ID, "system", sys, "grant_status", status)
			c.metrics.Turn("gated", c.now().Sub(started).Seconds())
			return &models.Reply{
				Content:  fmt.Sprintf("Before I can help, you need to connect your %s account.", sys),
				AuthURL:  authURL,
				AuthName: sys,
			}, nil
		}
	}

	history, err := c.store.GetHistory(ctx, user.ID, c.cfg.Loop.HistoryWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	conv := historyWindow(history)

	reply, err := c.run(ctx, user.ID, inbound.Channel, inbound.ChannelID, conv, 0)
	if err != nil {
		return nil, err
	}
	c.metrics.Turn(turnOutcome(reply), c.now().Sub(started).Seconds())
	return reply, nil
}

// Resume continues a suspended turn after its authorization settled. The
// checkpoint is reclaimed before the turn re-enters tool execution, so a
// replayed outcome finds nothing to resume.
func (c *Controller) Resume(ctx context.Context, outcome *authbroker.Outcome) (*Delivery, error) {
	if outcome.CheckpointID == "" {
		// Gate authorizations park no turn; the user simply sends their
		// next message.
		return nil, nil
	}

	cp, err := c.store.GetCheckpoint(ctx, outcome.UserID)
	if errors.Is(err, store.ErrNotFound) {
		c.logger.Warn("authorization settled but checkpoint is gone",
			"user_id", outcome.UserID, "checkpoint_id", outcome.CheckpointID)
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, err
	}
	if cp.ID != outcome.CheckpointID {
		c.logger.Warn("authorization settled for a superseded checkpoint",
			"user_id", outcome.UserID, "checkpoint_id", outcome.CheckpointID, "live", cp.ID)
		return nil, ErrNoCheckpoint
	}
	if err := c.store.DeleteCheckpoint(ctx, outcome.UserID); err != nil {
		return nil, fmt.Errorf("failed to reclaim checkpoint: %w", err)
	}

	var blocked models.ToolResult
	var denied *denial
	if outcome.Authorized {
		_, grant, err := c.broker.EnsureGrant(ctx, outcome.UserID, cp.System)
		if err != nil {
			return nil, err
		}
		blocked = c.invoke(ctx, cp.System, grant, cp.BlockedCall)
		c.metrics.Resumption("authorized")
	} else {
		reason := outcome.Reason
		if reason == "" {
			reason = "the user declined"
		}
		denied = &denial{system: cp.System, reason: reason}
		blocked = models.ToolResult{
			ToolCallID: cp.BlockedCall.ID,
			Content:    fmt.Sprintf("authorization for %s was not granted: %s", cp.System, reason),
			IsError:    true,
		}
		c.metrics.Resumption("denied")
	}

	results := append(append([]models.ToolResult{}, cp.Results...), blocked)
	conv := cp.Conversation

	suspend, results, err := c.executeCalls(ctx, cp.UserID, cp.Channel, cp.ChannelID, conv, cp.Iteration, cp.QueuedCalls, results, denied)
	if err != nil {
		return nil, err
	}
	if suspend != nil {
		return &Delivery{UserID: cp.UserID, Channel: cp.Channel, ChannelID: cp.ChannelID, Reply: *suspend}, nil
	}

	conv, err = c.appendToolMessage(ctx, cp.UserID, cp.Channel, cp.ChannelID, conv, cp.Iteration, results)
	if err != nil {
		return nil, err
	}

	reply, err := c.run(ctx, cp.UserID, cp.Channel, cp.ChannelID, conv, cp.Iteration)
	if err != nil {
		return nil, err
	}
	return &Delivery{UserID: cp.UserID, Channel: cp.Channel, ChannelID: cp.ChannelID, Reply: *reply}, nil
}

// run is the LLM↔tool cycle. Iteration counts completed LLM calls; once
// the budget is spent, one last call without tools renders whatever was
// gathered.
func (c *Controller) run(ctx context.Context, userID string, channel models.ChannelType, channelID string, conv []models.Message, iteration int) (*models.Reply, error) {
	for {
		exhausted := iteration >= c.cfg.Loop.MaxIterations

		req := &llm.Request{
			Model:     c.cfg.LLM.Model,
			System:    c.systemPrompt(exhausted),
			Messages:  toProviderMessages(conv),
			MaxTokens: c.cfg.LLM.MaxTokens,
		}
		if !exhausted {
			req.Tools = c.registry.Defs()
		}

		completion, err := c.provider.Complete(ctx, req)
		if err != nil {
			c.metrics.LLMCall(c.provider.Name(), "error")
			c.logger.Error("llm completion failed",
				"user_id", userID, "provider", c.provider.Name(), "error", err, "admin", true)
			c.alerts.Raise(ctx, "llm_failure", "LLM completion failed", map[string]any{
				"user_id": userID, "provider": c.provider.Name(), "error": err.Error(),
			})
			return c.apologize(ctx, userID, channel, channelID, err)
		}
		c.metrics.LLMCall(c.provider.Name(), "ok")
		iteration++
		completion.AnnotateTruncation()

		assistant := &models.Message{
			ID:        uuid.NewString(),
			UserID:    userID,
			Channel:   channel,
			ChannelID: channelID,
			Role:      models.RoleAssistant,
			Content:   completion.Content,
			ToolCalls: completion.ToolCalls,
			CreatedAt: c.now(),
		}
		if err := c.store.AppendMessage(ctx, assistant); err != nil {
			return nil, &TurnError{Phase: "persist assistant message", Iteration: iteration, Err: err}
		}
		conv = append(conv, *assistant)

		if len(completion.ToolCalls) == 0 || exhausted {
			content := completion.Content
			if content == "" {
				content = emptyReply
			}
			return &models.Reply{Content: content}, nil
		}

		suspend, results, err := c.executeCalls(ctx, userID, channel, channelID, conv, iteration, completion.ToolCalls, nil, nil)
		if err != nil {
			return nil, err
		}
		if suspend != nil {
			return suspend, nil
		}

		conv, err = c.appendToolMessage(ctx, userID, channel, channelID, conv, iteration, results)
		if err != nil {
			return nil, err
		}
	}
}

// denial marks a system whose authorization the user just declined.
// Further calls to it in the same step fail as tool results instead of
// re-entering the authorization check, which would re-prompt the user.
type denial struct {
	system string
	reason string
}

// executeCalls runs tool calls in emission order, checking authorization
// before each. The first call lacking a valid grant suspends the turn: the
// remaining calls are checkpointed, not dropped, and the returned reply
// carries the authorization link.
func (c *Controller) executeCalls(ctx context.Context, userID string, channel models.ChannelType, channelID string, conv []models.Message, iteration int, calls []models.ToolCall, collected []models.ToolResult, denied *denial) (*models.Reply, []models.ToolResult, error) {
	results := collected
	for i, call := range calls {
		system, ok := c.registry.SystemFor(call.Name)
		if !ok {
			c.metrics.ToolCall("unknown", "error")
			results = append(results, models.ToolResult{
				ToolCallID: call.ID,
				Content:    fmt.Sprintf("operation %s not found", call.Name),
				IsError:    true,
			})
			continue
		}

		if denied != nil && system == denied.system {
			c.metrics.ToolCall(system, "error")
			results = append(results, models.ToolResult{
				ToolCallID: call.ID,
				Content:    fmt.Sprintf("authorization for %s was not granted: %s", system, denied.reason),
				IsError:    true,
			})
			continue
		}

		_, grant, err := c.broker.EnsureGrant(ctx, userID, system)
		if err != nil {
			return nil, nil, err
		}
		if !grant.Valid(c.now()) {
			reply, err := c.suspend(ctx, userID, channel, channelID, conv, iteration, system, call, calls[i+1:], results)
			if err != nil {
				return nil, nil, err
			}
			return reply, nil, nil
		}

		results = append(results, c.invoke(ctx, system, grant, call))
	}
	return nil, results, nil
}

// suspend checkpoints the in-flight turn and issues the authorization link.
func (c *Controller) suspend(ctx context.Context, userID string, channel models.ChannelType, channelID string, conv []models.Message, iteration int, system string, blocked models.ToolCall, queued []models.ToolCall, results []models.ToolResult) (*models.Reply, error) {
	cp := &models.Checkpoint{
		ID:           uuid.NewString(),
		UserID:       userID,
		Channel:      channel,
		ChannelID:    channelID,
		Conversation: conv,
		Iteration:    iteration,
		BlockedCall:  blocked,
		QueuedCalls:  append([]models.ToolCall{}, queued...),
		Results:      append([]models.ToolResult{}, results...),
		System:       system,
		CreatedAt:    c.now(),
	}
	if err := c.store.PutCheckpoint(ctx, cp); err != nil {
		return nil, &TurnError{Phase: "checkpoint", Iteration: iteration, Err: err}
	}

	_, authURL, err := c.broker.BeginAuthorization(ctx, userID, system, cp.ID)
	if err != nil {
		return nil, err
	}

	c.metrics.Suspension()
	c.logger.Info("turn suspended for authorization",
		"user_id", userID, "system", system, "checkpoint_id", cp.ID,
		"iteration", iteration, "queued_calls", len(queued))

	return &models.Reply{
		Content:  fmt.Sprintf("I need your permission to use %s for this. Authorize below and I'll pick up right where I left off.", system),
		AuthURL:  authURL,
		AuthName: system,
	}, nil
}

// invoke resolves the system target and runs one authorized tool call.
func (c *Controller) invoke(ctx context.Context, system string, grant *models.Grant, call models.ToolCall) models.ToolResult {
	sys, ok := c.cfg.System(system)
	if !ok {
		c.metrics.ToolCall(system, "error")
		return models.ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("target system %s is not configured", system),
			IsError:    true,
		}
	}
	res := c.gateway.Invoke(ctx, tools.SystemTarget{Name: system, BaseURL: sys.BaseURL}, grant, call)
	if res.IsError {
		c.metrics.ToolCall(system, "error")
	} else {
		c.metrics.ToolCall(system, "ok")
	}
	return res
}

// apologize renders a transport failure as a human reply, persisted like
// any other assistant message.
func (c *Controller) apologize(ctx context.Context, userID string, channel models.ChannelType, channelID string, cause error) (*models.Reply, error) {
	content := llm.HumanMessage(cause)
	if llm.Classify(cause) == llm.ReasonUnknown {
		content = c.cfg.Loop.ApologyMessage
	}
	msg := &models.Message{
		ID:        uuid.NewString(),
		UserID:    userID,
		Channel:   channel,
		ChannelID: channelID,
		Role:      models.RoleAssistant,
		Content:   content,
		CreatedAt: c.now(),
	}
	if err := c.store.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to store apology: %w", err)
	}
	return &models.Reply{Content: content}, nil
}

func (c *Controller) appendToolMessage(ctx context.Context, userID string, channel models.ChannelType, channelID string, conv []models.Message, iteration int, results []models.ToolResult) ([]models.Message, error) {
	msg := &models.Message{
		ID:          uuid.NewString(),
		UserID:      userID,
		Channel:     channel,
		ChannelID:   channelID,
		Role:        models.RoleTool,
		ToolResults: results,
		CreatedAt:   c.now(),
	}
	if err := c.store.AppendMessage(ctx, msg); err != nil {
		return nil, &TurnError{Phase: "persist tool results", Iteration: iteration, Err: err}
	}
	return append(conv, *msg), nil
}

func (c *Controller) systemPrompt(exhausted bool) string {
	parts := append([]string{}, c.cfg.LLM.SystemPrompts...)
	if exhausted {
		parts = append(parts, budgetExhaustedNote)
	}
	return strings.Join(parts, "\n\n")
}

// historyWindow reduces stored history to plain user/assistant text. Tool
// exchanges from earlier turns are dropped: replaying a window cut in the
// middle of a tool exchange is rejected by providers that pair tool-use
// and tool-result blocks.
func historyWindow(history []models.Message) []models.Message {
	out := make([]models.Message, 0, len(history))
	for _, msg := range history {
		if msg.Role != models.RoleUser && msg.Role != models.RoleAssistant {
			continue
		}
		if msg.Content == "" {
			continue
		}
		msg.ToolCalls = nil
		msg.ToolResults = nil
		out = append(out, msg)
	}
	return out
}

// toProviderMessages maps the stored form onto the provider-neutral form.
func toProviderMessages(conv []models.Message) []llm.Message {
	out := make([]llm.Message, 0, len(conv))
	for _, msg := range conv {
		out = append(out, llm.Message{
			Role:        string(msg.Role),
			Content:     msg.Content,
			ToolCalls:   msg.ToolCalls,
			ToolResults: msg.ToolResults,
		})
	}
	return out
}

func turnOutcome(reply *models.Reply) string {
	if reply.AuthURL != "" {
		return "suspended"
	}
	return "replied"
}
