// Package channels defines the messaging platform adapter interface.
// Adapters normalize inbound platform events into a common shape and
// render replies back out, including authorization links as buttons.
package channels

import (
	"context"

	"github.com/jettison-io/parley/pkg/models"
)

// Inbound is one normalized user message from a platform.
type Inbound struct {
	// ExternalID is the platform-native user identifier.
	ExternalID string
	// Name is the display name, when the platform provides one.
	Name string
	// ChannelID is the platform-native conversation identifier replies
	// must be addressed to.
	ChannelID string
	Text      string
}

// Adapter connects one messaging platform to the session manager.
type Adapter interface {
	// Type identifies the platform.
	Type() models.ChannelType

	// Tenant returns the tenant this adapter's users belong to.
	Tenant() string

	// Start begins receiving events. It must not block.
	Start(ctx context.Context) error

	// Stop shuts down the adapter and closes the Messages channel.
	Stop() error

	// Send delivers a reply to a conversation. Replies carrying an
	// authorization URL render it as a platform-native link button.
	Send(ctx context.Context, channelID string, reply models.Reply) error

	// Messages streams normalized inbound messages.
	Messages() <-chan Inbound
}
