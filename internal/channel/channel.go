// Package channel defines the contract between the message bus and
// platform-specific channel adapters, and a manager that runs them.
package channel

import (
	"context"

	"github.com/larkgate/larkgate/internal/bus"
)

// Channel is a platform adapter. Start blocks until the context is
// cancelled or Stop is called; both are safe to call once each.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
}
