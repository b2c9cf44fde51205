package channel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/larkgate/larkgate/internal/bus"
)

const stopTimeout = 5 * time.Second

// Manager owns the registered channels: it starts them, routes outbound
// bus traffic to the right adapter, and stops everything on shutdown.
type Manager struct {
	logger   *slog.Logger
	bus      *bus.MessageBus
	channels map[string]Channel
}

// NewManager creates a Manager over the given bus.
func NewManager(logger *slog.Logger, b *bus.MessageBus) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger.With(slog.String("component", "channel-manager")),
		bus:      b,
		channels: make(map[string]Channel),
	}
}

// Register adds a channel. Registering the same name twice replaces the
// previous channel; call before Run.
func (m *Manager) Register(ch Channel) {
	m.channels[ch.Name()] = ch
}

// Run starts every registered channel and pumps outbound messages until
// the context is cancelled, then stops the channels best-effort.
func (m *Manager) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for name, ch := range m.channels {
		wg.Add(1)
		go func(name string, ch Channel) {
			defer wg.Done()
			if err := ch.Start(ctx); err != nil {
				m.logger.Error("channel start failed", slog.String("channel", name), slog.Any("error", err))
			}
		}(name, ch)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.pumpOutbound(ctx)
	}()

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	for name, ch := range m.channels {
		if err := ch.Stop(stopCtx); err != nil {
			m.logger.Warn("channel stop failed", slog.String("channel", name), slog.Any("error", err))
		}
	}
	wg.Wait()
	return nil
}

// pumpOutbound delivers assistant replies to their channel. Delivery
// failures are logged, never fatal; a reply for an unknown channel is dropped.
func (m *Manager) pumpOutbound(ctx context.Context) {
	for {
		msg, ok := m.bus.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		ch, ok := m.channels[msg.Channel]
		if !ok {
			m.logger.Warn("outbound message for unknown channel", slog.String("channel", msg.Channel))
			continue
		}
		if err := ch.Send(ctx, msg); err != nil {
			m.logger.Error("outbound send failed",
				slog.String("channel", msg.Channel),
				slog.String("chat_id", msg.ChatID),
				slog.Any("error", err),
			)
		}
	}
}
