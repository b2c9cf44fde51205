// Package feishu implements the Feishu/Lark channel adapter. Inbound
// events arrive over the platform's websocket long connection, are
// deduplicated and normalized, and are forwarded to the message bus;
// assistant replies come back as interactive cards.
package feishu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"

	"github.com/larkgate/larkgate/internal/bus"
)

// Name is the channel identifier used on the bus.
const Name = "feishu"

const (
	seenReactionType = "OK"
	chatTypeGroup    = "group"

	eventQueueSize = 256
	workerPoolSize = 8
	reconnectDelay = 3 * time.Second
)

// Lifecycle states.
const (
	stateStopped int32 = iota
	stateStarting
	stateRunning
	stateStopping
)

// inboundEvent is the immutable snapshot of a platform event handed from
// the websocket goroutine to the event loop.
type inboundEvent struct {
	messageID  string
	senderID   string
	senderType string
	chatID     string
	chatType   string // "p2p" or "group"
	msgType    string
	content    string
}

// Channel is the Feishu channel adapter.
type Channel struct {
	cfg       Config
	logger    *slog.Logger
	bus       *bus.MessageBus
	workspace string

	client  platformClient
	dedup   *dedupCache
	events  chan inboundEvent
	workers chan struct{}

	state atomic.Int32

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// New creates the Feishu channel. Media files are persisted under
// workspace/media; workspace defaults to the current directory.
func New(cfg Config, logger *slog.Logger, b *bus.MessageBus, workspace string) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	if workspace == "" {
		workspace = "."
	}
	return &Channel{
		cfg:       cfg,
		logger:    logger.With(slog.String("channel", Name)),
		bus:       b,
		workspace: workspace,
		dedup:     newDedupCache(),
		events:    make(chan inboundEvent, eventQueueSize),
		workers:   make(chan struct{}, workerPoolSize),
	}
}

// Name returns the channel identifier.
func (c *Channel) Name() string { return Name }

// Start runs the adapter until ctx is cancelled or Stop is called.
// Missing credentials are a configuration error: logged, not raised.
func (c *Channel) Start(ctx context.Context) error {
	if !c.cfg.Configured() {
		c.logger.Error("feishu app_id and app_secret not configured")
		return nil
	}
	if !c.state.CompareAndSwap(stateStopped, stateStarting) {
		return fmt.Errorf("feishu channel already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancelMu.Lock()
	c.cancel = cancel
	c.cancelMu.Unlock()

	if c.client == nil {
		c.client = newLarkPlatformClient(lark.NewClient(
			c.cfg.AppID,
			c.cfg.AppSecret,
			lark.WithOpenBaseUrl(c.cfg.openBaseURL()),
		))
	}

	go c.runEventLoop(runCtx)
	go c.runBridge(runCtx)

	// A failed transition means Stop landed during startup.
	if c.state.CompareAndSwap(stateStarting, stateRunning) {
		c.logger.Info("started", slog.String("mode", "websocket long connection"))
	} else {
		cancel()
	}

	<-runCtx.Done()
	c.state.Store(stateStopped)
	c.logger.Info("stopped")
	return nil
}

// Stop signals the adapter to shut down. In-flight fetch and send
// operations finish or fail naturally.
func (c *Channel) Stop(ctx context.Context) error {
	for {
		state := c.state.Load()
		if state != stateStarting && state != stateRunning {
			return nil
		}
		if c.state.CompareAndSwap(state, stateStopping) {
			break
		}
	}
	c.cancelMu.Lock()
	cancel := c.cancel
	c.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Send delivers an assistant reply as an interactive card. Chat ids
// ("oc_" prefix) address the conversation, other targets a user.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if c.client == nil {
		return errors.New("feishu client not initialized")
	}
	receiveID, receiveIDType, err := resolveReceiveID(msg.ChatID)
	if err != nil {
		return err
	}
	content, err := buildCard(msg.Content)
	if err != nil {
		return fmt.Errorf("build card: %w", err)
	}
	if err := c.client.SendMessage(ctx, receiveIDType, receiveID, larkim.MsgTypeInteractive, content); err != nil {
		c.logger.Error("send failed", slog.String("chat_id", msg.ChatID), slog.Any("error", err))
		return err
	}
	c.logger.Debug("message sent", slog.String("chat_id", msg.ChatID))
	return nil
}

// runBridge owns the websocket long connection. The SDK delivers events
// from its own goroutines; the registered callback only snapshots the
// event and hands it to the event loop, it never blocks and never fails.
func (c *Channel) runBridge(ctx context.Context) {
	newClient := func() *larkws.Client {
		handler := dispatcher.NewEventDispatcher(c.cfg.VerificationToken, c.cfg.EncryptKey)
		handler.OnP2MessageReceiveV1(func(_ context.Context, event *larkim.P2MessageReceiveV1) error {
			ev, ok := extractEvent(event)
			if !ok {
				return nil
			}
			select {
			case <-ctx.Done():
				c.logger.Warn("event after shutdown, dropping", slog.String("message_id", ev.messageID))
			case c.events <- ev:
			default:
				c.logger.Warn("event queue full, dropping", slog.String("message_id", ev.messageID))
			}
			return nil
		})
		return larkws.NewClient(
			c.cfg.AppID,
			c.cfg.AppSecret,
			larkws.WithEventHandler(handler),
			larkws.WithDomain(c.cfg.openBaseURL()),
			larkws.WithLogLevel(larkcore.LogLevelInfo),
		)
	}

	for {
		if ctx.Err() != nil {
			return
		}
		client := newClient()
		err := client.Start(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Error("websocket client exited", slog.Any("error", err))
		} else {
			c.logger.Warn("websocket client exited without error; reconnecting")
		}
		timer := time.NewTimer(reconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// runEventLoop is the single consumer of the event queue. Everything
// that mutates the dedup cache happens here.
func (c *Channel) runEventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			c.handleEvent(ctx, ev)
		}
	}
}

// handleEvent runs the single-threaded part of the pipeline: sender
// filtering, admission, classification. The blocking remainder (reaction,
// media fetch, forwarding) is dispatched onto the bounded worker pool so
// a slow platform response never stalls admission of other events.
func (c *Channel) handleEvent(ctx context.Context, ev inboundEvent) {
	if ev.senderType == "bot" {
		return
	}
	if !c.dedup.admit(ev.messageID) {
		c.logger.Debug("duplicate event dropped", slog.String("message_id", ev.messageID))
		return
	}
	parts := classify(ev.msgType, ev.content)

	select {
	case c.workers <- struct{}{}:
	case <-ctx.Done():
		return
	}
	go func() {
		defer func() {
			<-c.workers
			if r := recover(); r != nil {
				c.logger.Error("panic while processing event",
					slog.String("message_id", ev.messageID),
					slog.Any("panic", r),
				)
			}
		}()
		c.process(ctx, ev, parts)
	}()
}

// process resolves fetches, assembles the normalized message, and
// forwards it to the bus. Errors degrade the output, they never escape.
func (c *Channel) process(ctx context.Context, ev inboundEvent, parts []part) {
	if err := c.client.AddReaction(ctx, ev.messageID, seenReactionType); err != nil {
		c.logger.Warn("seen reaction failed", slog.String("message_id", ev.messageID), slog.Any("error", err))
	}

	fragments := make([]string, 0, len(parts))
	var media []string
	for _, p := range parts {
		if p.fetch == nil {
			fragments = append(fragments, p.text)
			continue
		}
		path, err := c.fetchMedia(ctx, ev.messageID, *p.fetch)
		if err != nil {
			c.logger.Error("media download failed",
				slog.String("message_id", ev.messageID),
				slog.String("file_key", p.fetch.fileKey),
				slog.Any("error", err),
			)
			fragments = append(fragments, fmt.Sprintf("[%s: download failed]", p.fetch.msgType))
			continue
		}
		media = append(media, path)
		fragments = append(fragments, fmt.Sprintf("[%s: %s]", p.fetch.msgType, path))
	}

	content := strings.Join(fragments, "\n")
	if content == "" {
		content = emptyMessageText
	}

	replyTo := ev.senderID
	if ev.chatType == chatTypeGroup {
		replyTo = ev.chatID
	}

	msg := bus.InboundMessage{
		Channel:  Name,
		SenderID: ev.senderID,
		ChatID:   replyTo,
		Content:  content,
		Media:    media,
		Metadata: map[string]string{
			"message_id": ev.messageID,
			"chat_type":  ev.chatType,
			"msg_type":   ev.msgType,
		},
	}
	if !c.bus.PublishInbound(ctx, msg) {
		c.logger.Warn("inbound publish dropped", slog.String("message_id", ev.messageID))
	}
}

// extractEvent snapshots the SDK event into a plain value so no SDK
// pointers cross the goroutine boundary.
func extractEvent(event *larkim.P2MessageReceiveV1) (inboundEvent, bool) {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return inboundEvent{}, false
	}
	message := event.Event.Message

	var ev inboundEvent
	if message.MessageId != nil {
		ev.messageID = *message.MessageId
	}
	if message.MessageType != nil {
		ev.msgType = *message.MessageType
	}
	if message.Content != nil {
		ev.content = *message.Content
	}
	if message.ChatId != nil {
		ev.chatID = *message.ChatId
	}
	if message.ChatType != nil {
		ev.chatType = *message.ChatType
	}
	if sender := event.Event.Sender; sender != nil {
		if sender.SenderType != nil {
			ev.senderType = *sender.SenderType
		}
		if sender.SenderId != nil && sender.SenderId.OpenId != nil {
			ev.senderID = strings.TrimSpace(*sender.SenderId.OpenId)
		}
	}
	if ev.senderID == "" {
		ev.senderID = "unknown"
	}
	if ev.messageID == "" {
		return inboundEvent{}, false
	}
	return ev, true
}
