package feishu

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/larkgate/larkgate/internal/bus"
)

type sentMessage struct {
	receiveIDType string
	receiveID     string
	msgType       string
	content       string
}

type fakeResource struct {
	data []byte
	mime string
	err  error
}

// fakePlatformClient records API calls and serves canned resources.
type fakePlatformClient struct {
	mu        sync.Mutex
	sent      []sentMessage
	reactions []string
	resources map[string]fakeResource

	sendErr  error
	reactErr error
}

func newFakePlatformClient() *fakePlatformClient {
	return &fakePlatformClient{resources: make(map[string]fakeResource)}
}

func (f *fakePlatformClient) SendMessage(_ context.Context, receiveIDType, receiveID, msgType, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{receiveIDType, receiveID, msgType, content})
	return nil
}

func (f *fakePlatformClient) AddReaction(_ context.Context, messageID, emojiType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reactErr != nil {
		return f.reactErr
	}
	f.reactions = append(f.reactions, messageID+":"+emojiType)
	return nil
}

func (f *fakePlatformClient) FetchResource(_ context.Context, _, fileKey, _ string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.resources[fileKey]
	if !ok {
		return nil, "", io.ErrUnexpectedEOF
	}
	if res.err != nil {
		return nil, "", res.err
	}
	return res.data, res.mime, nil
}

func (f *fakePlatformClient) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func (f *fakePlatformClient) reacted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reactions...)
}

func newTestChannel(t *testing.T, client *fakePlatformClient, workspace string) *Channel {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(Config{AppID: "cli_test", AppSecret: "secret"}, logger, bus.NewMessageBus(), workspace)
	c.client = client
	return c
}

func consumeInbound(t *testing.T, c *Channel) bus.InboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, ok := c.bus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("timed out waiting for inbound message")
	}
	return msg
}

func textEvent(messageID, senderID, chatID, chatType, text string) inboundEvent {
	return inboundEvent{
		messageID:  messageID,
		senderID:   senderID,
		senderType: "user",
		chatID:     chatID,
		chatType:   chatType,
		msgType:    larkim.MsgTypeText,
		content:    `{"text":` + quoteJSON(text) + `}`,
	}
}

func quoteJSON(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestHandleEventDirectMessage(t *testing.T) {
	t.Parallel()

	client := newFakePlatformClient()
	c := newTestChannel(t, client, t.TempDir())

	c.handleEvent(context.Background(), textEvent("om_1", "ou_alice", "oc_chat1", "p2p", "hello"))

	msg := consumeInbound(t, c)
	if msg.Channel != Name {
		t.Fatalf("unexpected channel: %s", msg.Channel)
	}
	if msg.Content != "hello" {
		t.Fatalf("unexpected content: %q", msg.Content)
	}
	if msg.ChatID != "ou_alice" {
		t.Fatalf("direct messages should reply to the sender, got %s", msg.ChatID)
	}
	if msg.Metadata["message_id"] != "om_1" || msg.Metadata["chat_type"] != "p2p" {
		t.Fatalf("unexpected metadata: %v", msg.Metadata)
	}
	if got := client.reacted(); len(got) != 1 || got[0] != "om_1:OK" {
		t.Fatalf("expected OK reaction on om_1, got %v", got)
	}
}

func TestHandleEventGroupMessage(t *testing.T) {
	t.Parallel()

	c := newTestChannel(t, newFakePlatformClient(), t.TempDir())
	c.handleEvent(context.Background(), textEvent("om_2", "ou_bob", "oc_group1", "group", "hi all"))

	msg := consumeInbound(t, c)
	if msg.ChatID != "oc_group1" {
		t.Fatalf("group messages should reply to the chat, got %s", msg.ChatID)
	}
	if msg.SenderID != "ou_bob" {
		t.Fatalf("unexpected sender: %s", msg.SenderID)
	}
}

func TestHandleEventSkipsBotSenders(t *testing.T) {
	t.Parallel()

	client := newFakePlatformClient()
	c := newTestChannel(t, client, t.TempDir())

	ev := textEvent("om_bot", "ou_bot", "oc_chat1", "p2p", "ignore me")
	ev.senderType = "bot"
	c.handleEvent(context.Background(), ev)

	if c.dedup.contains("om_bot") {
		t.Fatal("bot events must not occupy the dedup cache")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, ok := c.bus.ConsumeInbound(ctx); ok {
		t.Fatal("bot events must not be forwarded")
	}
	if len(client.reacted()) != 0 {
		t.Fatal("bot events must not be acknowledged")
	}
}

func TestHandleEventDropsDuplicates(t *testing.T) {
	t.Parallel()

	c := newTestChannel(t, newFakePlatformClient(), t.TempDir())
	ev := textEvent("om_dup", "ou_alice", "oc_chat1", "p2p", "once")
	c.handleEvent(context.Background(), ev)
	c.handleEvent(context.Background(), ev)

	consumeInbound(t, c)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, ok := c.bus.ConsumeInbound(ctx); ok {
		t.Fatal("duplicate event was forwarded")
	}
}

func TestHandleEventEmptyText(t *testing.T) {
	t.Parallel()

	c := newTestChannel(t, newFakePlatformClient(), t.TempDir())
	c.handleEvent(context.Background(), textEvent("om_empty", "ou_alice", "oc_chat1", "p2p", ""))

	msg := consumeInbound(t, c)
	if msg.Content != emptyMessageText {
		t.Fatalf("expected %q, got %q", emptyMessageText, msg.Content)
	}
}

func TestHandleEventMediaDownload(t *testing.T) {
	t.Parallel()

	client := newFakePlatformClient()
	client.resources["img_key_1"] = fakeResource{data: []byte("png bytes"), mime: "image/png"}
	workspace := t.TempDir()
	c := newTestChannel(t, client, workspace)

	c.handleEvent(context.Background(), inboundEvent{
		messageID:  "om_img",
		senderID:   "ou_alice",
		senderType: "user",
		chatID:     "oc_chat1",
		chatType:   "p2p",
		msgType:    larkim.MsgTypeImage,
		content:    `{"image_key":"img_key_1"}`,
	})

	msg := consumeInbound(t, c)
	if len(msg.Media) != 1 {
		t.Fatalf("expected one media path, got %v", msg.Media)
	}
	if !strings.HasPrefix(msg.Content, "[image: ") || !strings.Contains(msg.Content, msg.Media[0]) {
		t.Fatalf("content should reference the local path, got %q", msg.Content)
	}
	if _, err := os.Stat(msg.Media[0]); err != nil {
		t.Fatalf("media file missing: %v", err)
	}
}

func TestHandleEventMediaDownloadFailure(t *testing.T) {
	t.Parallel()

	c := newTestChannel(t, newFakePlatformClient(), t.TempDir())
	c.handleEvent(context.Background(), inboundEvent{
		messageID:  "om_fail",
		senderID:   "ou_alice",
		senderType: "user",
		chatID:     "oc_chat1",
		chatType:   "p2p",
		msgType:    larkim.MsgTypeImage,
		content:    `{"image_key":"img_missing"}`,
	})

	msg := consumeInbound(t, c)
	if msg.Content != "[image: download failed]" {
		t.Fatalf("unexpected content: %q", msg.Content)
	}
	if len(msg.Media) != 0 {
		t.Fatalf("failed download should not record media, got %v", msg.Media)
	}
}

func TestSendInteractiveCard(t *testing.T) {
	t.Parallel()

	client := newFakePlatformClient()
	c := newTestChannel(t, client, t.TempDir())

	if err := c.Send(context.Background(), bus.OutboundMessage{Channel: Name, ChatID: "oc_group1", Content: "**done**"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := c.Send(context.Background(), bus.OutboundMessage{Channel: Name, ChatID: "ou_alice", Content: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	sent := client.sentMessages()
	if len(sent) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(sent))
	}
	if sent[0].receiveIDType != larkim.ReceiveIdTypeChatId || sent[0].receiveID != "oc_group1" {
		t.Fatalf("chat target misrouted: %+v", sent[0])
	}
	if sent[1].receiveIDType != larkim.ReceiveIdTypeOpenId || sent[1].receiveID != "ou_alice" {
		t.Fatalf("user target misrouted: %+v", sent[1])
	}
	for _, s := range sent {
		if s.msgType != larkim.MsgTypeInteractive {
			t.Fatalf("replies must be interactive cards, got %s", s.msgType)
		}
		var card struct {
			Config   map[string]any   `json:"config"`
			Elements []map[string]any `json:"elements"`
		}
		if err := json.Unmarshal([]byte(s.content), &card); err != nil {
			t.Fatalf("card content is not valid JSON: %v", err)
		}
		if len(card.Elements) == 0 {
			t.Fatal("card has no elements")
		}
	}
}

func TestSendRejectsEmptyTarget(t *testing.T) {
	t.Parallel()

	c := newTestChannel(t, newFakePlatformClient(), t.TempDir())
	if err := c.Send(context.Background(), bus.OutboundMessage{Channel: Name}); err == nil {
		t.Fatal("expected an error for an empty target")
	}
}

func TestStartWithoutCredentials(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(Config{}, logger, bus.NewMessageBus(), t.TempDir())

	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unconfigured Start should return nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("unconfigured Start should return immediately")
	}
}

func TestStopDuringStartup(t *testing.T) {
	t.Parallel()

	c := newTestChannel(t, newFakePlatformClient(), t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	c.state.Store(stateStarting)
	c.cancelMu.Lock()
	c.cancel = cancel
	c.cancelMu.Unlock()

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatal("Stop during startup should cancel the run context")
	}
	if c.state.Load() != stateStopping {
		t.Fatalf("unexpected state after Stop: %d", c.state.Load())
	}
}

func TestStopBeforeRunContextExists(t *testing.T) {
	t.Parallel()

	c := newTestChannel(t, newFakePlatformClient(), t.TempDir())
	c.state.Store(stateStarting)

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Startup observes the stolen transition and cancels itself.
	if c.state.CompareAndSwap(stateStarting, stateRunning) {
		t.Fatal("startup must not reach running after Stop")
	}
}

func TestStopWhenStoppedIsNoop(t *testing.T) {
	t.Parallel()

	c := newTestChannel(t, newFakePlatformClient(), t.TempDir())
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c.state.Load() != stateStopped {
		t.Fatalf("Stop on a stopped channel should not change state, got %d", c.state.Load())
	}
}

func TestExtractEvent(t *testing.T) {
	t.Parallel()

	messageID := "om_x"
	msgType := "text"
	content := `{"text":"hey"}`
	chatID := "oc_1"
	chatType := "p2p"
	senderType := "user"
	openID := "ou_1"

	event := &larkim.P2MessageReceiveV1{
		Event: &larkim.P2MessageReceiveV1Data{
			Message: &larkim.EventMessage{
				MessageId:   &messageID,
				MessageType: &msgType,
				Content:     &content,
				ChatId:      &chatID,
				ChatType:    &chatType,
			},
			Sender: &larkim.EventSender{
				SenderType: &senderType,
				SenderId:   &larkim.UserId{OpenId: &openID},
			},
		},
	}

	ev, ok := extractEvent(event)
	if !ok {
		t.Fatal("expected event to be extracted")
	}
	want := inboundEvent{
		messageID:  "om_x",
		senderID:   "ou_1",
		senderType: "user",
		chatID:     "oc_1",
		chatType:   "p2p",
		msgType:    "text",
		content:    `{"text":"hey"}`,
	}
	if ev != want {
		t.Fatalf("extracted %+v, want %+v", ev, want)
	}

	if _, ok := extractEvent(nil); ok {
		t.Fatal("nil event should not extract")
	}
	if _, ok := extractEvent(&larkim.P2MessageReceiveV1{}); ok {
		t.Fatal("event without payload should not extract")
	}

	noSender := &larkim.P2MessageReceiveV1{
		Event: &larkim.P2MessageReceiveV1Data{
			Message: &larkim.EventMessage{MessageId: &messageID},
		},
	}
	ev, ok = extractEvent(noSender)
	if !ok || ev.senderID != "unknown" {
		t.Fatalf("missing sender should fall back to unknown, got %+v ok=%v", ev, ok)
	}
}
