package feishu

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
)

// platformClient is the adapter's view of the Feishu API. Modeling it as
// an interface keeps the event pipeline testable without a live platform.
type platformClient interface {
	SendMessage(ctx context.Context, receiveIDType, receiveID, msgType, content string) error
	AddReaction(ctx context.Context, messageID, emojiType string) error
	FetchResource(ctx context.Context, messageID, fileKey, resourceType string) ([]byte, string, error)
}

type larkPlatformClient struct {
	client *lark.Client
}

func newLarkPlatformClient(client *lark.Client) *larkPlatformClient {
	return &larkPlatformClient{client: client}
}

func (p *larkPlatformClient) SendMessage(ctx context.Context, receiveIDType, receiveID, msgType, content string) error {
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(receiveIDType).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(receiveID).
			MsgType(msgType).
			Content(content).
			Uuid(uuid.NewString()).
			Build()).
		Build()
	resp, err := p.client.Im.V1.Message.Create(ctx, req)
	if err != nil {
		return err
	}
	if resp == nil || !resp.Success() {
		code, msg := 0, ""
		if resp != nil {
			code, msg = resp.Code, resp.Msg
		}
		return fmt.Errorf("feishu send failed: %s (code: %d)", msg, code)
	}
	return nil
}

func (p *larkPlatformClient) AddReaction(ctx context.Context, messageID, emojiType string) error {
	req := larkim.NewCreateMessageReactionReqBuilder().
		MessageId(messageID).
		Body(larkim.NewCreateMessageReactionReqBodyBuilder().
			ReactionType(larkim.NewEmojiBuilder().EmojiType(emojiType).Build()).
			Build()).
		Build()
	resp, err := p.client.Im.V1.MessageReaction.Create(ctx, req)
	if err != nil {
		return err
	}
	if resp == nil || !resp.Success() {
		code, msg := 0, ""
		if resp != nil {
			code, msg = resp.Code, resp.Msg
		}
		return fmt.Errorf("feishu add reaction failed: %s (code: %d)", msg, code)
	}
	return nil
}

func (p *larkPlatformClient) FetchResource(ctx context.Context, messageID, fileKey, resourceType string) ([]byte, string, error) {
	req := larkim.NewGetMessageResourceReqBuilder().
		MessageId(messageID).
		FileKey(fileKey).
		Type(resourceType).
		Build()
	resp, err := p.client.Im.V1.MessageResource.Get(ctx, req)
	if err != nil {
		return nil, "", err
	}
	if resp == nil || !resp.Success() {
		code, msg := 0, ""
		if resp != nil {
			code, msg = resp.Code, resp.Msg
		}
		return nil, "", fmt.Errorf("feishu fetch resource failed: %s (code: %d)", msg, code)
	}
	if resp.File == nil {
		return nil, "", errors.New("feishu fetch resource: empty payload")
	}
	data, err := io.ReadAll(resp.File)
	if err != nil {
		return nil, "", fmt.Errorf("read resource body: %w", err)
	}
	mimeType := ""
	if resp.ApiResp != nil {
		mimeType = resp.Header.Get("Content-Type")
	}
	return data, mimeType, nil
}
