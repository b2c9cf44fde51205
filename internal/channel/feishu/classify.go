package feishu

import (
	"encoding/json"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
)

// Placeholder text for media kinds the adapter recognizes.
var msgTypePlaceholders = map[string]string{
	larkim.MsgTypeImage:   "[image]",
	larkim.MsgTypeAudio:   "[audio]",
	larkim.MsgTypeFile:    "[file]",
	larkim.MsgTypeSticker: "[sticker]",
}

const emptyMessageText = "[empty message]"

// fetchRequest asks for a platform resource to be downloaded.
type fetchRequest struct {
	fileKey string
	msgType string
}

// part is one ordered piece of a classified message: either literal text
// or a pending fetch whose result text is filled in after download.
type part struct {
	text  string
	fetch *fetchRequest
}

// classify maps a raw message payload to ordered parts.
//
// Text messages decode {"text": ...}; a body that is not valid JSON is
// treated as literal text. Media messages emit a fetch request when a
// content handle is present, otherwise a kind placeholder; an extra
// "text" field (caption) is appended regardless of kind. Unknown kinds
// map to "[<kind>]".
func classify(msgType, raw string) []part {
	if msgType == larkim.MsgTypeText {
		var body struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(raw), &body); err != nil {
			if raw == "" {
				return nil
			}
			return []part{{text: raw}}
		}
		if body.Text == "" {
			return nil
		}
		return []part{{text: body.Text}}
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return []part{{text: placeholderFor(msgType)}}
	}

	var parts []part
	if key := contentHandle(body); key != "" {
		parts = append(parts, part{fetch: &fetchRequest{fileKey: key, msgType: msgType}})
	} else {
		parts = append(parts, part{text: placeholderFor(msgType)})
	}
	if caption, _ := body["text"].(string); caption != "" {
		parts = append(parts, part{text: caption})
	}
	return parts
}

// contentHandle extracts the binary content reference from a decoded
// media payload. Images carry image_key, everything else file_key.
func contentHandle(body map[string]any) string {
	if key, _ := body["file_key"].(string); key != "" {
		return key
	}
	if key, _ := body["image_key"].(string); key != "" {
		return key
	}
	return ""
}

func placeholderFor(msgType string) string {
	if p, ok := msgTypePlaceholders[msgType]; ok {
		return p
	}
	return "[" + msgType + "]"
}
