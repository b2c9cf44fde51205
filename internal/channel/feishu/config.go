package feishu

import (
	"fmt"
	"strings"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
)

const (
	regionFeishu = "feishu"
	regionLark   = "lark"
)

// Config holds the Feishu app credentials and adapter settings.
type Config struct {
	AppID             string `toml:"app_id"`
	AppSecret         string `toml:"app_secret"`
	EncryptKey        string `toml:"encrypt_key"`
	VerificationToken string `toml:"verification_token"`
	Region            string `toml:"region"`
}

// Configured reports whether the required credentials are present.
// EncryptKey and VerificationToken are optional.
func (c Config) Configured() bool {
	return strings.TrimSpace(c.AppID) != "" && strings.TrimSpace(c.AppSecret) != ""
}

func (c Config) openBaseURL() string {
	if normalizedRegion(c.Region) == regionLark {
		return lark.LarkBaseUrl
	}
	return lark.FeishuBaseUrl
}

func normalizedRegion(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case regionLark, "global", "intl", "international":
		return regionLark
	default:
		return regionFeishu
	}
}

// resolveReceiveID maps a delivery target to a receive id and type.
// Chat ids carry the "oc_" prefix; anything else addresses a user open_id.
func resolveReceiveID(raw string) (string, string, error) {
	target := strings.TrimSpace(raw)
	if target == "" {
		return "", "", fmt.Errorf("feishu target is required")
	}
	if strings.HasPrefix(target, "oc_") {
		return target, larkim.ReceiveIdTypeChatId, nil
	}
	return target, larkim.ReceiveIdTypeOpenId, nil
}
