package feishu

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const mediaDirName = "media"

// mediaKeyPrefixLen bounds the filename so repeated fetches of the same
// handle overwrite instead of accumulating.
const mediaKeyPrefixLen = 16

var mimeExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"image/bmp":  ".bmp",

	"audio/mpeg":  ".mp3",
	"audio/mp4":   ".m4a",
	"audio/ogg":   ".ogg",
	"audio/wav":   ".wav",
	"audio/x-wav": ".wav",

	"video/mp4":  ".mp4",
	"video/webm": ".webm",

	"application/pdf":    ".pdf",
	"application/msword": ".doc",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": ".docx",
	"application/vnd.ms-excel": ".xls",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         ".xlsx",
	"application/vnd.ms-powerpoint":                                             ".ppt",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": ".pptx",
	"text/plain":                   ".txt",
	"application/zip":              ".zip",
	"application/x-rar-compressed": ".rar",
}

var kindExtensions = map[string]string{
	"image": ".jpg",
	"audio": ".mp3",
	"media": ".mp4",
	"video": ".mp4",
}

// extensionFor picks a file extension from the MIME hint when known,
// otherwise from the message kind.
func extensionFor(msgType, mimeType string) string {
	mimeType = strings.TrimSpace(strings.ToLower(mimeType))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if ext, ok := mimeExtensions[mimeType]; ok {
		return ext
	}
	return kindExtensions[msgType]
}

// mediaPath returns the deterministic local path for a content handle.
func mediaPath(workspace, fileKey, ext string) string {
	key := fileKey
	if len(key) > mediaKeyPrefixLen {
		key = key[:mediaKeyPrefixLen]
	}
	return filepath.Join(workspace, mediaDirName, key+ext)
}

// fetchMedia downloads the resource behind req and persists it under the
// workspace media directory, returning the local path.
func (c *Channel) fetchMedia(ctx context.Context, messageID string, req fetchRequest) (string, error) {
	resourceType := "file"
	if req.msgType == "image" {
		resourceType = "image"
	}
	data, mimeType, err := c.client.FetchResource(ctx, messageID, req.fileKey, resourceType)
	if err != nil {
		return "", fmt.Errorf("fetch resource %s: %w", req.fileKey, err)
	}
	if len(data) == 0 {
		return "", errors.New("resource payload is empty")
	}

	dir := filepath.Join(c.workspace, mediaDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	path := mediaPath(c.workspace, req.fileKey, extensionFor(req.msgType, mimeType))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write media file: %w", err)
	}
	return path, nil
}
