package chat

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/rj8b0000/gsb-admin-backend/internal/models"
)

// MediaKind is the category of an attachment.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaPDF      MediaKind = "pdf"
	MediaDocument MediaKind = "document"
)

// DefaultMaxUploadBytes caps attachment size when the service is not
// configured otherwise.
const DefaultMaxUploadBytes int64 = 50 << 20

// allowedMimeTypes is the attachment allow-list.
var allowedMimeTypes = map[string]MediaKind{
	"image/jpeg":      MediaImage,
	"image/png":       MediaImage,
	"image/webp":      MediaImage,
	"video/mp4":       MediaVideo,
	"video/mpeg":      MediaVideo,
	"video/quicktime": MediaVideo,
	"application/pdf": MediaPDF,
}

// Valid reports whether k is one of the known kinds.
func (k MediaKind) Valid() bool {
	switch k {
	case MediaImage, MediaVideo, MediaPDF, MediaDocument:
		return true
	}
	return false
}

// Media is an attachment already uploaded to object storage. It is
// immutable once attached to a message.
type Media struct {
	Kind     MediaKind `json:"kind"`
	URL      string    `json:"url"`
	Filename string    `json:"filename"`
	MimeType string    `json:"mimeType"`
	Size     int64     `json:"size"`
}

// Attachment is a file submitted with an inbound message, before upload.
type Attachment struct {
	Data     []byte
	MimeType string
	Filename string
}

// NormalizeMimeType lowercases a declared content type and strips any
// parameters.
func NormalizeMimeType(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		return mt
	}
	return strings.ToLower(contentType)
}

// KindForMimeType returns the media kind for an allowed mime type.
func KindForMimeType(mimeType string) (MediaKind, error) {
	mt := NormalizeMimeType(mimeType)
	kind, ok := allowedMimeTypes[mt]
	if !ok {
		return "", fmt.Errorf("chat: %w: mime type %q is not allowed", ErrUnsupportedMedia, mt)
	}
	return kind, nil
}

// SanitizeFilename reduces a client-supplied name to a safe base name.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "upload"
	}
	if len(out) > 128 {
		ext := filepath.Ext(out)
		if len(ext) > 16 {
			ext = ""
		}
		out = out[:128-len(ext)] + ext
	}
	return out
}

// checkAttachment validates an attachment against the allow-list and size
// limit and returns its kind.
func checkAttachment(a *Attachment, maxBytes int64) (MediaKind, error) {
	if len(a.Data) == 0 {
		return "", validationf("attachment is empty")
	}
	kind, err := KindForMimeType(a.MimeType)
	if err != nil {
		return "", err
	}
	if maxBytes > 0 && int64(len(a.Data)) > maxBytes {
		return "", fmt.Errorf("chat: %w: file is %d bytes, limit is %d", ErrUnsupportedMedia, len(a.Data), maxBytes)
	}
	return kind, nil
}

// applyMedia copies m onto the message's media columns.
func applyMedia(msg *models.Message, m *Media) {
	if m == nil {
		return
	}
	msg.MediaKind = string(m.Kind)
	msg.MediaURL = m.URL
	msg.MediaFilename = m.Filename
	msg.MediaMimeType = m.MimeType
	msg.MediaSize = m.Size
}

// MediaOf returns the attachment carried by msg, or nil.
func MediaOf(msg models.Message) *Media {
	kind := MediaKind(msg.MediaKind)
	switch kind {
	case MediaImage, MediaVideo, MediaPDF, MediaDocument:
		return &Media{
			Kind:     kind,
			URL:      msg.MediaURL,
			Filename: msg.MediaFilename,
			MimeType: msg.MediaMimeType,
			Size:     msg.MediaSize,
		}
	default:
		return nil
	}
}
