package prescription

import (
	"encoding/base64"
	"strings"

	"github.com/rxextract/rxextract/internal/platform/apperr"
)

const (
	MIMEJPEG = "image/jpeg"
	MIMEPNG  = "image/png"
)

// placeholderSVG is served for prescriptions without stored image bytes.
const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="400" height="300" viewBox="0 0 400 300">` +
	`<rect width="400" height="300" fill="#f3f4f6"/>` +
	`<text x="200" y="150" font-family="sans-serif" font-size="16" fill="#6b7280" text-anchor="middle">Image not available</text>` +
	`</svg>`

// AllowedMIME reports whether uploads of this content type are accepted.
func AllowedMIME(mime string) bool {
	switch normalizeMIME(mime) {
	case MIMEJPEG, MIMEPNG:
		return true
	}
	return false
}

func normalizeMIME(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	if mime == "image/jpg" || mime == "image/pjpeg" {
		return MIMEJPEG
	}
	return mime
}

// EncodeImage stores image bytes as a data URL. No bytes encode to "".
func EncodeImage(mime string, b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return "data:" + normalizeMIME(mime) + ";base64," + base64.StdEncoding.EncodeToString(b)
}

// DecodeImage accepts a data URL or bare base64 and returns the bytes and
// content type. The type falls back to fallbackMIME, then JPEG.
func DecodeImage(data, fallbackMIME string) ([]byte, string, error) {
	mime := normalizeMIME(fallbackMIME)
	payload := strings.TrimSpace(data)
	if strings.HasPrefix(payload, "data:") {
		comma := strings.IndexByte(payload, ',')
		if comma < 0 {
			return nil, "", apperr.Validation("stored image data is malformed")
		}
		header := payload[len("data:"):comma]
		if m := strings.TrimSuffix(header, ";base64"); m != "" {
			mime = normalizeMIME(m)
		}
		payload = payload[comma+1:]
	}
	if mime == "" {
		mime = MIMEJPEG
	}
	if payload == "" {
		return nil, mime, nil
	}
	b, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", apperr.Validation("stored image data is not valid base64")
	}
	return b, mime, nil
}
