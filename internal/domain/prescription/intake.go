package prescription

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/rxextract/rxextract/internal/platform/apperr"
)

// Upload is an image file read from a request, not yet stored.
type Upload struct {
	FileName string
	MIMEType string
	Data     []byte
}

// FileSize renders the size the way it is stored and shown ("12 kB").
func (u Upload) FileSize() string {
	return humanize.Bytes(uint64(len(u.Data)))
}

// DataURL is the stored form of the image; "" when the file was empty.
func (u Upload) DataURL() string {
	return EncodeImage(u.MIMEType, u.Data)
}

// mimeFromName guesses a content type from the file extension.
func mimeFromName(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return MIMEJPEG
	case ".png":
		return MIMEPNG
	}
	return ""
}

// ReadUpload reads and checks one multipart file. Only JPEG and PNG are
// accepted and the file must not exceed maxBytes. Zero-byte files are
// accepted so they can be stored and rejected at processing time.
func ReadUpload(fh *multipart.FileHeader, maxBytes int64) (Upload, error) {
	if fh == nil {
		return Upload{}, apperr.Validation("No file uploaded")
	}
	if maxBytes > 0 && fh.Size > maxBytes {
		return Upload{}, apperr.Validation("File %s exceeds the %s limit", fh.Filename, humanize.Bytes(uint64(maxBytes)))
	}

	f, err := fh.Open()
	if err != nil {
		return Upload{}, fmt.Errorf("open upload %s: %w", fh.Filename, err)
	}
	defer f.Close()

	limit := fh.Size + 1
	if maxBytes > 0 {
		limit = maxBytes + 1
	}
	data, err := io.ReadAll(io.LimitReader(f, limit))
	if err != nil {
		return Upload{}, fmt.Errorf("read upload %s: %w", fh.Filename, err)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return Upload{}, apperr.Validation("File %s exceeds the %s limit", fh.Filename, humanize.Bytes(uint64(maxBytes)))
	}

	mime := normalizeMIME(fh.Header.Get("Content-Type"))
	if mime == "" || mime == "application/octet-stream" {
		if len(data) > 0 {
			mime = normalizeMIME(http.DetectContentType(data))
		} else {
			mime = mimeFromName(fh.Filename)
		}
	}
	if !AllowedMIME(mime) {
		return Upload{}, apperr.Validation("Only JPEG and PNG images are allowed (%s)", fh.Filename)
	}

	name := filepath.Base(fh.Filename)
	if name == "." || name == string(filepath.Separator) {
		name = "upload"
	}
	return Upload{FileName: name, MIMEType: mime, Data: data}, nil
}
