package prescription

import (
	"bytes"
	"mime/multipart"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/rxextract/rxextract/internal/platform/apperr"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestEncodeDecodeImage(t *testing.T) {
	enc := EncodeImage("image/jpg", []byte("abc"))
	if enc != "data:image/jpeg;base64,YWJj" {
		t.Fatalf("unexpected data URL %q", enc)
	}
	b, mime, err := DecodeImage(enc, "")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(b) != "abc" || mime != MIMEJPEG {
		t.Errorf("got %q %s", b, mime)
	}

	if EncodeImage(MIMEPNG, nil) != "" {
		t.Error("empty image should encode to empty string")
	}
}

func TestDecodeImage_BareBase64(t *testing.T) {
	b, mime, err := DecodeImage("YWJj", "image/png")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(b) != "abc" || mime != MIMEPNG {
		t.Errorf("got %q %s", b, mime)
	}
}

func TestDecodeImage_Empty(t *testing.T) {
	for _, in := range []string{"", "data:image/png;base64,"} {
		b, _, err := DecodeImage(in, "")
		if err != nil || len(b) != 0 {
			t.Errorf("DecodeImage(%q) = %v, %v", in, b, err)
		}
	}
}

func TestDecodeImage_Invalid(t *testing.T) {
	_, _, err := DecodeImage("data:image/png;base64,!!!", "")
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestHasImage(t *testing.T) {
	tests := map[string]bool{
		"":                            false,
		"data:image/jpeg;base64,":     false,
		"data:image/jpeg;base64,YWJj": true,
	}
	for data, want := range tests {
		p := &Prescription{ImageData: data}
		if p.HasImage() != want {
			t.Errorf("HasImage(%q) = %v, want %v", data, !want, want)
		}
	}
}

// multipartFile builds a FileHeader the way echo parses one from a request.
func multipartFile(t *testing.T, field, name, contentType string, data []byte) *multipart.FileHeader {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+name+`"`)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	part, err := w.CreatePart(h)
	if err != nil {
		t.Fatal(err)
	}
	part.Write(data)
	w.Close()

	req := httptest.NewRequest("POST", "/", body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	if err := req.ParseMultipartForm(32 << 20); err != nil {
		t.Fatal(err)
	}
	return req.MultipartForm.File[field][0]
}

func TestReadUpload(t *testing.T) {
	u, err := ReadUpload(multipartFile(t, "files", "rx.png", "image/png", pngHeader), 1024)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.FileName != "rx.png" || u.MIMEType != MIMEPNG || len(u.Data) != len(pngHeader) {
		t.Errorf("unexpected upload %+v", u)
	}
	if u.FileSize() != "16 B" {
		t.Errorf("unexpected file size %q", u.FileSize())
	}
}

func TestReadUpload_SniffsOctetStream(t *testing.T) {
	u, err := ReadUpload(multipartFile(t, "files", "scan", "application/octet-stream", pngHeader), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.MIMEType != MIMEPNG {
		t.Errorf("expected sniffed png, got %s", u.MIMEType)
	}
}

func TestReadUpload_ZeroByte(t *testing.T) {
	u, err := ReadUpload(multipartFile(t, "files", "empty.jpg", "", nil), 1024)
	if err != nil {
		t.Fatalf("zero-byte upload should be accepted: %v", err)
	}
	if u.DataURL() != "" || u.MIMEType != MIMEJPEG {
		t.Errorf("unexpected upload %+v", u)
	}
}

func TestReadUpload_Rejects(t *testing.T) {
	tests := []struct {
		name string
		fh   *multipart.FileHeader
	}{
		{"wrong type", multipartFile(t, "files", "rx.gif", "image/gif", []byte("GIF89a"))},
		{"too large", multipartFile(t, "files", "rx.png", "image/png", bytes.Repeat([]byte("x"), 64))},
		{"nil", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadUpload(tt.fh, 32)
			if apperr.KindOf(err) != apperr.KindValidation {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}
