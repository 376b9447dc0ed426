package attachments

import (
	"bytes"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"strings"
	"sync"

	"github.com/Alexander-D-Karpov/chatcore/internal/messaging"
	"github.com/google/uuid"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	ThumbnailSize    = 320
	ThumbnailQuality = 80
	PDFIcon          = "file-pdf"
	maxPreviewBytes  = 20 * 1024 * 1024
)

// ObjectURLs hands out blob: URLs for in-memory preview data until they are
// revoked.
type ObjectURLs struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewObjectURLs() *ObjectURLs {
	return &ObjectURLs{data: make(map[string][]byte)}
}

func (o *ObjectURLs) Create(data []byte) string {
	url := "blob:" + uuid.New().String()
	o.mu.Lock()
	o.data[url] = data
	o.mu.Unlock()
	return url
}

func (o *ObjectURLs) Resolve(url string) ([]byte, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	data, ok := o.data[url]
	return data, ok
}

func (o *ObjectURLs) Revoke(url string) {
	o.mu.Lock()
	delete(o.data, url)
	o.mu.Unlock()
}

func (o *ObjectURLs) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.data)
}

// Preview builds the preview shown while a file uploads: an object URL for
// images, a static placeholder for PDFs and nothing for other types.
// Readable images are thumbnailed and carry their dimensions.
func (o *ObjectURLs) Preview(f Source) *messaging.Preview {
	mt := normalizeMIME(f.MimeType)
	switch {
	case strings.HasPrefix(mt, "image/"):
		p := &messaging.Preview{Kind: messaging.PreviewImage}
		data := peek(f)
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			p.Width, p.Height = cfg.Width, cfg.Height
			if thumb, err := thumbnail(data); err == nil {
				data = thumb
			}
		}
		p.URL = o.Create(data)
		return p
	case mt == "application/pdf":
		return &messaging.Preview{Kind: messaging.PreviewPlaceholder, Icon: PDFIcon}
	}
	return nil
}

// peek reads the source without consuming it. Sources that cannot seek
// yield no bytes.
func peek(f Source) []byte {
	rs, ok := f.Data.(io.ReadSeeker)
	if !ok {
		return nil
	}
	start, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(rs, maxPreviewBytes))
	if _, seekErr := rs.Seek(start, io.SeekStart); seekErr != nil || err != nil {
		return nil
	}
	return data
}

func thumbnail(data []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w > ThumbnailSize || h > ThumbnailSize {
		if w > h {
			h = max(1, h*ThumbnailSize/w)
			w = ThumbnailSize
		} else {
			w = max(1, w*ThumbnailSize/h)
			h = ThumbnailSize
		}
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
		src = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: ThumbnailQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
