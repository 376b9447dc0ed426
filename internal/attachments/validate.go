package attachments

import (
	"fmt"
	"mime"
	"strings"

	"github.com/Alexander-D-Karpov/chatcore/internal/common/errors"
	"github.com/dustin/go-humanize"
	"github.com/gobwas/glob"
)

const DefaultMaxFileSize int64 = 50 * 1024 * 1024

// Validator checks attachment size and MIME type before any I/O.
type Validator struct {
	maxSize int64
	exact   map[string]bool
	globs   []glob.Glob
}

// NewValidator compiles the allow-list. Entries containing a wildcard are
// matched as globs with '/' as separator, so "image/*" covers "image/png"
// but never crosses into another top-level type.
func NewValidator(maxSize int64, allowed []string) (*Validator, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	v := &Validator{maxSize: maxSize, exact: make(map[string]bool)}
	for _, pattern := range allowed {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		if !strings.ContainsAny(pattern, "*?[{") {
			v.exact[pattern] = true
			continue
		}
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("compile mime pattern %q: %w", pattern, err)
		}
		v.globs = append(v.globs, g)
	}
	return v, nil
}

func (v *Validator) MaxSize() int64 {
	return v.maxSize
}

// Validate returns a FileTooLarge or UnsupportedType error, or nil.
func (v *Validator) Validate(f Source) error {
	if f.Size > v.maxSize {
		return errors.FileTooLarge(fmt.Sprintf("%s is %s, the limit is %s",
			f.Name, humanize.IBytes(uint64(f.Size)), humanize.IBytes(uint64(v.maxSize))))
	}
	if !v.Allowed(f.MimeType) {
		mimeType := f.MimeType
		if mimeType == "" {
			mimeType = "unknown type"
		}
		return errors.UnsupportedType(fmt.Sprintf("%s: %s is not allowed", f.Name, mimeType))
	}
	return nil
}

func (v *Validator) Allowed(mimeType string) bool {
	mt := normalizeMIME(mimeType)
	if mt == "" {
		return false
	}
	if v.exact[mt] {
		return true
	}
	for _, g := range v.globs {
		if g.Match(mt) {
			return true
		}
	}
	return false
}

func normalizeMIME(mimeType string) string {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return ""
	}
	return strings.ToLower(mt)
}
