// Package attachment checks files against the limits the school service accepts.
package attachment

import (
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"schoolmsg/internal/domain"
)

// MaxSizeBytes is the largest upload the service accepts.
const MaxSizeBytes = 10 * 1024 * 1024

const (
	msgTooLarge    = "File size must be less than 10MB"
	msgUnsupported = "File type not supported. Please upload images or documents only."
)

var allowedTypes = map[string]bool{
	"image/jpeg":         true,
	"image/jpg":          true,
	"image/png":          true,
	"image/gif":          true,
	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   true,
	"application/vnd.ms-powerpoint":                                             true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
	"application/vnd.ms-excel":                                                  true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         true,
}

// File is the metadata Validate looks at.
type File struct {
	SizeBytes int64
	MediaType string
}

// Verdict is the outcome of Validate. Err is nil when Valid.
type Verdict struct {
	Valid bool
	Err   error
}

// Validate applies the size rule, then the media type allow-list.
func Validate(f File) Verdict {
	if f.SizeBytes > MaxSizeBytes {
		return Verdict{Err: domain.Invalid("size", msgTooLarge)}
	}
	if !Allowed(f.MediaType) {
		return Verdict{Err: domain.Invalid("mediaType", msgUnsupported)}
	}
	return Verdict{Valid: true}
}

// Allowed reports whether mediaType is on the allow-list. Parameters such as
// "; charset=" are ignored.
func Allowed(mediaType string) bool {
	base, _, err := mime.ParseMediaType(mediaType)
	if err != nil {
		base = strings.TrimSpace(mediaType)
	}
	return allowedTypes[strings.ToLower(base)]
}

var extensionTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

// DetectMediaType guesses the media type of a local file from its name, then
// from the first bytes of its content.
func DetectMediaType(name string, head []byte) string {
	ext := strings.ToLower(filepath.Ext(name))
	if t, ok := extensionTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return http.DetectContentType(head)
}
