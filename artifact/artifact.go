package artifact

import (
	"fmt"
	"strings"

	"github.com/shotmill/shotmill/job"
)

// Store is the object-store port. Put persists artifact bytes under key and
// returns the public result URL; Delete removes them.
type Store interface {
	Put(key string, data []byte, contentType string) (string, error)
	Delete(key string) error
}

// extensions maps capture formats to artifact file extensions.
var extensions = map[string]string{
	job.FormatPNG:  "png",
	job.FormatJPEG: "jpg",
	job.FormatPDF:  "pdf",
	job.FormatWEBP: "webp",
}

// Key builds the storage key of a job's artifact. Keys are flat and derived
// from the job id, which is already unique and unguessable enough for a
// token-gated store.
func Key(j *job.Job) string {
	ext, ok := extensions[j.Request.Format]
	if !ok {
		ext = "bin"
	}
	return fmt.Sprintf("%s.%s", j.ID, ext)
}

// ValidKey reports whether a client-supplied filename is a well-formed
// artifact key: no path separators, no traversal, a single extension.
func ValidKey(name string) bool {
	if name == "" || len(name) > 256 {
		return false
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return false
	}
	i := strings.LastIndexByte(name, '.')
	return i > 0 && i < len(name)-1
}

// JobIDFromKey recovers the job id from an artifact key.
func JobIDFromKey(name string) string {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[:i]
	}
	return name
}
