package ingest

import (
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/amillerrr/vod-packager/pkg/models"
)

// MaxFilenameLength bounds the client-supplied filename.
const MaxFilenameLength = 255

// Accepted source containers.
var (
	AllowedExtensions = map[string]bool{
		".mp4":  true,
		".mov":  true,
		".avi":  true,
		".mkv":  true,
		".webm": true,
	}

	AllowedContentTypes = map[string]bool{
		"video/mp4":        true,
		"video/quicktime":  true,
		"video/x-msvideo":  true,
		"video/x-matroska": true,
		"video/webm":       true,
	}
)

// ValidateFilename checks the length and extension of an uploaded filename.
func ValidateFilename(filename string) error {
	if filename == "" {
		return errors.New("filename is required")
	}
	if len(filename) > MaxFilenameLength {
		return models.ErrFilenameTooLong
	}

	if !AllowedExtensions[Extension(filename)] {
		return fmt.Errorf("%w: allowed extensions are mp4, mov, avi, mkv, webm", models.ErrInvalidFileType)
	}
	return nil
}

// ValidateContentType checks the declared media type of an upload. Parameters
// such as "; codecs=..." are ignored.
func ValidateContentType(contentType string) error {
	if contentType == "" {
		return errors.New("content type is required")
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return fmt.Errorf("%w: %s", models.ErrInvalidContentType, contentType)
	}
	if !AllowedContentTypes[mediaType] {
		return fmt.Errorf("%w: %s", models.ErrInvalidContentType, mediaType)
	}
	return nil
}

// Extension returns the lowercased extension of filename, dot included.
func Extension(filename string) string {
	return strings.ToLower(filepath.Ext(filepath.Base(filename)))
}
