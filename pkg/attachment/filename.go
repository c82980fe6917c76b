package attachment

import (
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/NicolasHaas/roomchat/pkg/model"
)

const maxFilenameLength = 255

// contentTypeByExt maps file extensions to MIME types for uploads that arrive
// without a Content-Type.
var contentTypeByExt = map[string]string{
	".txt":  "text/plain",
	".pdf":  "application/pdf",
	".zip":  "application/zip",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// DetectContentType guesses a MIME type from the filename extension.
func DetectContentType(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ct, ok := contentTypeByExt[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}

// sanitizeFilename keeps only the base name and strips path separators and
// control characters.
func sanitizeFilename(filename string) string {
	clean := filepath.Base(filepath.Clean(strings.ReplaceAll(filename, "\\", "/")))
	clean = strings.ReplaceAll(clean, "/", "_")
	clean = strings.ReplaceAll(model.SanitizeText(clean), "\n", "")
	clean = strings.ReplaceAll(clean, "\t", "")
	clean = strings.TrimSpace(clean)
	if clean == "." || clean == ".." || clean == "" {
		return "unnamed"
	}
	if len(clean) > maxFilenameLength {
		cut := maxFilenameLength
		for cut > 0 && !utf8.RuneStart(clean[cut]) {
			cut--
		}
		clean = clean[:cut]
	}
	return clean
}
