// validate.go - Upload name and content-type checks.
package upload

import (
	"mime"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	defaultContentType = "application/octet-stream"
	maxNameBytes       = 255
)

// allowedMajorTypes lists the MIME major types accepted for upload. Anything
// else must be one of allowedApplicationTypes.
var allowedMajorTypes = map[string]bool{
	"text":  true,
	"image": true,
	"audio": true,
	"video": true,
}

var allowedApplicationTypes = map[string]bool{
	"application/pdf":    true,
	"application/json":   true,
	"application/xml":    true,
	"application/zip":    true,
	"application/gzip":   true,
	"application/x-tar":  true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
	"application/x-7z-compressed": true,
	defaultContentType:            true,
}

var blockedExtensions = map[string]bool{
	".exe": true, ".bat": true, ".cmd": true, ".com": true, ".scr": true,
	".vbs": true, ".jar": true, ".msi": true, ".dll": true, ".so": true,
	".dylib": true, ".app": true, ".pif": true,
}

var safeExt = regexp.MustCompile(`^\.[a-z0-9]{1,10}$`)

// sanitizeName strips path separators and NUL bytes and bounds the length
// in bytes without splitting a UTF-8 sequence.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "\x00", "")
	name = strings.ToValidUTF8(name, "")
	name = strings.Trim(name, " .")

	if len(name) > maxNameBytes {
		ext := filepath.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		n := maxNameBytes - len(ext)
		for n > 0 && !utf8.RuneStart(name[n]) {
			n--
		}
		name = name[:n] + ext
	}
	return name
}

// extension returns the lowercase extension of name if it is safe to embed in
// an object key.
func extension(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if !safeExt.MatchString(ext) {
		return ""
	}
	return ext
}

// normalizeContentType validates the declared type against the name. An empty
// type is inferred from the extension.
func normalizeContentType(name, declared string) (string, error) {
	if blockedExtensions[strings.ToLower(filepath.Ext(name))] {
		return "", invalid("file type not allowed")
	}

	ct := strings.ToLower(strings.TrimSpace(declared))
	if ct == "" {
		ct = mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	}
	if ct == "" {
		return defaultContentType, nil
	}

	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return "", invalid("invalid content type")
	}

	major, _, _ := strings.Cut(mediaType, "/")
	if !allowedMajorTypes[major] && !allowedApplicationTypes[mediaType] {
		return "", invalid("content type not allowed: " + mediaType)
	}
	return mediaType, nil
}
