// Package storage holds helpers shared by the ArchiveStore backends.
//
// Every backend addresses blobs by a slash-separated key (usually a content
// hash) and hands out locators (file://, memory://, s3://, gs:// URLs) that
// KeyFor can map back to the key.
package storage

import (
	"fmt"
	"path"
	"strings"

	"github.com/JakeFAU/webmonitor/internal/monitor"
)

// DefaultContentType is used when a blob is saved without a content type.
const DefaultContentType = "application/octet-stream"

// CleanKey validates key and strips leading slashes. Keys may not be empty or
// escape their root with ".." segments.
func CleanKey(key string) (string, error) {
	trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
	if trimmed == "" {
		return "", &monitor.ValidationError{Field: "key", Message: "is required"}
	}
	for _, seg := range strings.Split(trimmed, "/") {
		if seg == ".." {
			return "", &monitor.ValidationError{Field: "key", Message: fmt.Sprintf("%q escapes the store root", key)}
		}
	}
	return path.Clean(trimmed), nil
}

// ContentType returns contentType or DefaultContentType when it is blank.
func ContentType(contentType string) string {
	if strings.TrimSpace(contentType) == "" {
		return DefaultContentType
	}
	return contentType
}

// IsURL reports whether s looks like an absolute URL rather than a bare key.
func IsURL(s string) bool {
	return strings.Contains(s, "://")
}

// JoinPrefix places key under prefix.
func JoinPrefix(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// TrimPrefix removes prefix from an object name, reporting false when the
// name lies outside it.
func TrimPrefix(prefix, name string) (string, bool) {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name, name != ""
	}
	rest, ok := strings.CutPrefix(name, prefix+"/")
	return rest, ok && rest != ""
}

// NotFound wraps monitor.ErrNotFound with the missing key.
func NotFound(key string) error {
	return fmt.Errorf("archive key %q: %w", key, monitor.ErrNotFound)
}
