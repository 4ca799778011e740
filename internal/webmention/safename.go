package webmention

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// ErrInvalidName is returned when a URL cannot be turned into a record identifier.
var ErrInvalidName = errors.New("invalid record name")

// GenerateSafeName derives the record identifier for a source URL.
//
// The result is host + path with slashes folded to underscores. Every byte
// outside [A-Za-z0-9._-] is percent-encoded, so the name is always a single
// path element. Scheme, query and fragment are ignored.
func GenerateSafeName(rawURL string) (string, error) {
	if strings.ContainsRune(rawURL, 0) {
		return "", fmt.Errorf("%w: contains NUL byte", ErrInvalidName)
	}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidName, err)
	}
	host := strings.ToLower(u.Host)
	if host == "" {
		return "", fmt.Errorf("%w: missing host in %q", ErrInvalidName, rawURL)
	}
	p := strings.Trim(u.Path, "/")
	name := host
	if p != "" {
		name = host + "/" + p
	}
	return escapeName(strings.ReplaceAll(name, "/", "_")), nil
}

func escapeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isSafeByte(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	out := b.String()
	// "." and ".." are valid bytes but not valid names.
	if strings.Trim(out, ".") == "" {
		return strings.ReplaceAll(out, ".", "%2E")
	}
	return out
}

func isSafeByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '.', c == '_', c == '-':
		return true
	default:
		return false
	}
}

// IsWithin reports whether target lives under the base URL namespace.
// Scheme and host are compared case-insensitively; the cleaned path must
// share the base path as a prefix on a segment boundary, so dot segments
// cannot climb out of it.
func IsWithin(base, target string) bool {
	b, err := url.Parse(base)
	if err != nil || b.Host == "" {
		return false
	}
	t, err := url.Parse(target)
	if err != nil || t.Host == "" {
		return false
	}
	if !strings.EqualFold(b.Scheme, t.Scheme) || !strings.EqualFold(b.Host, t.Host) {
		return false
	}
	prefix := strings.TrimSuffix(CleanPath(b.Path), "/")
	if prefix == "" {
		return true
	}
	p := CleanPath(t.Path)
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

// CleanPath resolves dot segments in a URL path and roots it at "/".
func CleanPath(p string) string {
	return path.Clean("/" + p)
}

// ErrOutsideSite is returned when a target is not under the configured site.
var ErrOutsideSite = errors.New("target outside site namespace")
