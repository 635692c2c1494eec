package util

import (
	"net/url"
	"path"
	"strings"
)

// FilenameFromURL derives a display filename from a media URL. The query is
// dropped and percent-encoded storage paths such as
// /v0/b/bucket/o/users%2Fu1%2Fphoto.jpg are decoded before taking the last
// segment. Returns "" when nothing usable remains.
func FilenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		rawURL, _, _ = strings.Cut(rawURL, "?")
		return lastSegment(rawURL)
	}

	p := u.EscapedPath()
	if decoded, err := url.PathUnescape(p); err == nil {
		p = decoded
	}
	return lastSegment(p)
}

func lastSegment(p string) string {
	p = strings.TrimRight(p, "/")
	if p == "" {
		return ""
	}
	name := path.Base(p)
	if name == "." || name == "/" {
		return ""
	}
	return name
}

// ExtensionFromURL returns the lowercased extension of the URL's filename
// without the dot
func ExtensionFromURL(rawURL string) string {
	ext := path.Ext(FilenameFromURL(rawURL))
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func utf8RuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
