// Package routekey derives storage keys from conversation contexts.
//
// A context is either home (no referenced resource) or a reference to a
// video. References resolve to a stable video key when an id can be
// extracted, and to a hashed literal key otherwise.
package routekey

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"

	"github.com/user/chatrecipe/internal/types"
)

// HomeKey is the storage key for the context with no referenced resource.
const HomeKey types.StorageKey = "home"

const (
	maxLiteralLen = 48
	hashPrefixLen = 12
)

// Context is the conversation context a route resolves to.
type Context struct {
	// Ref is the referenced resource, verbatim. Empty means home.
	Ref string
}

// Home reports whether c has no referenced resource.
func (c Context) Home() bool {
	return strings.TrimSpace(c.Ref) == ""
}

// Path renders c as a route path, the inverse of ParseRoute.
func (c Context) Path() string {
	if c.Home() {
		return "/"
	}
	return "/" + url.PathEscape(c.Ref)
}

func (c Context) String() string {
	if c.Home() {
		return "home"
	}
	return c.Ref
}

// ParseRoute maps a route path to a Context. "/" and "" are home; anything
// else is a single escaped reference segment.
func ParseRoute(path string) Context {
	p := strings.TrimPrefix(strings.TrimSpace(path), "/")
	if p == "" {
		return Context{}
	}
	if ref, err := url.PathUnescape(p); err == nil {
		p = ref
	}
	return Context{Ref: p}
}

var (
	videoIDChars  = `[A-Za-z0-9_-]+`
	videoPatterns = []*regexp.Regexp{
		regexp.MustCompile(`[?&]v=(` + videoIDChars + `)`),
		regexp.MustCompile(`youtu\.be/(` + videoIDChars + `)`),
		regexp.MustCompile(`/embed/(` + videoIDChars + `)`),
		regexp.MustCompile(`/shorts/(` + videoIDChars + `)`),
		regexp.MustCompile(`/live/(` + videoIDChars + `)`),
	}
	bareVideoID    = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)
	literalInvalid = regexp.MustCompile(`[^a-z0-9._-]+`)
)

// VideoID extracts a video identifier from ref. It reports false when ref is
// neither a recognised video URL nor a bare 11 character id.
func VideoID(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	for _, re := range videoPatterns {
		if m := re.FindStringSubmatch(ref); m != nil {
			return m[1], true
		}
	}
	if bareVideoID.MatchString(ref) {
		return ref, true
	}
	return "", false
}

// KeyFor returns the storage key for c. It is a pure function: equal
// contexts always give equal keys and distinct references never share one.
func KeyFor(c Context) types.StorageKey {
	if c.Home() {
		return HomeKey
	}
	if id, ok := VideoID(c.Ref); ok {
		return types.NewStorageKey("video", id)
	}
	return types.NewStorageKey("ref", literalKey(c.Ref))
}

func literalKey(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	lit := literalInvalid.ReplaceAllString(strings.ToLower(ref), "")
	if len(lit) > maxLiteralLen {
		lit = lit[:maxLiteralLen]
	}
	return lit + "~" + hex.EncodeToString(sum[:])[:hashPrefixLen]
}
