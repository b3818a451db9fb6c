// Package auth maps one backend's credential policy to a single upstream
// request header (component C3). It also defines the masked-credential
// type that keeps secrets out of logs everywhere except the header-build
// call site.
package auth

import (
	"strings"

	"github.com/firasghr/anyclaude-proxy/internal/config"
)

// Secret wraps a credential string so it can travel through logs, error
// values and struct dumps without ever printing in full. Only Expose
// returns the raw value, and the only caller of Expose is BuildHeader.
type Secret string

// maskedSuffixLen is how many trailing characters of a non-empty secret are
// shown; this is enough for an operator to tell two configured credentials
// apart without reconstructing either one.
const maskedSuffixLen = 4

// String implements fmt.Stringer, masking all but the trailing characters.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	str := string(s)
	if len(str) <= maskedSuffixLen {
		return strings.Repeat("*", len(str))
	}
	return strings.Repeat("*", len(str)-maskedSuffixLen) + str[len(str)-maskedSuffixLen:]
}

// GoString satisfies fmt.GoStringer so that %#v also masks, matching %v/%s.
func (s Secret) GoString() string { return s.String() }

// Expose returns the raw secret value. Call this only at the point a header
// is actually built; never store or log its result.
func (s Secret) Expose() string { return string(s) }

// Header is one rebuilt upstream request header.
type Header struct {
	Name  string
	Value Secret
}

// BuildHeader maps b's auth mode to the single header the proxy should
// install on the outbound request, per the table in the design doc §4.3.
// A false second return means "install no auth header" — this covers
// none/passthrough (by design) and api-key/bearer with a missing credential
// (the request is let through and left to fail upstream with a provider
// error, rather than guessed-at locally).
func BuildHeader(b config.Backend) (Header, bool) {
	switch b.Auth {
	case config.AuthAPIKey:
		if b.Credential == "" {
			return Header{}, false
		}
		return Header{Name: "x-api-key", Value: Secret(b.Credential)}, true
	case config.AuthBearer:
		if b.Credential == "" {
			return Header{}, false
		}
		return Header{Name: "Authorization", Value: Secret("Bearer " + b.Credential)}, true
	case config.AuthPassthrough, config.AuthNone:
		return Header{}, false
	default:
		return Header{}, false
	}
}
