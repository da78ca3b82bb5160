// Package redirect turns the deep-link state parameter appended by the chat
// host into a same-origin navigation decision.
//
// The host may percent-encode the target several times and may nest a
// second copy of the parameter inside the first. Normalize undoes both,
// then only ever accepts targets under AllowedPrefix.
package redirect

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/ashureev/linkgate/internal/domain"
)

const (
	// ParamName is the query parameter carrying the deep-link target.
	ParamName = "liff.state"
	// AllowedPrefix is the only route tree a deep link may point into.
	AllowedPrefix = "/confirm"
	// MaxDecodePasses caps repeated percent-decoding of the raw value.
	MaxDecodePasses = 3

	maxSubRouteSegments = 4
)

var (
	prefixKeyword   = strings.TrimPrefix(AllowedPrefix, "/")
	subRoutePattern = regexp.MustCompile(`^[A-Za-z0-9._~-]{1,128}$`)
	nestedPattern   = regexp.MustCompile(`liff\.state=([^&]+)`)
)

// Kind is the action a Decision asks the client to take.
type Kind int

const (
	// NoOp leaves the URL untouched.
	NoOp Kind = iota
	// RewriteQueryOnly replaces the visible URL without navigating.
	RewriteQueryOnly
	// Redirect replaces the current page with CanonicalPath.
	Redirect
)

func (k Kind) String() string {
	switch k {
	case RewriteQueryOnly:
		return "rewrite_query_only"
	case Redirect:
		return "redirect"
	default:
		return "noop"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "noop":
		*k = NoOp
	case "rewrite_query_only":
		*k = RewriteQueryOnly
	case "redirect":
		*k = Redirect
	default:
		return fmt.Errorf("unknown redirect kind %q", b)
	}
	return nil
}

// Decision is the outcome of normalizing one page URL.
type Decision struct {
	Kind          Kind   `json:"kind"`
	Raw           string `json:"-"`
	DecodePasses  int    `json:"decode_passes"`
	CanonicalPath string `json:"canonical_path,omitempty"`
	// CleanURL is the current path and query with ParamName removed.
	CleanURL string `json:"clean_url,omitempty"`
	// Rejected is set when a deep link was present but ignored.
	Rejected *domain.RedirectAmbiguityError `json:"-"`
}

// Target returns the URL the client must replace to, or "" for NoOp.
func (d Decision) Target() string {
	switch d.Kind {
	case Redirect:
		return d.CanonicalPath
	case RewriteQueryOnly:
		return d.CleanURL
	default:
		return ""
	}
}

// Normalize inspects current for the deep-link parameter. It never fails:
// anything malformed or outside AllowedPrefix downgrades to NoOp.
func Normalize(current *url.URL) Decision {
	if current == nil {
		return Decision{Kind: NoOp}
	}
	raw := current.Query().Get(ParamName)
	if raw == "" {
		return Decision{Kind: NoOp}
	}

	decoded, passes := decodeRepeatedly(raw)
	d := Decision{Kind: NoOp, Raw: raw, DecodePasses: passes}

	if m := nestedPattern.FindStringSubmatch(decoded); m != nil {
		if inner, err := url.PathUnescape(m[1]); err == nil {
			decoded = inner
		}
	}

	target, _, _ := strings.Cut(decoded, "?")
	target = strings.TrimSpace(target)
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}

	currentPath := current.Path
	if currentPath == "" {
		currentPath = "/"
	}
	cleanURL := stripParam(current)

	if target == AllowedPrefix && currentPath == AllowedPrefix {
		d.Kind = RewriteQueryOnly
		d.CanonicalPath = AllowedPrefix
		d.CleanURL = cleanURL
		return d
	}

	segments := splitSegments(target)
	switch {
	case len(segments) == 1:
		segments = []string{prefixKeyword, segments[0]}
	case len(segments) >= 2 && segments[0] != prefixKeyword:
		return reject(d, target, "path outside "+AllowedPrefix)
	}
	if len(segments) == 0 {
		return reject(d, target, "empty path")
	}
	if err := checkSubRoute(segments[1:]); err != "" {
		return reject(d, target, err)
	}

	canonical := "/" + strings.Join(segments, "/")
	if !strings.HasPrefix(canonical, AllowedPrefix) {
		return reject(d, target, "path outside "+AllowedPrefix)
	}

	d.CanonicalPath = canonical
	if canonical == currentPath {
		d.Kind = RewriteQueryOnly
		d.CleanURL = cleanURL
		return d
	}
	d.Kind = Redirect
	return d
}

// Explain normalizes a raw parameter value as if it arrived on currentPath.
func Explain(value, currentPath string) Decision {
	u := &url.URL{Path: currentPath, RawQuery: url.Values{ParamName: {value}}.Encode()}
	return Normalize(u)
}

// decodeRepeatedly percent-decodes v at most MaxDecodePasses times. A pass
// that changes nothing or fails ends the loop; the last good value wins.
func decodeRepeatedly(v string) (string, int) {
	passes := 0
	for passes < MaxDecodePasses {
		next, err := url.PathUnescape(v)
		if err != nil || next == v {
			break
		}
		v = next
		passes++
	}
	return v, passes
}

func splitSegments(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// checkSubRoute validates everything after the prefix keyword against the
// sub-route allow-list. It returns a reason, or "" when acceptable.
func checkSubRoute(segments []string) string {
	if len(segments) > maxSubRouteSegments {
		return "too many path segments"
	}
	for _, s := range segments {
		if s == "." || s == ".." {
			return "relative path segment"
		}
		if !subRoutePattern.MatchString(s) {
			return "invalid characters in path segment"
		}
	}
	return ""
}

func reject(d Decision, target, reason string) Decision {
	d.Kind = NoOp
	d.CanonicalPath = ""
	d.Rejected = &domain.RedirectAmbiguityError{Raw: d.Raw, Path: target, Reason: reason}
	return d
}

// stripParam drops every ParamName pair from the query. The remaining pairs
// keep their order and encoding.
func stripParam(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	var kept []string
	for _, pair := range strings.Split(u.RawQuery, "&") {
		if pair == "" {
			continue
		}
		key, _, _ := strings.Cut(pair, "=")
		if k, err := url.QueryUnescape(key); err == nil && k == ParamName {
			continue
		}
		kept = append(kept, pair)
	}
	if len(kept) > 0 {
		p += "?" + strings.Join(kept, "&")
	}
	return p
}
