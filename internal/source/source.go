// Package source validates job URLs against the supported video hosts and
// reduces them to a canonical identity used for cache fingerprints.
package source

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"talkscribe/internal/services"
)

// DefaultHosts lists the hosts accepted when no explicit allow-list is configured.
var DefaultHosts = []string{"youtube.com", "youtu.be", "instagram.com"}

var (
	youtubeIDPattern   = regexp.MustCompile(`^[\w-]{11}$`)
	instagramIDPattern = regexp.MustCompile(`^[\w-]+$`)
)

// Source is a validated job URL.
type Source struct {
	// URL is the original URL with surrounding whitespace removed; adapters fetch from it.
	URL string
	// Host is the lowercased host without a leading "www.".
	Host string
	// Identity is stable across tracking parameters and URL spellings of the same video.
	Identity string
}

func (s Source) String() string { return s.Identity }

// Parse validates raw against the allowed hosts. Subdomains of an allowed host
// (m.youtube.com, music.youtube.com) are accepted. Failures wrap
// services.ErrUnsupportedSource.
func Parse(raw string, allowedHosts []string) (Source, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Source{}, services.Wrap(services.ErrUnsupportedSource, "source", "parse", "url is required", nil)
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return Source{}, services.Wrap(services.ErrUnsupportedSource, "source", "parse", fmt.Sprintf("invalid url %q", trimmed), err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return Source{}, services.Wrap(services.ErrUnsupportedSource, "source", "parse", fmt.Sprintf("unsupported scheme %q", parsed.Scheme), nil)
	}
	host := normalizeHost(parsed.Hostname())
	if host == "" {
		return Source{}, services.Wrap(services.ErrUnsupportedSource, "source", "parse", "url has no host", nil)
	}
	if len(allowedHosts) == 0 {
		allowedHosts = DefaultHosts
	}
	if !hostAllowed(host, allowedHosts) {
		return Source{}, services.Wrap(services.ErrUnsupportedSource, "source", "parse", fmt.Sprintf("host %q is not supported", host), nil)
	}
	return Source{URL: trimmed, Host: host, Identity: identity(host, parsed)}, nil
}

func normalizeHost(host string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSuffix(host, ".")), "www.")
}

func hostAllowed(host string, allowed []string) bool {
	for _, candidate := range allowed {
		candidate = normalizeHost(strings.TrimSpace(candidate))
		if candidate == "" {
			continue
		}
		if host == candidate || strings.HasSuffix(host, "."+candidate) {
			return true
		}
	}
	return false
}

func identity(host string, u *url.URL) string {
	segments := pathSegments(u.Path)
	switch {
	case host == "youtu.be":
		if len(segments) > 0 && youtubeIDPattern.MatchString(segments[0]) {
			return "youtube:" + segments[0]
		}
	case host == "youtube.com" || strings.HasSuffix(host, ".youtube.com"):
		if v := u.Query().Get("v"); youtubeIDPattern.MatchString(v) {
			return "youtube:" + v
		}
		if len(segments) >= 2 {
			switch segments[0] {
			case "shorts", "embed", "live", "v":
				if youtubeIDPattern.MatchString(segments[1]) {
					return "youtube:" + segments[1]
				}
			}
		}
	case host == "instagram.com" || strings.HasSuffix(host, ".instagram.com"):
		for i := 0; i+1 < len(segments); i++ {
			switch segments[i] {
			case "reel", "reels", "p":
				if instagramIDPattern.MatchString(segments[i+1]) {
					return "instagram:" + segments[i+1]
				}
			}
		}
	}
	return host + "/" + strings.Join(segments, "/")
}

func pathSegments(path string) []string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, part := range parts {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
