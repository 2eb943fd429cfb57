package downloader

import (
	"errors"
	"regexp"

	"talkscribe/internal/services"
)

// Patterns for classifying yt-dlp stderr. Checked in order; the first match wins.
var (
	reUnsupported = regexp.MustCompile(
		`(?i)Unsupported URL|is not a valid URL|No suitable extractor|no video formats found`)

	reUnavailable = regexp.MustCompile(
		`(?i)Video unavailable|Private video|This video is private|has been removed|` +
			`This video is not available|members-only|Join this channel|` +
			`Sign in to confirm|age-restricted|inappropriate for some users|` +
			`login required|requested content is not available|account .*terminated|` +
			`blocked it on copyright grounds|Premieres in|live event will begin`)

	reNetwork = regexp.MustCompile(
		`(?i)Unable to download webpage|getaddrinfo|Name or service not known|` +
			`Temporary failure in name resolution|Connection (refused|reset|timed out)|` +
			`timed out|Network is unreachable|HTTP Error 5\d\d|Remote end closed connection|` +
			`SSL: |IncompleteRead|Failed to establish a new connection`)
)

// classify maps a failed yt-dlp invocation onto the fetch taxonomy.
func classify(operation string, err error) error {
	var stderr string
	var cmdErr *services.CommandError
	if errors.As(err, &cmdErr) {
		stderr = cmdErr.Stderr
	} else if err != nil {
		stderr = err.Error()
	}
	switch {
	case reUnsupported.MatchString(stderr):
		return services.Wrap(services.ErrUnsupportedSource, stageName, operation, "site or url not supported by yt-dlp", err)
	case reUnavailable.MatchString(stderr):
		return services.Wrap(services.ErrVideoUnavailable, stageName, operation, "video is unavailable, private, or restricted", err)
	case reNetwork.MatchString(stderr):
		return services.Wrap(services.ErrNetwork, stageName, operation, "network error while fetching video", err)
	default:
		return services.Wrap(services.ErrFetch, stageName, operation, "yt-dlp failed", err)
	}
}
