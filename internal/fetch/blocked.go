package fetch

import (
	"errors"
	"net/http"
	"strings"
)

// BlockType names the anti-bot protection seen on a response.
type BlockType string

// Block types.
const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
	BlockJSShell    BlockType = "js_shell"
)

// smallBody is the size below which a page is considered a script shell or
// a challenge interstitial rather than real content.
const smallBody = 2000

// BlockedError reports a response that served a bot challenge instead of
// the page. The chain moves on to the next fetcher.
type BlockedError struct {
	URL  string
	Type BlockType
}

func (e *BlockedError) Error() string {
	return "fetch: " + e.URL + " blocked by " + string(e.Type)
}

// IsBlocked reports whether err is a BlockedError.
func IsBlocked(err error) bool {
	var be *BlockedError
	return errors.As(err, &be)
}

// DetectBlock inspects a response status, headers and body for anti-bot
// protection.
func DetectBlock(status int, header http.Header, body []byte) BlockType {
	if status == http.StatusForbidden || status == http.StatusServiceUnavailable {
		if header.Get("cf-ray") != "" || header.Get("cf-cache-status") != "" ||
			strings.EqualFold(header.Get("Server"), "cloudflare") {
			return BlockCloudflare
		}
	}

	lower := strings.ToLower(string(body))
	if strings.Contains(lower, "checking your browser") ||
		strings.Contains(lower, "cf-browser-verification") ||
		(strings.Contains(lower, "cloudflare") && strings.Contains(lower, "challenge")) {
		return BlockCloudflare
	}

	if len(body) >= smallBody {
		return BlockNone
	}
	// Careers pages mention captcha in application forms, so only small
	// pages count.
	if strings.Contains(lower, "captcha") {
		return BlockCaptcha
	}
	if strings.Contains(lower, "<noscript") && strings.Contains(lower, "javascript") {
		return BlockJSShell
	}
	if strings.Contains(lower, `meta http-equiv="refresh"`) {
		return BlockJSShell
	}
	return BlockNone
}
