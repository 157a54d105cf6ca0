package fetch

import (
	"bytes"
	"context"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/sells-group/fitcheck/internal/resilience"
)

const maxBodyBytes = 4 << 20

// HTTPOptions configures the direct HTTP fetcher.
type HTTPOptions struct {
	UserAgent   string
	Timeout     time.Duration
	RatePerHost float64
	Retry       resilience.RetryConfig
}

// HTTPFetcher downloads pages directly and extracts their visible text.
type HTTPFetcher struct {
	client   *http.Client
	opts     HTTPOptions
	limiters *HostLimiters
}

// NewHTTPFetcher creates an HTTPFetcher.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "fitcheck/1.0"
	}
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = resilience.RetryLogger("http", "fetch")
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:     opts,
		limiters: NewHostLimiters(opts.RatePerHost, 2),
	}
}

// Name implements Fetcher.
func (f *HTTPFetcher) Name() string { return "http" }

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*Page, error) {
	limiter := f.limiters.For(url)
	return resilience.DoVal(ctx, f.opts.Retry, func(ctx context.Context) (*Page, error) {
		if err := limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "fetch: rate limit wait")
		}
		page, status, err := f.get(ctx, url)
		switch {
		case status == http.StatusTooManyRequests:
			limiter.OnRateLimit()
		case err == nil:
			limiter.OnSuccess()
		}
		return page, err
	})
}

func (f *HTTPFetcher) get(ctx context.Context, url string) (*Page, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, eris.Wrap(err, "fetch: create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,text/plain;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, eris.Wrapf(err, "fetch: get %s", url)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusServiceUnavailable {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, smallBody))
			if bt := DetectBlock(resp.StatusCode, resp.Header, snippet); bt != BlockNone {
				return nil, resp.StatusCode, &BlockedError{URL: url, Type: bt}
			}
		}
		err := eris.Errorf("fetch: %s returned status %d", url, resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resp.StatusCode, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, resp.StatusCode, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, eris.Wrap(err, "fetch: read body")
	}

	if bt := DetectBlock(resp.StatusCode, resp.Header, body); bt != BlockNone {
		return nil, resp.StatusCode, &BlockedError{URL: url, Type: bt}
	}

	contentType := resp.Header.Get("Content-Type")
	body, err = decodeCharset(body, contentType)
	if err != nil {
		return nil, resp.StatusCode, err
	}

	page := &Page{URL: url, Fetcher: f.Name(), FetchedAt: time.Now().UTC()}
	if strings.HasPrefix(contentType, "text/plain") {
		page.Content = strings.Join(strings.Fields(string(body)), " ")
	} else {
		page.Title, page.Content = ExtractText(body)
	}
	if page.Content == "" {
		return nil, resp.StatusCode, ErrEmptyContent
	}
	return page, resp.StatusCode, nil
}

// decodeCharset converts body to UTF-8 using the charset from the
// Content-Type header. Unknown charsets are an error; a missing charset is
// treated as UTF-8.
func decodeCharset(body []byte, contentType string) ([]byte, error) {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return body, nil
	}
	charset := strings.ToLower(params["charset"])
	if charset == "" || charset == "utf-8" || charset == "utf8" {
		return body, nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, eris.Wrapf(err, "fetch: unsupported charset %q", charset)
	}
	out, err := io.ReadAll(enc.NewDecoder().Reader(bytes.NewReader(body)))
	if err != nil {
		return nil, eris.Wrapf(err, "fetch: decode %s", charset)
	}
	return out, nil
}

// ExtractText returns the page title and the whitespace-collapsed text of
// the body with scripts and page chrome removed.
func ExtractText(html []byte) (title, text string) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return "", ""
	}
	title = strings.TrimSpace(doc.Find("title").First().Text())

	doc.Find("script, style, nav, header, footer, noscript, iframe, svg, form").Remove()
	root := doc.Find("main, article").First()
	if root.Length() == 0 {
		root = doc.Find("body")
	}
	return title, strings.Join(strings.Fields(root.Text()), " ")
}
