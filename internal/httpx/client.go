package httpx

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ligustah/dlengine/internal/model"
)

// Options configures a Client, per spec §6.
type Options struct {
	MaxIdleConnsPerHost int
	ConnectTimeout      time.Duration
	DNSTimeout          time.Duration
	RequestTimeout      time.Duration

	UserAgent string
	Referer   string

	// Proxy, if set, is a host:port used for all requests.
	Proxy         string
	ProxyUsername string
	ProxyPassword string

	InsecureSkipVerify bool

	// MaxReceiveBytesPerSec caps download throughput per transfer; 0
	// disables the cap.
	MaxReceiveBytesPerSec int64

	LowSpeedLimit    int64
	LowSpeedDuration time.Duration
}

// DefaultOptions returns the spec's default timeouts (§5). Retries are the
// worker's responsibility (§4.2 step 9, §7); the client makes exactly one
// attempt per call and classifies whatever it gets back.
func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost: 32,
		ConnectTimeout:      model.ConnectTimeout,
		DNSTimeout:          model.DNSTimeout,
		RequestTimeout:      0, // ranged transfers can run arbitrarily long

		UserAgent: "dlengine/1.0",

		LowSpeedLimit:    model.LowSpeedLimit,
		LowSpeedDuration: model.LowSpeedDuration,
	}
}

// RangeResponse is the result of a successful ranged GET.
type RangeResponse struct {
	Body          *monitoredBody
	ContentLength int64
	StatusCode    int // 206 normal, 200 server ignored the range
}

// Client is an HTTP client optimized for ranged file transfers.
type Client struct {
	http *http.Client
	opts Options
}

// NewClient builds a Client from opts.
func NewClient(opts Options) *Client {
	dialer := &net.Dialer{
		Timeout: opts.ConnectTimeout,
		Resolver: &net.Resolver{
			PreferGo: true,
		},
	}

	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxIdleConns:        opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: opts.InsecureSkipVerify},
		DisableCompression:  true, // range requests want raw bytes
	}

	if opts.Proxy != "" {
		proxyURL := &url.URL{Scheme: "http", Host: opts.Proxy}
		if opts.ProxyUsername != "" {
			proxyURL.User = url.UserPassword(opts.ProxyUsername, opts.ProxyPassword)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   opts.RequestTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= model.MaxRedirects {
					return fmt.Errorf("httpx: stopped after %d redirects", model.MaxRedirects)
				}
				return nil
			},
		},
		opts: opts,
	}
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}
	if c.opts.Referer != "" {
		req.Header.Set("Referer", c.opts.Referer)
	}
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	return req, nil
}

// Head performs a single HEAD request and builds ServerCapabilities from
// the response headers, per spec §6. It makes one attempt and nothing
// retries it: a failed probe fails the task.
func (c *Client) Head(ctx context.Context, rawURL string) (model.ServerCapabilities, error) {
	req, err := c.newRequest(ctx, http.MethodHead, rawURL)
	if err != nil {
		return model.ServerCapabilities{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return model.ServerCapabilities{}, err
	}
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		return model.ServerCapabilities{}, fmt.Errorf("%w: %d %s", model.ErrServerError, resp.StatusCode, resp.Status)
	}

	return capabilitiesFromHeaders(resp), nil
}

func capabilitiesFromHeaders(resp *http.Response) model.ServerCapabilities {
	caps := model.ServerCapabilities{
		SupportsRanges:      resp.Header.Get("Accept-Ranges") == "bytes",
		ContentLength:       resp.ContentLength,
		ContentType:         resp.Header.Get("Content-Type"),
		ETag:                resp.Header.Get("ETag"),
		LastModified:        resp.Header.Get("Last-Modified"),
		HTTPStatus:          resp.StatusCode,
		SupportsCompression: resp.Header.Get("Content-Encoding") != "",
	}
	if caps.ContentLength == 0 && resp.ContentLength < 0 {
		caps.ContentLength = -1
	}
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if fn, ok := params["filename"]; ok {
				caps.FilenameFromHeader = strings.Trim(fn, `"`)
			} else if fn, ok := params["filename*"]; ok {
				caps.FilenameFromHeader = strings.TrimPrefix(fn, "UTF-8''")
			}
		}
	}
	return caps
}

// GetRange performs a single ranged GET for [start, end] (inclusive), per
// spec §4.2, §6. end < 0 requests an open-ended range ("bytes=start-"),
// for a segment whose total length is unknown. The returned Body enforces
// MaxReceiveBytesPerSec (if set) and the low-speed watchdog; callers must
// close it. GetRange makes one attempt and classifies the outcome; the
// worker's retry loop (per spec §4.2 step 9, §7) is the sole retry owner
// so that a failing segment gets exactly model.MaxRetries attempts, not
// that number squared.
func (c *Client) GetRange(ctx context.Context, rawURL string, start, end int64) (*RangeResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, rawURL)
	if err != nil {
		return nil, err
	}
	if end < 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", start))
	} else {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 500 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %d %s", model.ErrServerError, resp.StatusCode, resp.Status)
	}

	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		resp.Body.Close()
		return nil, model.NewDownloadError(model.CategoryClientError, resp.StatusCode, "range not satisfiable", nil)
	}

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cat := model.CategoryFor(resp.StatusCode)
		if cat == model.CategoryNone {
			cat = model.CategoryUnknown
		}
		return nil, model.NewDownloadError(cat, resp.StatusCode, resp.Status, nil)
	}

	return &RangeResponse{
		Body:          newMonitoredBody(resp.Body, c.opts),
		ContentLength: resp.ContentLength,
		StatusCode:    resp.StatusCode,
	}, nil
}

// ParseContentRange parses a "bytes start-end/total" header value. total is
// -1 when the server reports "*".
func ParseContentRange(header string) (start, end, total int64, err error) {
	header = strings.TrimPrefix(header, "bytes ")
	parts := strings.SplitN(header, "/", 2)
	if len(parts) != 2 {
		return 0, 0, 0, fmt.Errorf("httpx: invalid Content-Range %q", header)
	}
	rangeParts := strings.SplitN(parts[0], "-", 2)
	if len(rangeParts) != 2 {
		return 0, 0, 0, fmt.Errorf("httpx: invalid Content-Range %q", header)
	}
	if start, err = strconv.ParseInt(rangeParts[0], 10, 64); err != nil {
		return 0, 0, 0, err
	}
	if end, err = strconv.ParseInt(rangeParts[1], 10, 64); err != nil {
		return 0, 0, 0, err
	}
	if parts[1] == "*" {
		return start, end, -1, nil
	}
	total, err = strconv.ParseInt(parts[1], 10, 64)
	return start, end, total, err
}
