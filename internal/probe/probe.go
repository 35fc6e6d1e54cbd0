// Package probe performs the HEAD-based capability discovery that starts
// every download task, per spec §4.3, §6.
package probe

import (
	"context"
	"errors"
	"net/url"
	"path"
	"strings"

	"github.com/ligustah/dlengine/internal/model"
)

// Client is the subset of httpx.Client the probe needs, so tests can fake
// it without standing up a full transport.
type Client interface {
	Head(ctx context.Context, rawURL string) (model.ServerCapabilities, error)
}

// Result is the outcome of a successful probe: capabilities plus a
// resolved default file name.
type Result struct {
	Capabilities model.ServerCapabilities
	FileName     string
}

// Probe performs the HEAD request and maps the response into a Result, or
// a categorized *model.DownloadError on failure (spec §6: HTTP status <
// 400 is valid; otherwise ClientError for 4xx, ServerError for 5xx).
func Probe(ctx context.Context, client Client, rawURL string) (Result, error) {
	caps, err := client.Head(ctx, rawURL)
	if err != nil {
		cat := model.CategoryNetwork
		if errors.Is(err, model.ErrServerError) {
			cat = model.CategoryServerError
		}
		return Result{}, model.NewDownloadError(cat, 0, "probe request failed", err)
	}

	if !caps.Valid() {
		cat := model.CategoryFor(caps.HTTPStatus)
		if cat == model.CategoryNone {
			cat = model.CategoryUnknown
		}
		return Result{}, model.NewDownloadError(cat, caps.HTTPStatus, "probe returned non-success status", nil)
	}

	return Result{
		Capabilities: caps,
		FileName:     defaultFileName(rawURL, caps),
	}, nil
}

// defaultFileName prefers the Content-Disposition filename, falling back
// to the URL's last path segment, and finally a generic name.
func defaultFileName(rawURL string, caps model.ServerCapabilities) string {
	if caps.FilenameFromHeader != "" {
		if decoded, err := url.QueryUnescape(caps.FilenameFromHeader); err == nil {
			return decoded
		}
		return caps.FilenameFromHeader
	}

	if u, err := url.Parse(rawURL); err == nil {
		base := path.Base(u.Path)
		if base != "" && base != "." && base != "/" {
			return strings.TrimSuffix(base, "/")
		}
	}

	return "download"
}
