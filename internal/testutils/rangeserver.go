// Package testutils provides a range-aware HTTP test server used by the
// worker, task, and manager unit tests (no external containers required).
package testutils

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// GenerateData returns a deterministic byte sequence of length size, useful
// for asserting merged output without storing a second copy of random data.
func GenerateData(size int64) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 256)
	}
	return data
}

// RangeServerOptions configures a RangeServer's behaviour.
type RangeServerOptions struct {
	// Data is the full content served at "/file".
	Data []byte

	// FileName is reflected in the Content-Disposition header, if set.
	FileName string

	// SupportsRanges, when false, makes the server ignore Range headers
	// and always return 200 with the full body, per spec §4.3's downgrade
	// path.
	SupportsRanges bool

	// IgnoreRangeOnGet, when true, advertises Accept-Ranges on HEAD (so a
	// probe believes the server supports ranges) but still answers every
	// GET with 200 and the full body, simulating a proxy that strips the
	// Range header. Only meaningful when SupportsRanges is also true; used
	// to exercise the downgrade path distinct from "never supported
	// ranges at all", per spec §6/§9.
	IgnoreRangeOnGet bool

	// FailFirstNRequests causes the first N GET range requests to fail
	// with a 503, used to exercise retry/backoff.
	FailFirstNRequests int32

	// FailEveryRequest, if true, always returns 503 for GET ranges.
	FailEveryRequest bool

	// FailGetWithNotFound, if true, always returns 404 for GET (HEAD still
	// succeeds normally), simulating a link that resolves but whose target
	// vanished — a non-recoverable ClientError per spec §7.
	FailGetWithNotFound bool

	// ResponseDelay, if set, is slept before each GET response body is
	// written, giving tests a way to land a Pause/Cancel mid-transfer
	// deterministically against a loopback server that would otherwise
	// serve small payloads faster than the test goroutine can react.
	ResponseDelay time.Duration

	// UnknownLength simulates a chunked-transfer-encoded origin: HEAD and
	// GET both omit Content-Length, so a probe reports total_size unknown.
	// An open-ended Range request ("bytes=N-") is honored by streaming to
	// the end of Data and closing, per spec §8's "total_size unknown"
	// boundary.
	UnknownLength bool
}

// RangeServer is an httptest server serving one file with optional range
// support and injectable failures, for exercising per-segment retry paths.
type RangeServer struct {
	*httptest.Server

	opts RangeServerOptions

	mu            sync.Mutex
	failuresSoFar int32
	requestCount  atomic.Int64
}

// NewRangeServer starts a RangeServer, which is closed automatically when
// the test finishes.
func NewRangeServer(t *testing.T, opts RangeServerOptions) *RangeServer {
	t.Helper()
	rs := &RangeServer{opts: opts}
	rs.Server = httptest.NewServer(http.HandlerFunc(rs.handle))
	t.Cleanup(rs.Server.Close)
	return rs
}

// RequestCount returns the number of requests served so far.
func (rs *RangeServer) RequestCount() int64 {
	return rs.requestCount.Load()
}

func (rs *RangeServer) handle(w http.ResponseWriter, r *http.Request) {
	rs.requestCount.Add(1)

	if r.URL.Path != "/file" {
		http.NotFound(w, r)
		return
	}

	size := int64(len(rs.opts.Data))

	if r.Method == http.MethodHead {
		if !rs.opts.UnknownLength {
			w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		}
		if rs.opts.SupportsRanges {
			w.Header().Set("Accept-Ranges", "bytes")
		}
		if rs.opts.FileName != "" {
			w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, rs.opts.FileName))
		}
		w.Header().Set("ETag", `"test-etag"`)
		return
	}

	if rs.opts.FailGetWithNotFound {
		http.NotFound(w, r)
		return
	}

	if rs.shouldFail() {
		http.Error(w, "injected failure", http.StatusServiceUnavailable)
		return
	}

	if rs.opts.ResponseDelay > 0 {
		time.Sleep(rs.opts.ResponseDelay)
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" || !rs.opts.SupportsRanges || rs.opts.IgnoreRangeOnGet {
		if !rs.opts.UnknownLength {
			w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		}
		w.WriteHeader(http.StatusOK)
		w.Write(rs.opts.Data)
		return
	}

	start, end, ok := parseRangeHeader(rangeHeader, size)
	if !ok {
		http.Error(w, "invalid range", http.StatusRequestedRangeNotSatisfiable)
		return
	}

	if !rs.opts.UnknownLength {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
		w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	}
	w.WriteHeader(http.StatusPartialContent)
	w.Write(rs.opts.Data[start : end+1])
}

func (rs *RangeServer) shouldFail() bool {
	if rs.opts.FailEveryRequest {
		return true
	}
	if rs.opts.FailFirstNRequests <= 0 {
		return false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.failuresSoFar < rs.opts.FailFirstNRequests {
		rs.failuresSoFar++
		return true
	}
	return false
}

func parseRangeHeader(header string, size int64) (start, end int64, ok bool) {
	header = strings.TrimPrefix(header, "bytes=")
	parts := strings.SplitN(header, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if parts[1] == "" {
		// Open-ended range, e.g. "bytes=0-": serve to the end of Data.
		end = size - 1
	} else {
		end, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, false
		}
	}
	if end >= size {
		end = size - 1
	}
	if start < 0 || start > end {
		return 0, 0, false
	}
	return start, end, true
}
