package probe

import (
	"context"
	"testing"

	"github.com/ligustah/dlengine/internal/model"
)

type fakeClient struct {
	caps model.ServerCapabilities
	err  error
}

func (f fakeClient) Head(ctx context.Context, rawURL string) (model.ServerCapabilities, error) {
	return f.caps, f.err
}

func TestProbeSuccessUsesContentDispositionFilename(t *testing.T) {
	c := fakeClient{caps: model.ServerCapabilities{
		HTTPStatus:         200,
		ContentLength:      1024,
		SupportsRanges:     true,
		FilenameFromHeader: "report.pdf",
	}}

	res, err := Probe(context.Background(), c, "https://example.com/download?id=1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.FileName != "report.pdf" {
		t.Fatalf("filename = %q, want report.pdf", res.FileName)
	}
}

func TestProbeFallsBackToURLBasename(t *testing.T) {
	c := fakeClient{caps: model.ServerCapabilities{HTTPStatus: 200, ContentLength: 10}}
	res, err := Probe(context.Background(), c, "https://example.com/files/archive.tar.gz")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.FileName != "archive.tar.gz" {
		t.Fatalf("filename = %q, want archive.tar.gz", res.FileName)
	}
}

func TestProbeMapsServerErrorStatus(t *testing.T) {
	c := fakeClient{caps: model.ServerCapabilities{HTTPStatus: 503}}
	_, err := Probe(context.Background(), c, "https://example.com/file")
	if err == nil {
		t.Fatalf("expected error for 503 status")
	}
	de, ok := err.(*model.DownloadError)
	if !ok {
		t.Fatalf("expected *model.DownloadError, got %T", err)
	}
	if de.Category != model.CategoryServerError {
		t.Fatalf("category = %s, want server_error", de.Category)
	}
}

func TestProbeMapsClientErrorStatus(t *testing.T) {
	c := fakeClient{caps: model.ServerCapabilities{HTTPStatus: 404}}
	_, err := Probe(context.Background(), c, "https://example.com/missing")
	de, ok := err.(*model.DownloadError)
	if !ok || de.Category != model.CategoryClientError {
		t.Fatalf("expected client_error category, got %v", err)
	}
}
