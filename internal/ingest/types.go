package ingest

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/oakbuilders/bid-finder/internal/models"
)

const maxBodyBytes = 10 << 20

// FetchedDocument represents the raw result of a fetch operation.
type FetchedDocument struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        io.ReadCloser
	FetchedAt   time.Time
	Headers     map[string][]string
}

// Bytes drains and closes the body.
func (d *FetchedDocument) Bytes() ([]byte, error) {
	if d == nil || d.Body == nil {
		return nil, nil
	}
	defer d.Body.Close()
	b, err := io.ReadAll(io.LimitReader(d.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", d.URL, err)
	}
	return b, nil
}

// Fetcher retrieves raw content from a URL. Failures are classified with
// ErrSourceUnavailable or ErrSourceAuthRequired.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*FetchedDocument, error)
}

// FormPoster is implemented by fetchers that can submit a login form.
type FormPoster interface {
	PostForm(ctx context.Context, url string, form url.Values) (*FetchedDocument, error)
}

// Adapter fetches one source and returns candidate opportunities. Individual
// listings that fail to parse are logged and skipped, never returned as errors.
type Adapter interface {
	Fetch(ctx context.Context) ([]models.Opportunity, error)
}

// AdapterFunc lets a plain function act as an Adapter.
type AdapterFunc func(ctx context.Context) ([]models.Opportunity, error)

func (f AdapterFunc) Fetch(ctx context.Context) ([]models.Opportunity, error) {
	return f(ctx)
}
