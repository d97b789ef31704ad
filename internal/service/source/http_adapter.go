package source

import (
	"context"
	"time"

	"RateFusion/internal/domain/models"
	"RateFusion/pkg/config"
	xhttp "RateFusion/pkg/http"
)

// HTTPAdapter polls a JSON endpoint once per Fetch.
type HTTPAdapter struct {
	id      string
	timeout time.Duration
	request xhttp.RequestOptions
	client  *xhttp.Client
	now     func() time.Time
}

func NewHTTPAdapter(cfg config.SourceConfig, opts ...xhttp.ClientOption) *HTTPAdapter {
	query := make(map[string][]string, len(cfg.Query))
	for k, v := range cfg.Query {
		query[k] = []string{v}
	}

	timeout := timeoutOf(cfg)
	clientOpts := []xhttp.ClientOption{xhttp.WithTimeout(timeout)}
	if cfg.UserAgent != "" {
		clientOpts = append(clientOpts, xhttp.WithUserAgent(cfg.UserAgent))
	}
	if cfg.MaxBody > 0 {
		clientOpts = append(clientOpts, xhttp.WithMaxBody(cfg.MaxBody))
	}
	clientOpts = append(clientOpts, opts...)
	return &HTTPAdapter{
		id:      cfg.ID,
		timeout: timeout,
		request: xhttp.RequestOptions{
			Method:      cfg.Method,
			URL:         cfg.URL,
			Headers:     cfg.Headers,
			QueryParams: query,
		},
		client: xhttp.NewClient(clientOpts...),
		now:    time.Now,
	}
}

func (a *HTTPAdapter) ID() string {
	return a.id
}

// Fetch makes exactly one request bounded by the source timeout.
func (a *HTTPAdapter) Fetch(ctx context.Context) (*models.RawPayload, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req := a.request
	var body []byte
	if err := a.client.SendAndParse(ctx, &req, &body); err != nil {
		return nil, &models.FetchError{SourceID: a.id, Err: err}
	}

	return &models.RawPayload{
		SourceID:    a.id,
		Body:        body,
		ContentType: "application/json",
		FetchedAt:   a.now(),
	}, nil
}

// Ping reports whether the endpoint currently answers with a 2xx.
func (a *HTTPAdapter) Ping(ctx context.Context) error {
	_, err := a.Fetch(ctx)
	return err
}
