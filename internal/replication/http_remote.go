package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tigawanna/moots-sub000/internal/events"
)

const (
	PushPath = "/sync/push"
	PullPath = "/sync/pull"

	maxErrorBody = 4 << 10
)

var (
	// ErrUnauthorized reports a credential the remote refused.
	ErrUnauthorized = errors.New("replication: remote refused credential")

	errMissingBaseURL = errors.New("base url is required")
)

// PushRequest is the body of a push.
type PushRequest struct {
	Events []events.Envelope `json:"events"`
}

// StatusError carries a non-success answer from the remote.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote returned status %d: %s", e.StatusCode, e.Body)
}

// HTTPRemote talks to another node's sync endpoints.
type HTTPRemote struct {
	baseURL *url.URL
	client  *http.Client
}

func NewHTTPRemote(baseURL string, client *http.Client) (*HTTPRemote, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, errMissingBaseURL
	}
	parsed, err := url.Parse(strings.TrimRight(trimmed, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url: %q", baseURL)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPRemote{baseURL: parsed, client: client}, nil
}

func (r *HTTPRemote) Push(ctx context.Context, credential string, envelopes []events.Envelope) (PushAck, error) {
	body, err := json.Marshal(PushRequest{Events: envelopes})
	if err != nil {
		return PushAck{}, err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint(PushPath, nil), bytes.NewReader(body))
	if err != nil {
		return PushAck{}, err
	}
	request.Header.Set("Content-Type", "application/json")

	var ack PushAck
	if err := r.do(request, credential, &ack); err != nil {
		return PushAck{}, err
	}
	return ack, nil
}

func (r *HTTPRemote) Pull(ctx context.Context, credential string, after int64, limit int) (PullBatch, error) {
	query := url.Values{}
	query.Set("after", strconv.FormatInt(after, 10))
	query.Set("limit", strconv.Itoa(limit))
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint(PullPath, query), nil)
	if err != nil {
		return PullBatch{}, err
	}

	var batch PullBatch
	if err := r.do(request, credential, &batch); err != nil {
		return PullBatch{}, err
	}
	return batch, nil
}

func (r *HTTPRemote) endpoint(path string, query url.Values) string {
	target := *r.baseURL
	target.Path = r.baseURL.Path + path
	if query != nil {
		target.RawQuery = query.Encode()
	}
	return target.String()
}

func (r *HTTPRemote) do(request *http.Request, credential string, out any) error {
	request.Header.Set("Accept", "application/json")
	if credential != "" {
		request.Header.Set("Authorization", "Bearer "+credential)
	}
	response, err := r.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if response.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
		return &StatusError{StatusCode: response.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	return json.NewDecoder(response.Body).Decode(out)
}
