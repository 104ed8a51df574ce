package replication

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tigawanna/moots-sub000/internal/events"
)

func TestHTTPRemotePushSendsEnvelopesWithBearer(testContext *testing.T) {
	var received PushRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api"+PushPath {
			testContext.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer device-token" {
			testContext.Errorf("unexpected authorization header %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			testContext.Errorf("failed to decode push body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(PushAck{Accepted: 1, Duplicates: 1})
	}))
	defer server.Close()

	remote, err := NewHTTPRemote(server.URL+"/api/", server.Client())
	if err != nil {
		testContext.Fatalf("failed to build remote: %v", err)
	}
	envelopes := []events.Envelope{
		{ID: "e1", Name: events.NameListLiked, Origin: "device-a", Position: 7, Payload: json.RawMessage(`{"id":"k1"}`)},
		{ID: "e2", Name: events.NameListUnliked, Origin: "device-a", Position: 8, Payload: json.RawMessage(`{"id":"k1"}`)},
	}
	ack, err := remote.Push(context.Background(), "device-token", envelopes)
	if err != nil {
		testContext.Fatalf("push failed: %v", err)
	}
	if ack.Accepted != 1 || ack.Duplicates != 1 {
		testContext.Fatalf("unexpected ack: %+v", ack)
	}
	if len(received.Events) != 2 || received.Events[1].ID != "e2" || received.Events[0].Origin != "device-a" {
		testContext.Fatalf("unexpected pushed events: %+v", received.Events)
	}
}

func TestHTTPRemotePullEncodesCursor(testContext *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != PullPath {
			testContext.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.URL.Query().Get("after") != "12" || r.URL.Query().Get("limit") != "50" {
			testContext.Errorf("unexpected query %q", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(PullBatch{
			Events:  []events.Envelope{{ID: "e13", Name: events.NameListLiked, Position: 13, Payload: json.RawMessage(`{}`)}},
			Next:    13,
			HasMore: true,
		})
	}))
	defer server.Close()

	remote, err := NewHTTPRemote(server.URL, nil)
	if err != nil {
		testContext.Fatalf("failed to build remote: %v", err)
	}
	batch, err := remote.Pull(context.Background(), "device-token", 12, 50)
	if err != nil {
		testContext.Fatalf("pull failed: %v", err)
	}
	if batch.Next != 13 || !batch.HasMore || len(batch.Events) != 1 || batch.Events[0].ID != "e13" {
		testContext.Fatalf("unexpected batch: %+v", batch)
	}
}

func TestHTTPRemoteMapsFailures(testContext *testing.T) {
	status := http.StatusUnauthorized
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"replication.ingest_failed"}`))
	}))
	defer server.Close()

	remote, err := NewHTTPRemote(server.URL, server.Client())
	if err != nil {
		testContext.Fatalf("failed to build remote: %v", err)
	}
	if _, err := remote.Pull(context.Background(), "expired", 0, 10); !errors.Is(err, ErrUnauthorized) {
		testContext.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	status = http.StatusBadRequest
	_, err = remote.Push(context.Background(), "device-token", nil)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusBadRequest {
		testContext.Fatalf("expected StatusError 400, got %v", err)
	}
	if statusErr.Body != `{"error":"replication.ingest_failed"}` {
		testContext.Fatalf("expected body snippet, got %q", statusErr.Body)
	}
}

func TestNewHTTPRemoteRejectsBadURLs(testContext *testing.T) {
	for _, raw := range []string{"", "   ", "not a url", "/relative"} {
		if _, err := NewHTTPRemote(raw, nil); err == nil {
			testContext.Fatalf("expected error for %q", raw)
		}
	}
}
