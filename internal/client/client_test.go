package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"marginalia/internal/comments"
)

var _ comments.Backend = (*Client)(nil)

func TestListThreadsSendsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/documents/doc%201/threads" && r.URL.Path != "/api/documents/doc 1/threads" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected auth header %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"threads": []comments.Thread{
			{ID: "thr_1", Status: comments.StatusOpen},
			{ID: "thr_2", Status: comments.StatusOutdated},
		}})
	}))
	defer srv.Close()

	threads, err := New(srv.URL, nil).WithToken("tok").ListThreads(context.Background(), "doc 1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(threads) != 2 || threads[1].Status != comments.StatusOutdated {
		t.Fatalf("unexpected threads: %+v", threads)
	}
}

func TestMarkThreadOutdatedRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/documents/doc-1/threads/thr_1/outdated" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"code":"SERVER_ERROR","error":"try again"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"thread": comments.Thread{ID: "thr_1", Status: comments.StatusOutdated}})
	}))
	defer srv.Close()

	thread, err := New(srv.URL, nil).MarkThreadOutdated(context.Background(), "doc-1", "thr_1")
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if thread.Status != comments.StatusOutdated || calls.Load() != 2 {
		t.Fatalf("expected outdated after one retry, got %+v after %d calls", thread, calls.Load())
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"INVALID_TRANSITION","error":"cannot move thread"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, nil).MarkThreadOutdated(context.Background(), "doc-1", "thr_1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict || apiErr.Code != "INVALID_TRANSITION" {
		t.Fatalf("expected conflict api error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestCreateThreadIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := New(srv.URL, nil).CreateThread(context.Background(), "doc-1", "hi", "", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusInternalServerError {
		t.Fatalf("expected server error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestIssueToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer issuer" {
			t.Errorf("expected issuer key, got %q", got)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["name"] != "ana" {
			t.Errorf("unexpected body %v", body)
		}
		_ = json.NewEncoder(w).Encode(Token{Token: "tok", DocumentID: "doc-1", Agent: "agt_1"})
	}))
	defer srv.Close()

	token, err := New(srv.URL, nil).WithToken("issuer").IssueToken(context.Background(), "doc-1", "ana")
	if err != nil || token.Token != "tok" || token.Agent != "agt_1" {
		t.Fatalf("unexpected token %+v: %v", token, err)
	}
}

func TestWebsocketURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8787": "ws://localhost:8787/ws/doc-1",
		"https://example.com/":  "wss://example.com/ws/doc-1",
	}
	for base, want := range cases {
		if got := New(base, nil).WebsocketURL("doc-1"); got != want {
			t.Fatalf("WebsocketURL(%s): expected %s, got %s", base, want, got)
		}
	}
}
