package search

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeMeiliServer struct {
	mu       sync.Mutex
	requests []string
	bodies   map[string]string
	hits     []map[string]any
}

func (f *fakeMeiliServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	if f.bodies == nil {
		f.bodies = map[string]string{}
	}
	f.bodies[r.URL.Path] = string(body)
	hits := f.hits
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/health":
		_, _ = w.Write([]byte(`{"status":"available"}`))
	case "/multi-search":
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{{
				"indexUid":           idxThreads,
				"hits":               hits,
				"estimatedTotalHits": len(hits),
				"query":              "",
				"limit":              20,
				"offset":             0,
				"processingTimeMs":   1,
			}},
		})
	default:
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"taskUid":    1,
			"indexUid":   idxThreads,
			"status":     "enqueued",
			"type":       "documentAdditionOrUpdate",
			"enqueuedAt": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func (f *fakeMeiliServer) saw(request string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.requests {
		if r == request {
			return true
		}
	}
	return false
}

func (f *fakeMeiliServer) body(path string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[path]
}

func TestBuildThreadQueryNumbersFilters(t *testing.T) {
	where, args := buildThreadQuery(Query{Text: "typo", DocumentID: "doc-1", Status: "open"})
	if !strings.Contains(where, "t.document_id = $2") || !strings.Contains(where, "t.status = $3") {
		t.Fatalf("unexpected where clause: %s", where)
	}
	if len(args) != 3 || args[0] != "typo" || args[1] != "doc-1" || args[2] != "OPEN" {
		t.Fatalf("unexpected args: %#v", args)
	}

	where, args = buildThreadQuery(Query{Text: "typo"})
	if strings.Contains(where, "$2") || len(args) != 1 {
		t.Fatalf("expected only the text argument, got %s %#v", where, args)
	}
}

func TestQueryLimitBounds(t *testing.T) {
	cases := map[int]int{0: 20, -1: 20, 5: 5, 100: 100, 101: 20}
	for in, want := range cases {
		if got := (Query{Limit: in}).limit(); got != want {
			t.Fatalf("limit(%d): expected %d, got %d", in, want, got)
		}
	}
	if got := (Query{Offset: -3}).offset(); got != 0 {
		t.Fatalf("expected negative offset clamped, got %d", got)
	}
}

func TestMeiliFilters(t *testing.T) {
	got := meiliFilters(Query{DocumentID: "doc-1", Status: "outdated"})
	if len(got) != 2 || got[0] != `documentId = "doc-1"` || got[1] != `status = "OUTDATED"` {
		t.Fatalf("unexpected filters: %#v", got)
	}
	if got := meiliFilters(Query{}); len(got) != 0 {
		t.Fatalf("expected no filters, got %#v", got)
	}
}

func TestMeiliSearchDecodesHighlightedHits(t *testing.T) {
	fake := &fakeMeiliServer{hits: []map[string]any{{
		"id":         "thr_1",
		"documentId": "doc-1",
		"status":     "OPEN",
		"body":       "fix this typo",
		"quotedText": "teh",
		"_formatted": map[string]any{"body": "fix this <mark>typo</mark>"},
	}}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	m := NewMeili(srv.URL, "key")
	defer m.Close()
	if !m.Healthy() {
		t.Fatal("expected healthy meili")
	}
	if !fake.saw("POST /indexes") {
		t.Fatal("expected the thread index to be created")
	}

	svc := NewService(m, nil)
	resp := svc.Search(context.Background(), Query{Text: "typo", DocumentID: "doc-1"})
	if resp.Total != 1 || len(resp.Results) != 1 {
		t.Fatalf("expected one result, got %+v", resp)
	}
	r := resp.Results[0]
	if r.ID != "thr_1" || r.Quote != "teh" || r.Snippet != "fix this <mark>typo</mark>" {
		t.Fatalf("unexpected result: %+v", r)
	}
	if !strings.Contains(fake.body("/multi-search"), `documentId = \"doc-1\"`) {
		t.Fatalf("expected document filter in request, got %s", fake.body("/multi-search"))
	}
}

func TestMeiliIndexThreads(t *testing.T) {
	fake := &fakeMeiliServer{}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	m := NewMeili(srv.URL, "key")
	defer m.Close()

	if err := m.IndexThreads(nil); err != nil {
		t.Fatalf("empty batch: %v", err)
	}
	if fake.saw("POST /indexes/" + idxThreads + "/documents") {
		t.Fatal("empty batch should not reach meilisearch")
	}
	if err := m.IndexThreads([]ThreadRecord{{ID: "thr_1", DocumentID: "doc-1", Body: "hi", Status: "OPEN"}}); err != nil {
		t.Fatalf("index: %v", err)
	}
	if !strings.Contains(fake.body("/indexes/"+idxThreads+"/documents"), `"thr_1"`) {
		t.Fatal("expected the thread in the indexed batch")
	}
}

func TestServiceWithoutBackendsReturnsEmpty(t *testing.T) {
	svc := NewService(nil, nil)
	resp := svc.Search(context.Background(), Query{Text: "anything"})
	if resp.Results == nil || len(resp.Results) != 0 || resp.Query != "anything" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	svc.IndexThread(ThreadRecord{ID: "thr_1"})
	svc.ReindexFromPG(context.Background())
}

func TestMeiliUnavailableIsNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	m := NewMeili(srv.URL, "key")
	defer m.Close()
	if m.Healthy() {
		t.Fatal("expected unhealthy meili")
	}
	if _, _, err := m.Search(context.Background(), Query{Text: "x"}); err == nil {
		t.Fatal("expected error from unhealthy meili")
	}
}
