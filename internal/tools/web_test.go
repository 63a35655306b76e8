package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestExtractText_StripsMarkupAndScripts(t *testing.T) {
	page := `<html><head><style>body{color:red}</style><script>alert(1)</script></head>
<body><h1>Title</h1><p>First paragraph.</p><div>Second <b>bold</b> bit.</div></body></html>`

	got := extractText([]byte(page))
	if strings.Contains(got, "alert") || strings.Contains(got, "color:red") {
		t.Fatalf("script/style leaked: %q", got)
	}
	for _, want := range []string{"Title", "First paragraph.", "Second", "bold"} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in %q", want, got)
		}
	}
}

func TestWebFetchHandler(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body><p>hello from the page</p></body></html>")
	}))
	defer srv.Close()

	h := &WebFetchHandler{Client: srv.Client()}
	args, _ := json.Marshal(map[string]any{"url": srv.URL})
	out, err := h.Handle(context.Background(), args)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(out, "hello from the page") {
		t.Fatalf("out = %q", out)
	}
}

func TestWebFetchHandler_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	h := &WebFetchHandler{Client: srv.Client()}
	args, _ := json.Marshal(map[string]any{"url": srv.URL})
	if _, err := h.Handle(context.Background(), args); err == nil {
		t.Fatal("expected HTTP error")
	}
}

func TestTruncateRunes(t *testing.T) {
	if got := truncateRunes("short", 100); got != "short" {
		t.Fatalf("got %q", got)
	}
	got := truncateRunes(strings.Repeat("x", 50), 10)
	if !strings.HasPrefix(got, strings.Repeat("x", 10)) || !strings.Contains(got, "[Truncated]") {
		t.Fatalf("got %q", got)
	}
}
