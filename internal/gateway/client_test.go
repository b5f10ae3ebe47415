package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"whatsflow/internal/media"
	logx "whatsflow/pkg/logx"
)

type captured struct {
	path string
	body map[string]any
}

func newCapturingGateway(t *testing.T, status int) (*httptest.Server, *[]captured) {
	t.Helper()
	var got []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		got = append(got, captured{path: r.URL.Path, body: body})
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func TestDispatchText(t *testing.T) {
	srv, got := newCapturingGateway(t, http.StatusOK)

	c := New(Config{BaseURL: srv.URL}, nil, logx.Nop())
	ok := c.Dispatch(context.Background(), "primary", "12345@g.us", "hello there", "", "")
	if !ok {
		t.Fatal("Dispatch = false, want true")
	}

	if len(*got) != 1 {
		t.Fatalf("requests = %d, want 1", len(*got))
	}
	req := (*got)[0]
	if req.path != "/send/primary" {
		t.Fatalf("path = %q, want /send/primary", req.path)
	}
	if req.body["to"] != "12345@g.us" || req.body["message"] != "hello there" || req.body["type"] != "text" {
		t.Fatalf("payload = %v", req.body)
	}
	if _, hasImage := req.body["image"]; hasImage {
		t.Fatal("text payload carries an image key")
	}
}

func TestDispatchImageAttachesBase64(t *testing.T) {
	srv, got := newCapturingGateway(t, http.StatusCreated)

	dir := t.TempDir()
	raw := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a}
	if err := os.WriteFile(filepath.Join(dir, "banner.png"), raw, 0o644); err != nil {
		t.Fatalf("write media: %v", err)
	}

	c := New(Config{BaseURL: srv.URL}, media.NewDir(dir), logx.Nop())
	ok := c.Dispatch(context.Background(), "primary", "g1", "caption", "image", "banner.png")
	if !ok {
		t.Fatal("Dispatch = false, want true")
	}

	req := (*got)[0]
	if req.body["type"] != "image" {
		t.Fatalf("type = %v, want image", req.body["type"])
	}
	enc, _ := req.body["image"].(string)
	b, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		t.Fatalf("image key not base64: %v", err)
	}
	if string(b) != string(raw) {
		t.Fatalf("media bytes mangled: %v", b)
	}
}

func TestDispatchMissingMediaFails(t *testing.T) {
	srv, got := newCapturingGateway(t, http.StatusOK)

	c := New(Config{BaseURL: srv.URL}, media.NewDir(t.TempDir()), logx.Nop())
	if c.Dispatch(context.Background(), "primary", "g1", "caption", "image", "nope.png") {
		t.Fatal("Dispatch = true for unresolvable media")
	}
	if len(*got) != 0 {
		t.Fatalf("gateway was called %d times, want 0", len(*got))
	}
}

func TestDispatchRejectedStatus(t *testing.T) {
	srv, _ := newCapturingGateway(t, http.StatusInternalServerError)

	c := New(Config{BaseURL: srv.URL}, nil, logx.Nop())
	if c.Dispatch(context.Background(), "primary", "g1", "hi", "", "") {
		t.Fatal("Dispatch = true for 500 response")
	}
}

func TestDispatchUnreachableGateway(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: 500 * time.Millisecond}, nil, logx.Nop())
	if c.Dispatch(context.Background(), "primary", "g1", "hi", "", "") {
		t.Fatal("Dispatch = true for unreachable gateway")
	}
}

func TestDispatchInstanceOverride(t *testing.T) {
	srv, got := newCapturingGateway(t, http.StatusOK)

	c := New(Config{
		BaseURL:   "http://127.0.0.1:1",
		Instances: map[string]string{"backup": srv.URL + "/"},
	}, nil, logx.Nop())
	if !c.Dispatch(context.Background(), "backup", "g1", "hi", "", "") {
		t.Fatal("Dispatch = false, want true via override")
	}
	if (*got)[0].path != "/send/backup" {
		t.Fatalf("path = %q, want /send/backup", (*got)[0].path)
	}
}

func TestEndpointForEscapesInstanceID(t *testing.T) {
	t.Parallel()
	c := New(Config{BaseURL: "http://gw"}, nil, logx.Nop())
	got := c.endpointFor(Config{BaseURL: "http://gw"}, "a b/c")
	if got != "http://gw/send/a%20b%2Fc" {
		t.Fatalf("endpoint = %q", got)
	}
}
