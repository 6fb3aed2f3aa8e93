package setup

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/njoerd114/apisync/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func remote(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`[]`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func lines(in ...string) io.Reader {
	return strings.NewReader(strings.Join(in, "\n") + "\n")
}

func TestPrompter_String(t *testing.T) {
	var out bytes.Buffer
	p := NewPrompter(lines("", "", "value"), &out)

	if got := p.String("With default", "fallback"); got != "fallback" {
		t.Errorf("String with default = %q, want fallback", got)
	}
	if got := p.String("Required", ""); got != "value" {
		t.Errorf("String required = %q, want value", got)
	}
	if !strings.Contains(out.String(), "required") {
		t.Errorf("expected a required notice, got %q", out.String())
	}
}

func TestPrompter_Confirm(t *testing.T) {
	p := NewPrompter(lines("y", "NO", ""), io.Discard)
	if !p.Confirm("a", false) {
		t.Error("y should confirm")
	}
	if p.Confirm("b", true) {
		t.Error("NO should decline")
	}
	if !p.Confirm("c", true) {
		t.Error("empty answer should pick the default")
	}
}

func TestPrompter_Select(t *testing.T) {
	p := NewPrompter(lines("9", "x", "2"), io.Discard)
	idx, err := p.Select("Pick", []string{"a", "b"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if idx != 1 {
		t.Errorf("idx = %d, want 1", idx)
	}

	if _, err := NewPrompter(lines(), io.Discard).Select("Pick", nil); err == nil {
		t.Error("expected error for empty options")
	}
}

func TestPrompter_Duration(t *testing.T) {
	p := NewPrompter(lines("soon", "-1s", "90s", ""), io.Discard)
	if got := p.Duration("Interval", time.Minute); got != 90*time.Second {
		t.Errorf("Duration = %v, want 90s", got)
	}
	if got := p.Duration("Interval", time.Minute); got != time.Minute {
		t.Errorf("Duration default = %v, want 1m", got)
	}
}

func TestWizard_Run_WritesConfig(t *testing.T) {
	srv := remote(t, http.StatusOK)
	cfgPath := filepath.Join(t.TempDir(), "apisync", "config.yaml")

	in := lines(
		"",           // listen address
		"admin-key",  // admin api key
		"1",          // kind: bookings
		"",           // name defaults to kind
		srv.URL,      // api url
		"",           // endpoint default
		"secret",     // bearer token
		"y",          // auto-sync
		"2m",         // interval
		"y",          // add another
		"2",          // kind: photos
		"status",     // reserved, asked again
		"gallery",    // name
		srv.URL,      // api url
		"/photos",    // endpoint
		"",           // no token
		"",           // auto-sync off
		"",           // no more
	)
	var out bytes.Buffer
	if err := NewWizard(in, &out, testLogger()).Run(context.Background(), cfgPath); err != nil {
		t.Fatalf("Run: %v\n%s", err, out.String())
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load written config: %v", err)
	}
	if cfg.ListenAddr != config.DefaultListenAddr || cfg.AdminAPIKey != "admin-key" {
		t.Errorf("server = %q / %q", cfg.ListenAddr, cfg.AdminAPIKey)
	}

	b, ok := cfg.Collections["bookings"]
	if !ok {
		t.Fatalf("bookings missing: %v", cfg.CollectionNames())
	}
	if b.Endpoint != defaultEndpoints["bookings"] || b.BearerToken != "secret" {
		t.Errorf("bookings = %+v", b)
	}
	if !b.AutoSync || b.SyncInterval != 2*time.Minute {
		t.Errorf("bookings auto-sync = %v %v", b.AutoSync, b.SyncInterval)
	}

	g, ok := cfg.Collections["gallery"]
	if !ok {
		t.Fatalf("gallery missing: %v", cfg.CollectionNames())
	}
	if g.Kind != "photos" || g.Endpoint != "/photos" || g.AutoSync {
		t.Errorf("gallery = %+v", g)
	}
	if !strings.Contains(out.String(), "Config written") {
		t.Errorf("missing confirmation in output:\n%s", out.String())
	}
}

func TestWizard_Run_ConnectionFailureAborts(t *testing.T) {
	srv := remote(t, http.StatusUnauthorized)
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")

	in := lines("", "", "1", "", srv.URL, "", "bad-token", "n")
	err := NewWizard(in, io.Discard, testLogger()).Run(context.Background(), cfgPath)
	if err == nil {
		t.Fatal("expected error when the connection test fails and the user declines")
	}
	if _, statErr := os.Stat(cfgPath); !os.IsNotExist(statErr) {
		t.Errorf("config should not be written, stat err = %v", statErr)
	}
}

func TestWizard_Run_KeepsExistingConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("listen_addr: \":7000\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := NewWizard(lines("n"), io.Discard, testLogger()).Run(context.Background(), cfgPath); err != nil {
		t.Fatalf("Run: %v", err)
	}
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), ":7000") {
		t.Errorf("existing config was modified: %s", data)
	}
}
