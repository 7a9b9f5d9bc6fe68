package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"newsview/internal/changefeed"
	"newsview/internal/fixture"
	"newsview/pkg/newsview"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const replayFixture = `
entities:
  - id: 1
    source: feed-a
    state: unread
    title: Alpha
    published: 2026-02-10T10:00:00Z
  - id: 2
    source: feed-a
    title: Bravo
    published: 2026-02-11T10:00:00Z
  - id: 3
    source: feed-b
    title: Elsewhere
    published: 2026-02-11T11:00:00Z
view:
  kind: single_source
  target: feed-a
script:
  - op: set_state
    ids: [1]
    state: read
  - op: remove
    ids: [2]
  - op: add
    entities:
      - id: 4
        source: feed-a
        title: Charlie
        published: 2026-02-12T10:00:00Z
  - op: refresh
`

func writeFile(t *testing.T, path string, contents string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatalf("create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestReplayFixture verifies bind and replay output for both reference stores.
func TestReplayFixture(t *testing.T) {
	tests := []struct {
		name  string
		store func(dir string) StoreConfig
	}{
		{name: "memory", store: func(string) StoreConfig { return StoreConfig{Driver: "memory"} }},
		{name: "sqlite", store: func(dir string) StoreConfig {
			return StoreConfig{Driver: "sqlite", DSN: filepath.Join(dir, "news.db")}
		}},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			fixturePath := filepath.Join(dir, "fixture.yaml")
			writeFile(t, fixturePath, replayFixture)
			fx, err := fixture.Load(fixturePath)
			if err != nil {
				t.Fatalf("load fixture failed: %v", err)
			}

			cfg := DefaultConfig()
			cfg.Store = testCase.store(dir)
			ctx := context.Background()
			var out bytes.Buffer
			a, err := newApp(ctx, cfg, discardLogger(), &out)
			if err != nil {
				t.Fatalf("new app failed: %v", err)
			}
			t.Cleanup(func() {
				if err := a.close(context.Background()); err != nil {
					t.Errorf("close app failed: %v", err)
				}
			})

			view, err := a.load(ctx, fx)
			if err != nil {
				t.Fatalf("load failed: %v", err)
			}
			if err := a.bind(ctx, view); err != nil {
				t.Fatalf("bind failed: %v", err)
			}
			if err := a.replay(ctx, fx.Script); err != nil {
				t.Fatalf("replay failed: %v", err)
			}
			a.printListing(false)

			wantLines := []string{
				"bind plan=full_refresh reason=bind additions=[1 2] updates=[] removals=[]",
				"change plan=incremental additions=[] updates=[1] removals=[]",
				"change plan=incremental additions=[] updates=[] removals=[2]",
				"change plan=incremental additions=[4] updates=[] removals=[]",
				"refresh plan=full_refresh reason=requested additions=[] updates=[] removals=[]",
			}
			lines := strings.Split(strings.TrimSpace(out.String()), "\n")
			if len(lines) != len(wantLines)+2 {
				t.Fatalf("output lines = %d, want %d:\n%s", len(lines), len(wantLines)+2, out.String())
			}
			for idx, want := range wantLines {
				if lines[idx] != want {
					t.Fatalf("line %d = %q, want %q", idx, lines[idx], want)
				}
			}
			listing := lines[len(wantLines):]
			if !strings.Contains(listing[0], "Charlie") || !strings.Contains(listing[1], "Alpha") {
				t.Fatalf("listing = %q, want Charlie before Alpha", listing)
			}
		})
	}
}

// TestPrintListingGroupsByBand verifies grouped output carries band headings.
func TestPrintListingGroupsByBand(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fixturePath := filepath.Join(dir, "fixture.yaml")
	writeFile(t, fixturePath, replayFixture)
	fx, err := fixture.Load(fixturePath)
	if err != nil {
		t.Fatalf("load fixture failed: %v", err)
	}

	ctx := context.Background()
	var out bytes.Buffer
	a, err := newApp(ctx, DefaultConfig(), discardLogger(), &out)
	if err != nil {
		t.Fatalf("new app failed: %v", err)
	}
	t.Cleanup(func() {
		_ = a.close(context.Background())
	})

	view, err := a.load(ctx, fx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := a.bind(ctx, view); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	out.Reset()
	a.printListing(true)

	if !strings.HasPrefix(out.String(), "== ") {
		t.Fatalf("grouped output = %q, want a band heading first", out.String())
	}
	if strings.Contains(out.String(), "Elsewhere") {
		t.Fatalf("grouped output leaked another feed: %q", out.String())
	}
}

// TestLoadRejectsFixtureWithoutView verifies a view is required to bind.
func TestLoadRejectsFixtureWithoutView(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, err := newApp(ctx, DefaultConfig(), discardLogger(), io.Discard)
	if err != nil {
		t.Fatalf("new app failed: %v", err)
	}
	t.Cleanup(func() {
		_ = a.close(context.Background())
	})

	fx, err := fixture.Parse(strings.NewReader("entities:\n  - id: 1\n    source: feed-a\n"))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if _, err := a.load(ctx, fx); err == nil {
		t.Fatal("expected missing view error")
	}
}

// TestAbandonStartupClosesStoreAndFeed verifies a failed startup leaves no
// open store or change feed behind.
func TestAbandonStartupClosesStoreAndFeed(t *testing.T) {
	tests := []struct {
		name  string
		store func(dir string) StoreConfig
	}{
		{name: "memory", store: func(string) StoreConfig { return StoreConfig{Driver: "memory"} }},
		{name: "sqlite", store: func(dir string) StoreConfig {
			return StoreConfig{Driver: "sqlite", DSN: filepath.Join(dir, "news.db")}
		}},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			feed := changefeed.New()
			store, err := openBackend(ctx, testCase.store(t.TempDir()), feed)
			if err != nil {
				t.Fatalf("open backend failed: %v", err)
			}

			if err := abandonStartup(ctx, store, feed); err != nil {
				t.Fatalf("abandon startup failed: %v", err)
			}
			_, err = feed.Subscribe(ctx, newsview.EntityKindNews, func(context.Context, []newsview.ChangeEvent) error {
				return nil
			})
			if err == nil {
				t.Fatal("subscribe on an abandoned feed should fail")
			}
			if err := abandonStartup(ctx, store, feed); err != nil {
				t.Fatalf("second abandon startup failed: %v", err)
			}
		})
	}
}

// TestServeMetrics verifies the registry is exposed until the context ends.
func TestServeMetrics(t *testing.T) {
	t.Parallel()

	a, err := newApp(context.Background(), DefaultConfig(), discardLogger(), io.Discard)
	if err != nil {
		t.Fatalf("new app failed: %v", err)
	}
	t.Cleanup(func() {
		_ = a.close(context.Background())
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- a.serveMetrics(ctx, listener)
	}()

	client := &http.Client{Timeout: 2 * time.Second}
	response, err := client.Get("http://" + listener.Addr().String() + metricsPath)
	if err != nil {
		cancel()
		t.Fatalf("get metrics failed: %v", err)
	}
	body, err := io.ReadAll(response.Body)
	_ = response.Body.Close()
	client.CloseIdleConnections()
	if err != nil {
		cancel()
		t.Fatalf("read metrics failed: %v", err)
	}
	if !strings.Contains(string(body), "newsview_cache_entries") {
		cancel()
		t.Fatalf("metrics body missing newsview_cache_entries:\n%s", body)
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("serve metrics returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve metrics did not stop")
	}
}
