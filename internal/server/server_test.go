package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ephemeral/relay/internal/room"
)

func testRegistry(t *testing.T) *room.Registry {
	t.Helper()
	reg := room.NewRegistry(nil, room.Config{
		MaxUpdateBytes:  1024 * 1024,
		IdleRoomTimeout: time.Hour,
		DebounceFlush:   time.Hour,
		FlushCeiling:    time.Hour,
	})
	t.Cleanup(func() { reg.Shutdown(context.Background()) })
	return reg
}

func TestHealthzReportsOK(t *testing.T) {
	reg := testRegistry(t)
	srv := New(reg, Options{ListenAddress: "127.0.0.1:0"})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if len(body) == 0 {
		t.Fatal("expected a non-empty healthz body")
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	reg := testRegistry(t)
	srv := New(reg, Options{ListenAddress: "127.0.0.1:0"})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if len(body) == 0 {
		t.Fatal("expected non-empty metrics output")
	}
}
