package netutil

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDirectDownloader_ContextDeadlineOverridesFallbackTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(80 * time.Millisecond)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	d := NewDirectDownloader(
		func() time.Duration { return 20 * time.Millisecond },
		func() string { return "" },
	)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	resp, err := d.Download(ctx, srv.URL, "")
	if err != nil {
		t.Fatalf("download should succeed with caller deadline, got err=%v", err)
	}
	if string(resp.Body) != "ok" {
		t.Fatalf("body: got %q, want %q", string(resp.Body), "ok")
	}
}

func TestDirectDownloader_FallbackTimeoutWithoutContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(80 * time.Millisecond)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	d := NewDirectDownloader(
		func() time.Duration { return 20 * time.Millisecond },
		func() string { return "" },
	)

	_, err := d.Download(context.Background(), srv.URL, "")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestDirectDownloader_DynamicTimeoutPulled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(80 * time.Millisecond)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	timeout := 200 * time.Millisecond
	d := NewDirectDownloader(
		func() time.Duration { return timeout },
		func() string { return "" },
	)

	if _, err := d.Download(context.Background(), srv.URL, ""); err != nil {
		t.Fatalf("download should succeed with long timeout, got %v", err)
	}

	timeout = 20 * time.Millisecond
	_, err := d.Download(context.Background(), srv.URL, "")
	if err == nil {
		t.Fatal("expected timeout error after shrinking dynamic timeout")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestDirectDownloader_UserAgentOverrideAndDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	defer srv.Close()

	d := NewDirectDownloader(
		func() time.Duration { return 0 },
		func() string { return "default-agent" },
	)

	resp, err := d.Download(context.Background(), srv.URL, "")
	if err != nil {
		t.Fatalf("first download failed: %v", err)
	}
	if string(resp.Body) != "default-agent" {
		t.Fatalf("default UA: got %q", string(resp.Body))
	}

	resp, err = d.Download(context.Background(), srv.URL, "v2rayN/6.45")
	if err != nil {
		t.Fatalf("second download failed: %v", err)
	}
	if string(resp.Body) != "v2rayN/6.45" {
		t.Fatalf("override UA: got %q", string(resp.Body))
	}
}

func TestDirectDownloader_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	d := NewDirectDownloader(func() time.Duration { return time.Second }, func() string { return "" })
	_, err := d.Download(context.Background(), srv.URL, "")
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected HTTPStatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusForbidden {
		t.Fatalf("status: got %d, want %d", statusErr.StatusCode, http.StatusForbidden)
	}
}

func TestDirectDownloader_ReturnsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Subscription-Userinfo", "upload=1; download=2; total=3")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDirectDownloader(func() time.Duration { return time.Second }, func() string { return "" })
	resp, err := d.Download(context.Background(), srv.URL, "")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if got := resp.Header.Get("subscription-userinfo"); got != "upload=1; download=2; total=3" {
		t.Fatalf("header: got %q", got)
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
}

func TestDirectDownloader_MalformedURLIsNonRetryable(t *testing.T) {
	d := NewDirectDownloader(func() time.Duration { return time.Second }, func() string { return "" })
	_, err := d.Download(context.Background(), "http://[::1", "")
	var nr *NonRetryableError
	if !errors.As(err, &nr) {
		t.Fatalf("expected NonRetryableError, got %v", err)
	}
}
