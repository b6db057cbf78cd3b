package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tg-selfbot-go/internal/config"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestSendThrottle_Disabled(t *testing.T) {
	s := NewSendThrottle(&config.RateLimitConfig{Enabled: false}, quietLogger())
	for i := 0; i < 100; i++ {
		if !s.Allow(1) {
			t.Fatal("disabled throttle must always allow")
		}
	}
	if err := s.Wait(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
}

func TestSendThrottle_BurstIsPerChat(t *testing.T) {
	s := NewSendThrottle(&config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, Burst: 2}, quietLogger())

	if !s.Allow(1) || !s.Allow(1) {
		t.Fatal("burst of 2 should be allowed")
	}
	if s.Allow(1) {
		t.Error("third call inside the window should be throttled")
	}
	if !s.Allow(2) {
		t.Error("another chat has its own budget")
	}
}

func TestSendThrottle_WaitHonorsContext(t *testing.T) {
	s := NewSendThrottle(&config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, Burst: 1}, quietLogger())
	s.Allow(7)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx, 7); err == nil {
		t.Error("expected wait to fail once the context expires")
	}
}

func TestSendThrottle_WaitSharesBudget(t *testing.T) {
	s := NewSendThrottle(&config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, Burst: 1}, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx, 3); err != nil {
		t.Fatalf("first wait within burst: %v", err)
	}
	if s.Allow(3) {
		t.Error("wait did not consume the burst token")
	}
}

func TestSendThrottle_SweepRemovesIdle(t *testing.T) {
	s := NewSendThrottle(&config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, Burst: 1}, quietLogger())
	s.Allow(1)
	s.Allow(2)

	if n := s.sweep(time.Now()); n != 0 {
		t.Errorf("fresh limiters removed: %d", n)
	}
	if n := s.sweep(time.Now().Add(2 * time.Hour)); n != 2 {
		t.Errorf("expected 2 idle limiters removed, got %d", n)
	}
}

func TestMetricsRouter_Health(t *testing.T) {
	srv := httptest.NewServer(NewMetricsRouter("/metrics"))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}

	NewMetrics().RecordClassified("command")
	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || len(body) == 0 {
		t.Errorf("metrics endpoint status = %d", resp.StatusCode)
	}
}
