package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakePinger struct{ err error }

func (f fakePinger) Health(context.Context) error { return f.err }

func TestNew_DefaultTimeout(t *testing.T) {
	if got := New(0).checkTimeout; got != 5*time.Second {
		t.Errorf("expected default timeout 5s, got %v", got)
	}
	if got := New(time.Second).checkTimeout; got != time.Second {
		t.Errorf("expected timeout 1s, got %v", got)
	}
}

func TestCheckReadiness(t *testing.T) {
	tests := []struct {
		name       string
		checks     map[string]CheckFunc
		wantStatus string
	}{
		{"no checks", nil, StatusReady},
		{
			name: "all healthy",
			checks: map[string]CheckFunc{
				"database": PingCheck(fakePinger{}),
				"bus":      PingCheck(fakePinger{}),
			},
			wantStatus: StatusReady,
		},
		{
			name: "one unhealthy",
			checks: map[string]CheckFunc{
				"database": PingCheck(fakePinger{}),
				"bus":      PingCheck(fakePinger{err: errors.New("broker down")}),
			},
			wantStatus: StatusDegraded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := New(time.Second)
			for name, check := range tt.checks {
				checker.RegisterCheck(name, check)
			}

			status := checker.CheckReadiness(context.Background())
			if status.Status != tt.wantStatus {
				t.Errorf("expected %s, got %s", tt.wantStatus, status.Status)
			}
			if len(status.Checks) != len(tt.checks) {
				t.Errorf("expected %d results, got %d", len(tt.checks), len(status.Checks))
			}
		})
	}
}

func TestCheckReadiness_Timeout(t *testing.T) {
	checker := New(20 * time.Millisecond)
	checker.RegisterCheck("slow", func(ctx context.Context) error {
		time.Sleep(500 * time.Millisecond)
		return nil
	})

	status := checker.CheckReadiness(context.Background())
	result := status.Checks["slow"]
	if result.Status != StatusUnhealthy || result.Message != ErrCheckTimeout.Error() {
		t.Errorf("expected timeout result, got %+v", result)
	}
}

func TestRedisCheck(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	if err := RedisCheck(client)(context.Background()); err != nil {
		t.Fatalf("expected healthy redis, got %v", err)
	}

	mr.Close()
	if err := RedisCheck(client)(context.Background()); err == nil {
		t.Error("expected error after redis stopped")
	}
}

func TestListChecks_Sorted(t *testing.T) {
	checker := New(time.Second)
	checker.RegisterCheck("redis", PingCheck(fakePinger{}))
	checker.RegisterCheck("bus", PingCheck(fakePinger{}))
	checker.RegisterCheck("database", PingCheck(fakePinger{}))

	got := checker.ListChecks()
	want := []string{"bus", "database", "redis"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestHandlers(t *testing.T) {
	checker := New(time.Second)
	checker.RegisterCheck("database", PingCheck(fakePinger{err: errors.New("locked")}))

	tests := []struct {
		name     string
		handler  http.HandlerFunc
		method   string
		wantCode int
		wantBody bool
	}{
		{"liveness", checker.LivenessHandler(), http.MethodGet, http.StatusOK, true},
		{"liveness head", checker.LivenessHandler(), http.MethodHead, http.StatusOK, false},
		{"readiness degraded", checker.ReadinessHandler(), http.MethodGet, http.StatusServiceUnavailable, true},
		{"version", VersionHandler("1.0.0", "abc123", "2026-01-01"), http.MethodGet, http.StatusOK, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.handler(rec, httptest.NewRequest(tt.method, "/", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, rec.Code)
			}
			if rec.Header().Get("Content-Type") != "application/json" {
				t.Errorf("unexpected content type %q", rec.Header().Get("Content-Type"))
			}
			if (rec.Body.Len() > 0) != tt.wantBody {
				t.Errorf("unexpected body %q", rec.Body.String())
			}
		})
	}
}

func TestReadinessHandler_Body(t *testing.T) {
	checker := New(time.Second)
	checker.RegisterCheck("database", PingCheck(fakePinger{}))

	rec := httptest.NewRecorder()
	checker.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	var status HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if status.Status != StatusReady || status.Checks["database"].Status != StatusOK {
		t.Errorf("unexpected readiness body %+v", status)
	}
}

func TestRateLimitedHandler(t *testing.T) {
	calls := 0
	handler := RateLimitedHandler(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}, 2)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		codes = append(codes, rec.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("unexpected codes %v", codes)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}

	if RateLimitedHandler(checkerOK, 0) == nil {
		t.Error("expected passthrough handler for zero rate")
	}
}

func checkerOK(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }
