package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestCheckHealthAggregation(t *testing.T) {
	hc := NewHealthChecker("fusion-bridge", "test")
	hc.AddCheck("ok", func() CheckResult { return CheckResult{Status: StatusHealthy} })

	if got := hc.CheckHealth().Status; got != StatusHealthy {
		t.Fatalf("expected healthy, got %s", got)
	}

	hc.AddCheck("slow", func() CheckResult { return CheckResult{Status: StatusDegraded} })
	if got := hc.CheckHealth().Status; got != StatusDegraded {
		t.Fatalf("expected degraded, got %s", got)
	}

	hc.AddCheck("down", func() CheckResult { return CheckResult{Status: StatusUnhealthy} })
	if got := hc.CheckHealth().Status; got != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", got)
	}
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	gin.SetMode(gin.TestMode)

	hc := NewHealthChecker("fusion-bridge", "test")
	r := gin.New()
	r.GET("/health", hc.Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	hc.AddCheck("down", func() CheckResult { return CheckResult{Status: StatusUnhealthy} })
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestConfigurationHealthCheck(t *testing.T) {
	check := ConfigurationHealthCheck(map[string]string{"REDIS_ADDRS": "localhost:6379"})
	if got := check().Status; got != StatusHealthy {
		t.Fatalf("expected healthy, got %s", got)
	}

	check = ConfigurationHealthCheck(map[string]string{"REDIS_ADDRS": ""})
	if got := check().Status; got != StatusUnhealthy {
		t.Fatalf("expected unhealthy for missing config, got %s", got)
	}
}

func TestMetricsCollectorRegistersWithoutPanic(t *testing.T) {
	mc := NewMetricsCollector("fusion-bridge", "test", "abc123")
	counter := mc.NewCounter("frames_total", "test counter", []string{"event"})
	counter.WithLabelValues("event").Inc()

	gauge := mc.NewGauge("conns", "test gauge", []string{"org"})
	gauge.WithLabelValues("org1").Set(3)

	// A second collector must not trip duplicate registration.
	_ = NewMetricsCollector("fusion-bridge", "test", "abc123")
}
