package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecurringCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRecurring(reg)

	m.EntryCreated()
	m.EntryCreated()
	m.EntryExisting()
	m.TemplateFailed()
	m.RunFinished("partial", 50*time.Millisecond)

	if got := testutil.ToFloat64(m.entriesCreated); got != 2 {
		t.Errorf("expected 2 created, got %v", got)
	}
	if got := testutil.ToFloat64(m.runs.WithLabelValues("partial")); got != 1 {
		t.Errorf("expected 1 partial run, got %v", got)
	}
}

func TestNilRecurringIsNoop(t *testing.T) {
	var m *Recurring
	m.EntryCreated()
	m.EntryExisting()
	m.TemplateFailed()
	m.RunFinished("ok", time.Second)
}

func TestHTTPMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	m := NewHTTP(reg)

	router := gin.New()
	router.Use(m.Middleware())
	router.GET("/items/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	router.GET("/metrics", gin.WrapH(Handler(reg)))

	for _, id := range []string{"a", "b", "c"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/items/"+id, nil))
	}

	if got := testutil.ToFloat64(m.requests.WithLabelValues("GET", "/items/:id", "204")); got != 3 {
		t.Errorf("expected 3 requests on route pattern, got %v", got)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(w.Body.String(), "http_requests_total") {
		t.Error("expected metrics output to contain http_requests_total")
	}
}
