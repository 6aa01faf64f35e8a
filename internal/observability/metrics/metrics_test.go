package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAreExported(t *testing.T) {
	ObserveAPICall("metrics-test", "storage:write", "denied")
	ObserveLimitExceeded("metrics-test", "apiCalls")
	ObserveHTTPRequest("plugins", "GET", 200, 15*time.Millisecond)
	SetActivePlugins(3)

	if got := testutil.ToFloat64(apiCalls.WithLabelValues("metrics-test", "storage:write", "denied")); got != 1 {
		t.Fatalf("expected one denied call, got %v", got)
	}

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`openplugin_limit_exceeded_total{metric="apiCalls",plugin="metrics-test"} 1`,
		`openplugin_active_plugins 3`,
		`openplugin_http_requests_total{code="200",handler="plugins",method="GET"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
