package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddleware_CountsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)

	before := testutil.CollectAndCount(HTTPRequestsTotal)

	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/transactions/:id", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/transactions/tx_1", nil)
	r.ServeHTTP(w, req)

	after := testutil.CollectAndCount(HTTPRequestsTotal)
	if after <= before {
		t.Errorf("expected request counter to grow, before=%d after=%d", before, after)
	}
}

func TestWorkflowCounter(t *testing.T) {
	WorkflowsTotal.WithLabelValues("release", "ok").Inc()
	v := testutil.ToFloat64(WorkflowsTotal.WithLabelValues("release", "ok"))
	if v < 1 {
		t.Errorf("WorkflowsTotal release/ok = %v, want >= 1", v)
	}
}
