package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegister_NoPanic(t *testing.T) {
	// Register guards MustRegister with a sync.Once.
	Register()
	Register()
}

func TestRouteEventsTotal_CountsByType(t *testing.T) {
	before := testutil.ToFloat64(RouteEventsTotal.WithLabelValues("ROUTE_ADDED"))
	RouteEventsTotal.WithLabelValues("ROUTE_ADDED").Inc()
	after := testutil.ToFloat64(RouteEventsTotal.WithLabelValues("ROUTE_ADDED"))
	if after-before != 1 {
		t.Errorf("expected counter to grow by 1, got %v", after-before)
	}
}
