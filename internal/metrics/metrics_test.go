// ABOUTME: Tests for metric recording helpers and the exposition handler
// ABOUTME: Reads collector values back with prometheus testutil

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestAgentCounters(t *testing.T) {
	t.Parallel()

	m := New()
	m.AgentMessage(DirectionOut, "request")
	m.AgentMessage(DirectionOut, "request")
	m.AgentMessage(DirectionIn, "notification")
	m.AgentDisconnected()
	m.AgentOrphanResponse()
	m.AgentPending(3)

	if got := testutil.ToFloat64(m.agentMessages.WithLabelValues(DirectionOut, "request")); got != 2 {
		t.Errorf("out requests = %v; want 2", got)
	}
	if got := testutil.ToFloat64(m.agentMessages.WithLabelValues(DirectionIn, "notification")); got != 1 {
		t.Errorf("in notifications = %v; want 1", got)
	}
	if got := testutil.ToFloat64(m.agentDisconnects); got != 1 {
		t.Errorf("disconnects = %v; want 1", got)
	}
	if got := testutil.ToFloat64(m.agentDropped); got != 1 {
		t.Errorf("orphans = %v; want 1", got)
	}
	if got := testutil.ToFloat64(m.agentPending); got != 3 {
		t.Errorf("pending = %v; want 3", got)
	}
}

func TestRequestStarted(t *testing.T) {
	t.Parallel()

	m := New()
	done := m.RequestStarted("echo")
	if got := testutil.ToFloat64(m.routerInFlight); got != 1 {
		t.Errorf("in flight = %v; want 1", got)
	}
	done("ok")
	if got := testutil.ToFloat64(m.routerInFlight); got != 0 {
		t.Errorf("in flight after done = %v; want 0", got)
	}
	if got := testutil.ToFloat64(m.routerRequests.WithLabelValues("echo", "ok")); got != 1 {
		t.Errorf("requests = %v; want 1", got)
	}
	if n := testutil.CollectAndCount(m.routerDuration); n != 1 {
		t.Errorf("duration series = %d; want 1", n)
	}
}

func TestCacheAndGraphQL(t *testing.T) {
	t.Parallel()

	m := New()
	m.CacheLookup("hit")
	m.CacheLookup("hit")
	m.CacheLookup("miss")
	m.GraphQLCall("CommitOID", "ok")

	if got := testutil.ToFloat64(m.cacheLookups.WithLabelValues("hit")); got != 2 {
		t.Errorf("hits = %v; want 2", got)
	}
	if got := testutil.ToFloat64(m.graphqlCalls.WithLabelValues("CommitOID", "ok")); got != 1 {
		t.Errorf("graphql = %v; want 1", got)
	}
}

func TestNotificationDropped(t *testing.T) {
	t.Parallel()

	m := New()
	m.NotificationDropped()
	m.NotificationDropped()
	if got := testutil.ToFloat64(m.routerDropped); got != 2 {
		t.Errorf("dropped = %v; want 2", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.AgentMessage(DirectionIn, "response")
	m.AgentPending(1)
	m.AgentDisconnected()
	m.AgentOrphanResponse()
	m.CacheLookup("hit")
	m.NotificationDropped()
	m.GraphQLCall("x", "ok")
	m.RequestStarted("echo")("ok")
	if m.Registry() != nil {
		t.Error("nil Metrics should have nil registry")
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d; want 404", rec.Code)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	t.Parallel()

	m := New()
	m.AgentDisconnected()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "sg_nvim_agent_disconnects_total 1") {
		t.Errorf("exposition missing disconnect counter:\n%s", body)
	}
}
