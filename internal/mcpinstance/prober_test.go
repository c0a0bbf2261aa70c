package mcpinstance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestProbeHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := &Prober{client: srv.Client()}
	if got := p.probe(context.Background(), srv.URL); got != HealthHealthy {
		t.Errorf("probe() = %v, want %v", got, HealthHealthy)
	}
}

func TestProbeDegradedOn5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := &Prober{client: srv.Client()}
	if got := p.probe(context.Background(), srv.URL); got != HealthDegraded {
		t.Errorf("probe() = %v, want %v", got, HealthDegraded)
	}
}

func TestProbeDegradedOnUnreachable(t *testing.T) {
	p := &Prober{client: http.DefaultClient}
	if got := p.probe(context.Background(), "http://127.0.0.1:1/unreachable"); got != HealthDegraded {
		t.Errorf("probe() = %v, want %v", got, HealthDegraded)
	}
}
