package webselector

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func handlerNamed(name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Service", name)
	})
}

func serviceName(svc Service) string {
	w := httptest.NewRecorder()
	svc.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	return w.Header().Get("X-Service")
}

func TestLookupNoMatchReturnsNotFound(t *testing.T) {
	s := New()
	if s.Lookup("example.com", "/x") != NotFoundService {
		t.Error("expected NotFoundService for empty selector")
	}
}

func TestLookupLongestPrefixWins(t *testing.T) {
	s := New()
	s.Register("", "/", handlerNamed("root"))
	s.Register("", "/transport", handlerNamed("transport"))
	s.Register("", "/transport/lp", handlerNamed("lp"))

	if got := serviceName(s.Lookup("any.example", "/transport/lp/handshake")); got != "lp" {
		t.Errorf("got %q, want lp", got)
	}
	if got := serviceName(s.Lookup("any.example", "/transport/other")); got != "transport" {
		t.Errorf("got %q, want transport", got)
	}
	if got := serviceName(s.Lookup("any.example", "/unrelated")); got != "root" {
		t.Errorf("got %q, want root", got)
	}
}

func TestLookupHostTiebreakExactBeatsPatternBeatsWildcard(t *testing.T) {
	s := New()
	s.Register("", "/api", handlerNamed("wildcard"))
	s.Register("*.example.com", "/api", handlerNamed("pattern"))
	s.Register("a.example.com", "/api", handlerNamed("exact"))

	if got := serviceName(s.Lookup("a.example.com", "/api/x")); got != "exact" {
		t.Errorf("got %q, want exact", got)
	}
	if got := serviceName(s.Lookup("b.example.com", "/api/x")); got != "pattern" {
		t.Errorf("got %q, want pattern", got)
	}
	if got := serviceName(s.Lookup("other.org", "/api/x")); got != "wildcard" {
		t.Errorf("got %q, want wildcard", got)
	}
}

func TestRegisterIsIdempotentForSamePair(t *testing.T) {
	s := New()
	s.Register("", "/x", handlerNamed("first"))
	s.Register("", "/x", handlerNamed("second"))

	if len(s.entries) != 1 {
		t.Fatalf("got %d entries, want 1 after re-registering the same pair", len(s.entries))
	}
	if got := serviceName(s.Lookup("h", "/x")); got != "second" {
		t.Errorf("got %q, want second (last registration wins)", got)
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	s := New()
	s.Register("", "/x", handlerNamed("svc"))
	s.Unregister("", "/x")
	s.Unregister("", "/x") // no-op, must not panic

	if s.Lookup("h", "/x") != NotFoundService {
		t.Error("expected NotFoundService after unregister")
	}
}
