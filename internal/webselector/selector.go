// Package webselector maps an inbound HTTP request's (host, path) to the
// service responsible for handling it: longest path-prefix wins, ties
// broken by how specifically the entry names the host.
package webselector

import (
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Service is anything registerable in the selector's dispatch table. In
// this repository that is almost always an http.Handler (the long-poll
// transport's handlers, a static file server, …), so Service is defined
// as exactly that rather than inventing a parallel interface.
type Service = http.Handler

// hostKind ranks how specifically an entry names a host, used to break
// ties between equally long path-prefix matches: exact beats pattern
// beats wildcard.
type hostKind int

const (
	hostWildcard hostKind = iota
	hostPattern
	hostExact
)

type entry struct {
	hostSpec   string // "" means wildcard (matches any host)
	kind       hostKind
	pathPrefix string
	service    Service
}

// NotFoundService is returned by Lookup when no registered entry matches.
// It answers every request with 404 and is a comparable value, so callers
// can both serve it directly and test a Lookup result against it with ==.
var NotFoundService Service = notFoundService{}

type notFoundService struct{}

func (notFoundService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	http.NotFound(w, r)
}

// Selector is the (host, path) -> Service dispatch table.
type Selector struct {
	mu      sync.RWMutex
	entries []entry
}

// New creates an empty Selector; unmatched requests fall through to
// NotFoundService.
func New() *Selector {
	return &Selector{}
}

// Register adds (or replaces, if an identical hostPattern+pathPrefix pair
// already exists) a dispatch entry. hostPattern is either an exact
// hostname, a glob pattern (e.g. "*.example.com"), or "" for the
// wildcard that matches any host.
func (s *Selector) Register(hostPattern, pathPrefix string, svc Service) {
	kind := classify(hostPattern)

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.entries {
		if s.entries[i].hostSpec == hostPattern && s.entries[i].pathPrefix == pathPrefix {
			s.entries[i].service = svc
			s.entries[i].kind = kind
			return
		}
	}
	s.entries = append(s.entries, entry{hostSpec: hostPattern, kind: kind, pathPrefix: pathPrefix, service: svc})
}

// Unregister removes the entry for hostPattern+pathPrefix, if present.
// Removing an entry that does not exist is a no-op.
func (s *Selector) Unregister(hostPattern, pathPrefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].hostSpec == hostPattern && s.entries[i].pathPrefix == pathPrefix {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

// Lookup returns the service registered for the longest path-prefix
// matching path among entries whose host also matches host; ties are
// broken exact-host > pattern > wildcard. If nothing matches,
// NotFoundService is returned.
func (s *Selector) Lookup(host, path string) Service {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []entry
	for _, e := range s.entries {
		if !strings.HasPrefix(path, e.pathPrefix) {
			continue
		}
		if !hostMatches(e, host) {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return NotFoundService
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if len(candidates[i].pathPrefix) != len(candidates[j].pathPrefix) {
			return len(candidates[i].pathPrefix) > len(candidates[j].pathPrefix)
		}
		return candidates[i].kind > candidates[j].kind
	})
	return candidates[0].service
}

// ServeHTTP makes Selector itself usable as the top-level http.Handler:
// it dispatches to whatever Lookup resolves for the incoming request.
func (s *Selector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Lookup(r.Host, r.URL.Path).ServeHTTP(w, r)
}

func classify(hostSpec string) hostKind {
	switch {
	case hostSpec == "":
		return hostWildcard
	case strings.ContainsAny(hostSpec, "*?["):
		return hostPattern
	default:
		return hostExact
	}
}

func hostMatches(e entry, host string) bool {
	switch e.kind {
	case hostWildcard:
		return true
	case hostExact:
		return e.hostSpec == host
	default:
		ok, err := filepath.Match(e.hostSpec, host)
		return err == nil && ok
	}
}
