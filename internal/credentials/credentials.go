// Package credentials relays browser cookies to the remote assistant service and carries the cookies the
// service sets back to the browser. A Set travels through the request context, so the transport never
// needs to know which browser it is acting for.
package credentials

import (
	"context"
	"net/http"
	"slices"
	"sync"
)

type contextKey struct{}

// Set holds the cookies to attach to outgoing requests and collects the cookies returned by the remote.
type Set struct {
	outgoing []*http.Cookie

	mu       sync.Mutex
	returned []*http.Cookie
}

// FromRequest builds a Set from the cookies of an incoming request. Cookies named in exclude are never
// forwarded. When allow is non-empty, only the cookies it names are forwarded.
func FromRequest(r *http.Request, allow, exclude []string) *Set {
	var cookies []*http.Cookie
	for _, c := range r.Cookies() {
		if slices.Contains(exclude, c.Name) {
			continue
		}
		if len(allow) > 0 && !slices.Contains(allow, c.Name) {
			continue
		}
		cookies = append(cookies, c)
	}
	return &Set{outgoing: cookies}
}

// NewContext returns a copy of ctx carrying s.
func NewContext(ctx context.Context, s *Set) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the Set carried by ctx, if any.
func FromContext(ctx context.Context) (*Set, bool) {
	s, ok := ctx.Value(contextKey{}).(*Set)
	return s, ok && s != nil
}

// Apply attaches the outgoing cookies to req.
func (s *Set) Apply(req *http.Request) {
	for _, c := range s.outgoing {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
}

// Collect records the cookies set by res.
func (s *Set) Collect(res *http.Response) {
	cookies := res.Cookies()
	if len(cookies) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.returned = append(s.returned, cookies...)
}

// Returned lists the cookies collected so far, in arrival order.
func (s *Set) Returned() []*http.Cookie {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.returned)
}

// Outgoing lists the cookies attached to outgoing requests.
func (s *Set) Outgoing() []*http.Cookie {
	return slices.Clone(s.outgoing)
}
