package osrm

import (
	"context"
	"sync"

	"github.com/musthaq16/live-route-tracker/internal/monitoring"
	"github.com/musthaq16/live-route-tracker/types"
)

// Router computes a route between two points. *Client implements it.
type Router interface {
	Route(ctx context.Context, start, end types.GeoPoint) (types.Route, error)
}

// Result is the outcome of one Fetch, identified by its token.
type Result struct {
	Token uint64
	Start types.GeoPoint
	End   types.GeoPoint
	Route types.Route
	Err   error
}

// Fetcher runs route requests in the background where the most recent request
// wins. Every Fetch gets a new token; issuing one cancels the previous request and
// its result is never delivered.
type Fetcher struct {
	router  Router
	results chan Result

	mu     sync.Mutex
	latest uint64
	cancel context.CancelFunc

	wg sync.WaitGroup
}

func NewFetcher(router Router) *Fetcher {
	return &Fetcher{
		router:  router,
		results: make(chan Result, 1),
	}
}

// Results delivers completed requests that were current when they finished.
func (f *Fetcher) Results() <-chan Result {
	return f.results
}

// Fetch starts a request for start→end and returns its token.
func (f *Fetcher) Fetch(ctx context.Context, start, end types.GeoPoint) uint64 {
	f.mu.Lock()
	if f.cancel != nil {
		f.cancel()
	}
	f.latest++
	token := f.latest
	reqCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.mu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer cancel()

		route, err := f.router.Route(reqCtx, start, end)
		f.deliver(reqCtx, Result{Token: token, Start: start, End: end, Route: route, Err: err})
	}()
	return token
}

func (f *Fetcher) deliver(ctx context.Context, res Result) {
	if !f.IsCurrent(res.Token) {
		monitoring.Logf("[osrm] dropping superseded route %d", res.Token)
		return
	}
	select {
	case f.results <- res:
	case <-ctx.Done():
	}
}

// Cancel supersedes the outstanding request, if any, without starting another.
func (f *Fetcher) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel == nil {
		return
	}
	f.cancel()
	f.cancel = nil
	f.latest++
}

// IsCurrent reports whether token belongs to the most recent request.
func (f *Fetcher) IsCurrent(token uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return token == f.latest
}

// Wait blocks until every request goroutine has returned.
func (f *Fetcher) Wait() {
	f.wg.Wait()
}
