package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Origin is an httptest server that serves canned objects by path and
// counts every request it receives.
type Origin struct {
	Server *httptest.Server

	mu       sync.Mutex
	objects  map[string][]byte
	failures map[string]int
	stalls   map[string]stall
	hits     map[string]int
}

type stall struct {
	delay time.Duration
	left  int
}

func StartOrigin() *Origin {
	o := &Origin{
		objects:  make(map[string][]byte),
		failures: make(map[string]int),
		stalls:   make(map[string]stall),
		hits:     make(map[string]int),
	}
	o.Server = httptest.NewServer(http.HandlerFunc(o.serve))
	return o
}

func (o *Origin) URL() string {
	return o.Server.URL
}

func (o *Origin) serve(w http.ResponseWriter, r *http.Request) {
	p := strings.TrimPrefix(r.URL.Path, "/")

	o.mu.Lock()
	o.hits[p]++
	status, failing := o.failures[p]
	body, ok := o.objects[p]
	var delay time.Duration
	if s := o.stalls[p]; s.left > 0 {
		delay = s.delay
		s.left--
		o.stalls[p] = s
	}
	o.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-r.Context().Done():
			return
		case <-t.C:
		}
	}

	switch {
	case failing:
		http.Error(w, http.StatusText(status), status)
	case !ok:
		http.NotFound(w, r)
	default:
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}
}

// Set serves body at p.
func (o *Origin) Set(p string, body []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.objects[strings.TrimPrefix(p, "/")] = body
}

// Fail makes requests for p answer with status until Recover is called.
func (o *Origin) Fail(p string, status int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures[strings.TrimPrefix(p, "/")] = status
}

// Stall holds the next n requests for p for delay before answering, or
// until the client gives up.
func (o *Origin) Stall(p string, delay time.Duration, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stalls[strings.TrimPrefix(p, "/")] = stall{delay: delay, left: n}
}

func (o *Origin) Recover(p string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.failures, strings.TrimPrefix(p, "/"))
}

// Hits returns how many requests reached p.
func (o *Origin) Hits(p string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[strings.TrimPrefix(p, "/")]
}

// TotalHits returns the number of requests across all paths.
func (o *Origin) TotalHits() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	total := 0
	for _, n := range o.hits {
		total += n
	}
	return total
}

func (o *Origin) Close() {
	if o == nil || o.Server == nil {
		return
	}
	o.Server.Close()
}
