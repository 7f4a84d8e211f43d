package httpclient

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Client for tests: callers register canned
// responses keyed by "METHOD URL", and every observed request is
// recorded for assertions (the "recording" variant spec §9 calls for
// alongside host-native and fake providers).
type Fake struct {
	mu        sync.Mutex
	responses map[string]Response
	errors    map[string]error
	Requests  []Request
}

// NewFake builds an empty fake client.
func NewFake() *Fake {
	return &Fake{
		responses: make(map[string]Response),
		errors:    make(map[string]error),
	}
}

func key(method, url string) string {
	return method + " " + url
}

// SetResponse registers the response returned for a given method+URL.
func (f *Fake) SetResponse(method, url string, resp Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[key(method, url)] = resp
}

// SetError registers an error returned for a given method+URL instead of
// a response, simulating a transport failure.
func (f *Fake) SetError(method, url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors[key(method, url)] = err
}

// Do implements Client.
func (f *Fake) Do(_ context.Context, req Request) (Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Requests = append(f.Requests, req)

	k := key(req.Method, req.URL)
	if err, ok := f.errors[k]; ok {
		return Response{}, err
	}
	if resp, ok := f.responses[k]; ok {
		return resp, nil
	}
	return Response{}, fmt.Errorf("httpclient fake: no response registered for %s", k)
}

var _ Client = (*Fake)(nil)
