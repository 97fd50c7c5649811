// Package testutil provides fake network peers for tests.
package testutil

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"proxy-rotator-go/internal/model"
)

// SeenRequest is a request observed by a FakeProxy.
type SeenRequest struct {
	Method             string
	Target             string // request-target as sent on the wire
	ProxyAuthorization string
	Header             http.Header
	Body               string
}

// FakeProxy is a minimal HTTP forward proxy. Absolute-form requests are
// answered by Respond; CONNECT requests are tunnelled to TunnelTo whatever
// authority they name.
type FakeProxy struct {
	*httptest.Server

	Respond  http.HandlerFunc
	TunnelTo string

	mu   sync.Mutex
	seen []SeenRequest
}

// NewFakeProxy starts a FakeProxy. The server is closed when the test ends.
func NewFakeProxy(t *testing.T, respond http.HandlerFunc) *FakeProxy {
	t.Helper()

	p := &FakeProxy{Respond: respond}
	p.Server = httptest.NewServer(http.HandlerFunc(p.serve))
	t.Cleanup(p.Close)
	return p
}

// Requests returns the requests observed so far.
func (p *FakeProxy) Requests() []SeenRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SeenRequest, len(p.seen))
	copy(out, p.seen)
	return out
}

// Entry returns the pool entry for this proxy with the given credentials.
func (p *FakeProxy) Entry(user, password string) model.UpstreamProxy {
	host, portStr, _ := net.SplitHostPort(p.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return model.NewUpstreamProxy("http", model.ProxyRecord{
		Username:     user,
		Password:     password,
		ProxyAddress: host,
		Port:         port,
	})
}

func (p *FakeProxy) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	r.Body = io.NopCloser(bytes.NewReader(body))

	p.mu.Lock()
	p.seen = append(p.seen, SeenRequest{
		Method:             r.Method,
		Target:             r.RequestURI,
		ProxyAuthorization: r.Header.Get("Proxy-Authorization"),
		Header:             r.Header.Clone(),
		Body:               string(body),
	})
	p.mu.Unlock()

	if r.Method == http.MethodConnect {
		p.tunnel(w)
		return
	}
	if p.Respond == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	p.Respond(w, r)
}

func (p *FakeProxy) tunnel(w http.ResponseWriter) {
	if p.TunnelTo == "" {
		http.Error(w, "tunnel target not set", http.StatusBadGateway)
		return
	}
	dst, err := net.Dial("tcp", p.TunnelTo)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	hj, ok := w.(http.Hijacker)
	if !ok {
		_ = dst.Close()
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	src, _, err := hj.Hijack()
	if err != nil {
		_ = dst.Close()
		return
	}
	if _, err := io.WriteString(src, "HTTP/1.1 200 Connection established\r\n\r\n"); err != nil {
		_ = src.Close()
		_ = dst.Close()
		return
	}

	go func() {
		_, _ = io.Copy(dst, src)
		_ = dst.Close()
	}()
	_, _ = io.Copy(src, dst)
	_ = src.Close()
}
