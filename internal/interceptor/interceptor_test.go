package interceptor

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pageprimer/internal/cache"
	"pageprimer/internal/registry"
	"pageprimer/pkg/domain"
)

type stubSession struct{ target string }

func (s *stubSession) ID() domain.SessionID { return "stub" }

func (s *stubSession) DidOriginate(req *domain.Request) bool {
	return req.URL == s.target || req.MainDocumentURL == s.target
}

func (s *stubSession) TagRequest(req *domain.Request) *domain.Request {
	c := req.Clone()
	if !c.HasTag(domain.TagNoStore) {
		c.SetTag(domain.TagStore)
	}
	return c
}

type countingAuthority struct {
	session *stubSession
	calls   atomic.Int32
}

func (a *countingAuthority) Claim(req *domain.Request) (registry.Session, bool) {
	a.calls.Add(1)
	if a.session.DidOriginate(req) {
		return a.session, true
	}
	return nil, false
}

type countingTransport struct {
	base  http.RoundTripper
	calls atomic.Int32
}

func (c *countingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	c.calls.Add(1)
	return c.base.RoundTrip(r)
}

type recordingClient struct {
	mu       sync.Mutex
	cached   *domain.Response
	response *domain.Response
	body     []byte
	finished bool
	err      error
}

func (c *recordingClient) CachedResponse(resp *domain.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = resp
}

func (c *recordingClient) ReceivedResponse(resp *domain.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.response = resp
}

func (c *recordingClient) ReceivedData(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.body = append(c.body, data...)
}

func (c *recordingClient) Finished() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished = true
}

func (c *recordingClient) Failed(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

type fixture struct {
	layer     *Layer
	registry  *registry.Registry
	authority *countingAuthority
	store     *cache.MemoryStore
	offline   atomic.Bool
	transport *countingTransport
	icp       *Interceptor
}

func newFixture(t *testing.T, target string) *fixture {
	t.Helper()
	f := &fixture{
		layer:     NewLayer(),
		authority: &countingAuthority{session: &stubSession{target: target}},
		transport: &countingTransport{base: http.DefaultTransport},
	}
	f.store = cache.NewMemoryStore(f.offline.Load)
	f.registry = registry.New(f.layer, nil)
	f.icp = New(Config{Registry: f.registry, Store: f.store, Base: f.transport})
	return f
}

func (f *fixture) register(t *testing.T) {
	t.Helper()
	require.NoError(t, f.registry.Register(f.authority))
}

func TestShouldHandle(t *testing.T) {
	f := newFixture(t, "https://example.com/")
	f.register(t)

	claimed := domain.NewRequest("GET", "https://example.com/")
	assert.True(t, f.icp.ShouldHandle(claimed))

	sub := domain.NewRequest("GET", "https://cdn.example.com/a.js")
	sub.MainDocumentURL = "https://example.com/"
	assert.True(t, f.icp.ShouldHandle(sub))

	other := domain.NewRequest("GET", "https://other.com/")
	assert.False(t, f.icp.ShouldHandle(other))

	f.offline.Store(true)
	assert.True(t, f.icp.ShouldHandle(other))

	handled := claimed.Clone()
	handled.SetTag(domain.TagHandled)
	assert.False(t, f.icp.ShouldHandle(handled))
}

func TestCanonicalize(t *testing.T) {
	f := newFixture(t, "https://example.com/")
	f.register(t)

	req := domain.NewRequest("GET", "https://example.com/")
	c := f.icp.Canonicalize(req)
	assert.True(t, c.HasTag(domain.TagHandled))
	assert.True(t, c.HasTag(domain.TagStore))
	assert.Equal(t, domain.ReturnCacheDataElseLoad, c.CachePolicy)
	assert.False(t, req.HasTag(domain.TagHandled), "input must not be mutated")
	assert.Equal(t, int32(1), f.authority.calls.Load())

	again := f.icp.Canonicalize(c)
	assert.Equal(t, c.Tags(), again.Tags())
	assert.Equal(t, c.CachePolicy, again.CachePolicy)
	assert.Equal(t, int32(1), f.authority.calls.Load(), "handled request must not be looked up again")
}

func TestCanonicalizeUnclaimed(t *testing.T) {
	f := newFixture(t, "https://example.com/")
	f.register(t)

	c := f.icp.Canonicalize(domain.NewRequest("GET", "https://other.com/"))
	assert.True(t, c.HasTag(domain.TagHandled))
	assert.False(t, c.HasTag(domain.TagStore))
	assert.Equal(t, domain.ReturnCacheDataElseLoad, c.CachePolicy)
}

func TestCanonicalizeKeepsNoStore(t *testing.T) {
	f := newFixture(t, "https://example.com/")
	f.register(t)

	req := domain.NewRequest("GET", "https://example.com/")
	req.SetTag(domain.TagNoStore)
	c := f.icp.Canonicalize(req)
	assert.True(t, c.HasTag(domain.TagNoStore))
	assert.False(t, c.HasTag(domain.TagStore))
}

func TestLoadForwardsAndStores(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<html>hello</html>")
	}))
	defer origin.Close()

	f := newFixture(t, origin.URL+"/")
	f.register(t)

	client := &recordingClient{}
	load := f.icp.NewLoad(domain.NewRequest("GET", origin.URL+"/"), client)
	load.Start(context.Background())
	load.Wait()

	require.NoError(t, client.err)
	assert.True(t, client.finished)
	assert.Equal(t, http.StatusOK, client.response.StatusCode)
	assert.Equal(t, "<html>hello</html>", string(client.body))
	assert.Empty(t, client.response.Body)

	cached, ok, err := f.store.CachedResponse(context.Background(), domain.NewRequest("GET", origin.URL+"/"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "<html>hello</html>", string(cached.Body))
	assert.Equal(t, "text/html", cached.Headers.Get("content-type"))
}

func TestLoadUnclaimedNotStored(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "x")
	}))
	defer origin.Close()

	f := newFixture(t, "https://example.com/")
	f.register(t)

	client := &recordingClient{}
	load := f.icp.NewLoad(domain.NewRequest("GET", origin.URL+"/other"), client)
	load.Start(context.Background())
	load.Wait()

	assert.True(t, client.finished)
	keys, err := f.store.Keys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestLoadOfflineServesFromCache(t *testing.T) {
	f := newFixture(t, "https://example.com/")
	req := domain.NewRequest("GET", "https://example.com/page")
	resp := domain.NewResponse()
	resp.URL = req.URL
	resp.StatusCode = http.StatusOK
	resp.Body = []byte("cached")
	require.NoError(t, f.store.Store(context.Background(), req, resp))
	f.offline.Store(true)

	require.True(t, f.icp.ShouldHandle(req))
	client := &recordingClient{}
	load := f.icp.NewLoad(req, client)
	load.Start(context.Background())
	load.Wait()

	require.NotNil(t, client.cached)
	assert.Equal(t, "cached", string(client.cached.Body))
	assert.Nil(t, client.response)
	assert.Equal(t, int32(0), f.transport.calls.Load())
}

func TestLoadCancel(t *testing.T) {
	release := make(chan struct{})
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer origin.Close()
	defer close(release)

	f := newFixture(t, origin.URL+"/")
	f.register(t)

	client := &recordingClient{}
	load := f.icp.NewLoad(domain.NewRequest("GET", origin.URL+"/"), client)
	load.Start(context.Background())
	load.Cancel()
	load.Wait()

	require.Error(t, client.err)
	assert.True(t, errors.Is(client.err, domain.ErrCanceled))
	assert.True(t, domain.IsCanceled(client.err))
	assert.False(t, client.finished)
}

func TestTransportBypassWhenNotInstalled(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "direct")
	}))
	defer origin.Close()

	f := newFixture(t, origin.URL+"/")
	tr := &Transport{Interceptor: f.icp, Layer: f.layer}
	hc := &http.Client{Transport: tr}

	res, err := hc.Get(origin.URL + "/")
	require.NoError(t, err)
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	assert.Equal(t, "direct", string(body))
	assert.Empty(t, res.Header.Get("Cache-Status"))
	assert.Equal(t, int32(0), f.authority.calls.Load())

	keys, err := f.store.Keys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestTransportClaimedThenCached(t *testing.T) {
	var hits atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, "body")
	}))
	defer origin.Close()

	f := newFixture(t, origin.URL+"/")
	f.register(t)
	hc := &http.Client{Transport: &Transport{Interceptor: f.icp, Layer: f.layer}}

	res, err := hc.Get(origin.URL + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	assert.Equal(t, "body", string(body))
	assert.Equal(t, "pageprimer; fwd=miss", res.Header.Get("Cache-Status"))

	res, err = hc.Get(origin.URL + "/")
	require.NoError(t, err)
	body, _ = io.ReadAll(res.Body)
	res.Body.Close()
	assert.Equal(t, "body", string(body))
	assert.Equal(t, "pageprimer; hit", res.Header.Get("Cache-Status"))
	assert.Equal(t, int32(1), hits.Load())
}

func TestLayerFollowsRegistry(t *testing.T) {
	f := newFixture(t, "https://example.com/")
	assert.False(t, f.layer.Installed())
	f.register(t)
	assert.True(t, f.layer.Installed())
	assert.True(t, f.registry.Unregister(f.authority))
	assert.False(t, f.layer.Installed())
}
