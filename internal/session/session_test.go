package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pageprimer/internal/engine"
	"pageprimer/internal/engine/enginetest"
	"pageprimer/pkg/domain"
)

type recorder struct {
	completes atomic.Int32
	failures  atomic.Int32
	lastErr   atomic.Value
}

func (r *recorder) complete(*Session) { r.completes.Add(1) }
func (r *recorder) fail(err error) {
	r.failures.Add(1)
	r.lastErr.Store(err)
}

func startSession(t *testing.T, policy StoragePolicy, loaded engine.LoadedFunc) (*Session, *enginetest.Engine, *recorder) {
	t.Helper()
	f := &enginetest.Factory{}
	s := New("s1", Options{Factory: f, Policy: policy})
	rec := &recorder{}
	require.NoError(t, s.Start(context.Background(), "https://example.com/", loaded, rec.complete, rec.fail))
	require.Equal(t, 1, f.Count())
	return s, f.Last(), rec
}

func document(url string) *domain.Request {
	r := domain.NewRequest("GET", url)
	r.ResourceType = "Document"
	return r
}

func subresource(url, doc string) *domain.Request {
	r := domain.NewRequest("GET", url)
	r.MainDocumentURL = doc
	r.ResourceType = "Stylesheet"
	return r
}

func TestStartLoadsTaggedDocument(t *testing.T) {
	s, eng, _ := startSession(t, nil, nil)
	assert.Equal(t, domain.StateLoading, s.State())

	loads := eng.Loads()
	require.Len(t, loads, 1)
	assert.Equal(t, "https://example.com/", loads[0].URL)
	assert.True(t, loads[0].HasTag(domain.TagStore))

	err := s.Start(context.Background(), "https://example.com/", nil, nil, nil)
	assert.ErrorIs(t, err, domain.ErrNotIdle)
}

func TestCompletesOnSecondSettle(t *testing.T) {
	var calls int
	loaded := func(engine.Handle) bool {
		calls++
		return calls >= 2
	}
	s, eng, rec := startSession(t, nil, loaded)

	eng.Settle()
	assert.Equal(t, int32(0), rec.completes.Load())
	assert.Equal(t, domain.StateLoading, s.State())
	assert.Zero(t, eng.Stops())

	eng.Settle()
	assert.Equal(t, int32(1), rec.completes.Load())
	assert.Equal(t, domain.StateCompleted, s.State())
	assert.Equal(t, 1, eng.Stops())
	assert.True(t, eng.Closed())

	// 完成后的重复稳定事件不再评估也不再回调
	eng.Settle()
	eng.Settle()
	assert.Equal(t, int32(1), rec.completes.Load())
	assert.Equal(t, 2, calls)
}

func TestPredicateReceivesEngineHandle(t *testing.T) {
	_, eng, rec := startSession(t, nil, engine.SelectorPresent("#app"))
	eng.SetValue(`document.querySelector("#app") !== null`, "false")
	eng.Settle()
	assert.Zero(t, rec.completes.Load())

	eng.SetValue(`document.querySelector("#app") !== null`, "true")
	eng.Settle()
	assert.Equal(t, int32(1), rec.completes.Load())
}

func TestNilPredicateCompletesOnFirstSettle(t *testing.T) {
	_, eng, rec := startSession(t, nil, nil)
	eng.Settle()
	assert.Equal(t, int32(1), rec.completes.Load())
}

func TestCanceledFailureIsIgnored(t *testing.T) {
	s, eng, rec := startSession(t, nil, nil)
	eng.Fail(domain.ErrCanceled)
	eng.Fail(errors.New("net::ERR_ABORTED"))
	assert.Zero(t, rec.failures.Load())
	assert.Equal(t, domain.StateLoading, s.State())
}

func TestFailureFiresOnceAndNeverCompletes(t *testing.T) {
	s, eng, rec := startSession(t, nil, nil)
	eng.Fail(errors.New("net::ERR_NAME_NOT_RESOLVED"))
	eng.Fail(errors.New("second"))
	eng.Settle()

	assert.Equal(t, int32(1), rec.failures.Load())
	assert.Zero(t, rec.completes.Load())
	assert.Equal(t, domain.StateFailed, s.State())
	assert.True(t, eng.Closed())

	var le *domain.EngineLoadError
	require.ErrorAs(t, rec.lastErr.Load().(error), &le)
	assert.Equal(t, "https://example.com/", le.URL)
	assert.Contains(t, le.Error(), "ERR_NAME_NOT_RESOLVED")
}

func TestCompletionThenFailureFiresOnlyCompletion(t *testing.T) {
	_, eng, rec := startSession(t, nil, nil)
	eng.Settle()
	eng.Fail(errors.New("late failure"))
	assert.Equal(t, int32(1), rec.completes.Load())
	assert.Zero(t, rec.failures.Load())
}

func TestConcurrentEventsFireAtMostOnce(t *testing.T) {
	for i := 0; i < 50; i++ {
		f := &enginetest.Factory{}
		rec := &recorder{}
		s := New(domain.SessionID(fmt.Sprint(i)), Options{Factory: f})
		require.NoError(t, s.Start(context.Background(), "https://example.com/", nil, rec.complete, rec.fail))
		eng := f.Last()

		var wg sync.WaitGroup
		for j := 0; j < 8; j++ {
			wg.Add(3)
			go func() { defer wg.Done(); s.Settled() }()
			go func() { defer wg.Done(); s.Failed(errors.New("boom")) }()
			go func() { defer wg.Done(); _ = s.DidOriginate(document("https://example.com/")) }()
		}
		wg.Wait()

		total := rec.completes.Load() + rec.failures.Load()
		assert.Equal(t, int32(1), total)
		assert.True(t, eng.Closed())
	}
}

func TestEngineCreationFailureFails(t *testing.T) {
	f := &enginetest.Factory{NewErr: errors.New("no browser")}
	rec := &recorder{}
	s := New("s1", Options{Factory: f})
	require.NoError(t, s.Start(context.Background(), "https://example.com/", nil, rec.complete, rec.fail))
	assert.Equal(t, int32(1), rec.failures.Load())
	assert.Equal(t, domain.StateFailed, s.State())
}

func TestLoadFailureFails(t *testing.T) {
	f := &enginetest.Factory{Setup: func(e *enginetest.Engine) { e.LoadErr = errors.New("navigate failed") }}
	rec := &recorder{}
	s := New("s1", Options{Factory: f})
	require.NoError(t, s.Start(context.Background(), "https://example.com/", nil, rec.complete, rec.fail))
	assert.Equal(t, int32(1), rec.failures.Load())
	assert.Equal(t, domain.StateFailed, s.State())
}

func TestDidOriginate(t *testing.T) {
	s, eng, _ := startSession(t, nil, nil)
	sub := subresource("https://cdn.example.net/app.css", "https://example.com/")
	assert.False(t, s.DidOriginate(sub), "no navigation observed yet")
	assert.False(t, s.DidOriginate(document("https://example.com/")))

	assert.Equal(t, engine.Allow, eng.Navigate(document("https://example.com/")))
	assert.Equal(t, "https://example.com/", s.Target())

	assert.True(t, s.DidOriginate(document("https://example.com/")))
	assert.True(t, s.DidOriginate(sub))
	assert.False(t, s.DidOriginate(subresource("https://cdn.example.net/app.css", "https://other.example/")))
	assert.False(t, s.DidOriginate(domain.NewRequest("GET", "https://cdn.example.net/app.css")))
}

func TestTargetIsSetOnce(t *testing.T) {
	s, eng, _ := startSession(t, nil, nil)
	eng.Navigate(document("https://example.com/"))
	eng.Navigate(subresource("https://example.com/frame", "https://elsewhere.example/"))
	assert.Equal(t, "https://example.com/", s.Target())
}

func TestWillNavigateCapturesTarget(t *testing.T) {
	s, _, _ := startSession(t, nil, nil)
	s.WillNavigate(subresource("https://example.com/a.js", "https://example.com/"))
	assert.Equal(t, "https://example.com/", s.Target())
}

func TestDecideNavigationTagsForStorage(t *testing.T) {
	_, eng, _ := startSession(t, nil, nil)
	req := subresource("https://example.com/site.css", "https://example.com/")
	assert.Equal(t, engine.Allow, eng.Navigate(req))
	assert.True(t, req.HasTag(domain.TagStore))
}

func TestExcludedRequestIsReissuedWithoutStorageTag(t *testing.T) {
	policy := func(r *domain.Request) bool { return !strings.Contains(r.URL, "ads.") }
	_, eng, _ := startSession(t, policy, nil)

	eng.Navigate(document("https://example.com/"))
	req := subresource("https://ads.example.com/banner.js", "https://example.com/")
	req.ID = "interception-1"
	assert.Equal(t, engine.CancelAndReissue, eng.Navigate(req))
	assert.False(t, req.HasTag(domain.TagStore))

	loads := eng.Loads()
	require.Len(t, loads, 2)
	reissued := loads[1]
	assert.Equal(t, "https://ads.example.com/banner.js", reissued.URL)
	assert.Equal(t, "interception-1", reissued.ID)
	assert.False(t, reissued.HasTag(domain.TagStore))
	assert.True(t, reissued.HasTag(domain.TagNoStore))

	// 重新发起的请求再次经过决策时直接放行，不再重新发起
	assert.Equal(t, engine.Allow, eng.Navigate(reissued))
	assert.False(t, reissued.HasTag(domain.TagStore))
	assert.Len(t, eng.Loads(), 2)
}

func TestTagRequestKeepsNoStore(t *testing.T) {
	s := New("s1", Options{})
	tagged := s.TagRequest(domain.NewRequest("GET", "https://example.com/"))
	assert.True(t, tagged.HasTag(domain.TagStore))

	excluded := domain.NewRequest("GET", "https://ads.example.com/")
	excluded.SetTag(domain.TagNoStore)
	assert.False(t, s.TagRequest(excluded).HasTag(domain.TagStore))
	assert.False(t, excluded.HasTag(domain.TagStore), "original request is not mutated")
}

func TestCancelFiresNoCallbacks(t *testing.T) {
	s, eng, rec := startSession(t, nil, nil)
	assert.True(t, s.Cancel())
	assert.False(t, s.Cancel())
	eng.Settle()
	eng.Fail(errors.New("boom"))

	assert.Equal(t, domain.StateCanceled, s.State())
	assert.Zero(t, rec.completes.Load())
	assert.Zero(t, rec.failures.Load())
	assert.True(t, eng.Closed())
}

// blockingFactory 在 gate 关闭前阻塞引擎创建
func blockingFactory(inner *enginetest.Factory, entered chan<- struct{}, gate <-chan struct{}) engine.Factory {
	return engine.FactoryFunc(func(ctx context.Context, d engine.Delegate) (engine.Engine, error) {
		close(entered)
		<-gate
		return inner.New(ctx, d)
	})
}

func TestEngineCreationDoesNotHoldSessionLock(t *testing.T) {
	inner := &enginetest.Factory{}
	entered := make(chan struct{})
	gate := make(chan struct{})
	rec := &recorder{}
	s := New("s1", Options{Factory: blockingFactory(inner, entered, gate)})

	started := make(chan error, 1)
	go func() {
		started <- s.Start(context.Background(), "https://example.com/", nil, rec.complete, rec.fail)
	}()
	<-entered

	answered := make(chan bool, 1)
	go func() { answered <- s.DidOriginate(document("https://example.com/")) }()
	select {
	case got := <-answered:
		assert.False(t, got)
	case <-time.After(time.Second):
		t.Fatal("DidOriginate blocked while the engine was being created")
	}
	assert.Equal(t, domain.StateLoading, s.State())

	// 创建期间取消：新引擎在返回后立即释放且不加载
	assert.True(t, s.Cancel())
	close(gate)
	require.NoError(t, <-started)

	eng := inner.Last()
	require.NotNil(t, eng)
	assert.True(t, eng.Closed())
	assert.Equal(t, 1, eng.Stops())
	assert.Empty(t, eng.Loads())
	assert.Equal(t, domain.StateCanceled, s.State())
	assert.Zero(t, rec.completes.Load())
	assert.Zero(t, rec.failures.Load())
}

func TestSettleBeforeEngineAssignedIsIgnored(t *testing.T) {
	inner := &enginetest.Factory{}
	entered := make(chan struct{})
	gate := make(chan struct{})
	rec := &recorder{}
	s := New("s1", Options{Factory: blockingFactory(inner, entered, gate)})

	started := make(chan error, 1)
	go func() {
		started <- s.Start(context.Background(), "https://example.com/", nil, rec.complete, rec.fail)
	}()
	<-entered
	s.Settled()
	assert.Equal(t, domain.StateLoading, s.State())

	close(gate)
	require.NoError(t, <-started)
	inner.Last().Settle()
	assert.Equal(t, int32(1), rec.completes.Load())
}

func TestTerminalSessionClaimsNothing(t *testing.T) {
	s, eng, rec := startSession(t, nil, nil)
	eng.Navigate(document("https://example.com/"))
	sub := subresource("https://example.com/site.css", "https://example.com/")
	require.True(t, s.DidOriginate(sub))

	eng.Settle()
	require.Equal(t, int32(1), rec.completes.Load())
	assert.False(t, s.DidOriginate(sub))
	assert.False(t, s.DidOriginate(document("https://example.com/")))
	assert.Equal(t, "https://example.com/", s.Target())
}
