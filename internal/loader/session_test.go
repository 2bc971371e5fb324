package loader

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/weight-hub/internal/cache"
	"github.com/any-hub/weight-hub/internal/pump"
	"github.com/any-hub/weight-hub/internal/transport"
)

// gatedStore 在 Get / Delete 前可选地阻塞，用来固定会话与加入者的先后顺序。
type gatedStore struct {
	cache.Store
	getGate    chan struct{}
	deleteGate chan struct{}
	gets       atomic.Int32
	deletes    atomic.Int32
}

func (g *gatedStore) Get(ctx context.Context, key cache.Key) (*cache.ReadResult, error) {
	g.gets.Add(1)
	if g.getGate != nil {
		select {
		case <-g.getGate:
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
	return g.Store.Get(ctx, key)
}

func (g *gatedStore) Delete(ctx context.Context, key cache.Key) error {
	g.deletes.Add(1)
	if g.deleteGate != nil {
		<-g.deleteGate
	}
	return g.Store.Delete(ctx, key)
}

// opener 返回只执行一次的 close(gate)，并在测试结束时兜底调用，避免失败的测试卡在 Wait 上。
func opener(t *testing.T, gate chan struct{}) func() {
	var once sync.Once
	open := func() { once.Do(func() { close(gate) }) }
	t.Cleanup(open)
	return open
}

// heldFetcher 先交出全部正文，然后在 release 关闭前不返回 EOF。
type heldFetcher struct {
	body    string
	size    int64
	release chan struct{}
	calls   atomic.Int32
}

func (f *heldFetcher) Fetch(ctx context.Context, url string, header http.Header) (*transport.Response, error) {
	f.calls.Add(1)
	return &transport.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/octet-stream"}},
		Size:       f.size,
		Body:       io.NopCloser(&heldBody{ctx: ctx, r: strings.NewReader(f.body), release: f.release}),
	}, nil
}

type heldBody struct {
	ctx     context.Context
	r       io.Reader
	release <-chan struct{}
}

func (b *heldBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if errors.Is(err, io.EOF) {
		select {
		case <-b.release:
		case <-b.ctx.Done():
			return n, context.Cause(b.ctx)
		}
	}
	return n, err
}

type loadResult struct {
	data   []byte
	cached bool
	err    error
}

func loadAsync(l *Loader, req Request) <-chan loadResult {
	out := make(chan loadResult, 1)
	go func() {
		data, stream, err := loadAll(context.Background(), l, req)
		res := loadResult{data: data, err: err}
		if stream != nil {
			res.cached = stream.Cached()
		}
		out <- res
	}()
	return out
}

func TestCacheFirstJoinerDoesNotInheritCacheOnlyMiss(t *testing.T) {
	up := newUpstream(t, staticBody("from-upstream"))
	gate := make(chan struct{})
	store := &gatedStore{Store: newStore(t), getGate: gate}
	l := newTestLoader(t, Options{Store: store})
	open := opener(t, gate)
	url := up.server.URL + "/joined.bin"

	only := loadAsync(l, Request{URL: url, Policy: CacheOnly})
	require.Eventually(t, func() bool { return store.gets.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	joiner := loadAsync(l, Request{URL: url, Policy: CacheFirst})
	time.Sleep(50 * time.Millisecond)
	open()

	miss := <-only
	assert.Equal(t, KindNotFound, KindOf(miss.err))

	got := <-joiner
	require.NoError(t, got.err)
	assert.Equal(t, "from-upstream", string(got.data))
	assert.False(t, got.cached)
	assert.Equal(t, int32(1), up.hits.Load())
}

func TestCacheFirstJoinerKeepsCacheHitWhenNetworkOnlyFails(t *testing.T) {
	release := make(chan struct{})
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		http.Error(w, "down", http.StatusServiceUnavailable)
	})
	store := newStore(t)
	url := up.server.URL + "/seeded.bin"
	seedEntry(t, store, url, 16, time.Now())
	l := newTestLoader(t, Options{Store: store})
	open := opener(t, release)

	network := loadAsync(l, Request{URL: url, Policy: NetworkOnly})
	require.Eventually(t, func() bool { return up.hits.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	joiner := loadAsync(l, Request{URL: url, Policy: CacheFirst})
	time.Sleep(50 * time.Millisecond)
	open()

	failed := <-network
	assert.Equal(t, KindNetwork, KindOf(failed.err))

	got := <-joiner
	require.NoError(t, got.err)
	assert.True(t, got.cached)
	assert.Len(t, got.data, 16)
	assert.Equal(t, int32(1), up.hits.Load())
}

func TestJoinablePolicies(t *testing.T) {
	cases := []struct {
		running, joiner Policy
		want            bool
	}{
		{CacheFirst, CacheFirst, true},
		{NetworkOnly, Bypass, true},
		{Bypass, NetworkOnly, true},
		{CacheOnly, CacheFirst, false},
		{NetworkOnly, CacheFirst, false},
		{CacheFirst, NetworkOnly, false},
		{CacheFirst, CacheOnly, false},
		{NetworkFirst, CacheFirst, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, joinable(tc.running, tc.joiner), "%s joined by %s", tc.running, tc.joiner)
	}
}

func TestNetworkFirstDeliversChunksInOrderAndCachesOnce(t *testing.T) {
	first, second := strings.Repeat("a", 50), strings.Repeat("b", 50)
	up := newUpstream(t, staticBody(first+second))
	store := newStore(t)
	l := newTestLoader(t, Options{Store: store, ChunkSize: 50})
	url := up.server.URL + "/two-chunks.bin"

	stream, err := l.Load(context.Background(), Request{URL: url, Policy: NetworkFirst})
	require.NoError(t, err)
	var chunks []string
	for {
		chunk, err := stream.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		chunks = append(chunks, string(chunk))
	}
	assert.Equal(t, []string{first, second}, chunks)

	l.Wait()
	entries, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(100), entries[0].SizeBytes)
}

func TestNetworkFirstReplacesExistingEntry(t *testing.T) {
	fresh := strings.Repeat("n", 100)
	up := newUpstream(t, staticBody(fresh))
	store := newStore(t)
	url := up.server.URL + "/replace.bin"
	seedEntry(t, store, url, 10, time.Now().Add(-time.Hour))
	l := newTestLoader(t, Options{Store: store})

	data, stream, err := loadAll(context.Background(), l, Request{URL: url, Policy: NetworkFirst})
	require.NoError(t, err)
	assert.Equal(t, fresh, string(data))
	assert.False(t, stream.Cached())

	l.Wait()
	entries, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(100), entries[0].SizeBytes)
	body, ok := cachedBody(t, store, url)
	require.True(t, ok)
	assert.Equal(t, fresh, body)
}

func TestCachedEntryFailingRequestedDigestIsDropped(t *testing.T) {
	store := newStore(t)
	url := "https://example.com/unverified.bin"
	seedEntry(t, store, url, 24, time.Now())
	l := newTestLoader(t, Options{Store: store})

	_, _, err := loadAll(context.Background(), l, Request{
		URL:       url,
		Policy:    CacheOnly,
		Integrity: digest.FromString("something else").String(),
	})
	require.Error(t, err)
	assert.Equal(t, KindIntegrityMismatch, KindOf(err))

	l.Wait()
	_, ok := cachedBody(t, store, url)
	assert.False(t, ok, "entry failing its digest must be deleted")
}

func TestClosingAfterAllBytesArrivedStillCommits(t *testing.T) {
	body := "complete-body"
	fetcher := &heldFetcher{body: body, size: int64(len(body)), release: make(chan struct{})}
	store := newStore(t)
	l := newTestLoader(t, Options{Store: store, Fetcher: fetcher})
	open := opener(t, fetcher.release)
	url := "https://example.com/held.bin"

	stream, err := l.Load(context.Background(), Request{URL: url, Policy: CacheFirst})
	require.NoError(t, err)
	var got bytes.Buffer
	for got.Len() < len(body) {
		chunk, err := stream.Next(context.Background())
		require.NoError(t, err)
		got.Write(chunk)
	}
	require.NoError(t, stream.Close())
	require.Len(t, l.Active(), 1, "transfer keeps running after the last consumer leaves")

	open()
	l.Wait()
	cached, ok := cachedBody(t, store, url)
	require.True(t, ok)
	assert.Equal(t, body, cached)
}

func TestOverlongBodyIsNetworkError(t *testing.T) {
	fetcher := &heldFetcher{body: "abcdef", size: 3, release: make(chan struct{})}
	close(fetcher.release)
	l := newTestLoader(t, Options{Store: newStore(t), Fetcher: fetcher})

	_, _, err := loadAll(context.Background(), l, Request{URL: "https://example.com/long.bin", Policy: NetworkOnly})
	require.Error(t, err)
	assert.ErrorIs(t, err, pump.ErrOverrun)
	assert.Equal(t, KindNetwork, KindOf(err))
}

func TestConcurrentEvictionsOfSameKeyShareOneDelete(t *testing.T) {
	gate := make(chan struct{})
	store := &gatedStore{Store: newStore(t), deleteGate: gate}
	url := "https://example.com/victim.bin"
	seedEntry(t, store.Store, url, 8, time.Now())
	l := newTestLoader(t, Options{Store: store})
	open := opener(t, gate)

	errs := make(chan error, 2)
	go func() { errs <- l.Evict(context.Background(), url) }()
	require.Eventually(t, func() bool { return store.deletes.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	go func() { errs <- l.Evict(context.Background(), url) }()
	time.Sleep(50 * time.Millisecond)
	open()

	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	assert.Equal(t, int32(1), store.deletes.Load())
	_, ok := cachedBody(t, store.Store, url)
	assert.False(t, ok)
}
