package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeEmbedServer struct {
	calls atomic.Int32
	texts atomic.Int32
}

func (f *fakeEmbedServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings/", r.URL.Path)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.calls.Add(1)
		f.texts.Add(int32(len(req.Texts)))

		resp := embedResponse{ModelUsed: req.Model, Dimensions: 2}
		for _, text := range req.Texts {
			resp.Embeddings = append(resp.Embeddings, []float64{float64(len(text)), 1})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func TestUnconfiguredService(t *testing.T) {
	var s *Service
	_, err := s.GenerateEmbedding(context.Background(), "hello", "")
	assert.ErrorIs(t, err, ErrNotConfigured)

	s = NewService(Config{}, nil, zaptest.NewLogger(t))
	_, err = s.GenerateBatchEmbeddings(context.Background(), []string{"x"}, "")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestBatchDeduplicatesAndCaches(t *testing.T) {
	fake := &fakeEmbedServer{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	s := NewService(Config{BaseURL: srv.URL}, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	vecs, err := s.GenerateBatchEmbeddings(ctx, []string{"Maria", "la niña", "Maria"}, "")
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, vecs[0], vecs[2])
	assert.Equal(t, float32(5), vecs[0][0])
	assert.EqualValues(t, 1, fake.calls.Load())
	assert.EqualValues(t, 2, fake.texts.Load())

	_, err = s.GenerateEmbedding(ctx, "Maria", "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, fake.calls.Load(), "second lookup should hit the LRU")
}

func TestBatchSplitsLargeRequests(t *testing.T) {
	fake := &fakeEmbedServer{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	s := NewService(Config{BaseURL: srv.URL, MaxBatch: 2}, nil, zaptest.NewLogger(t))
	vecs, err := s.GenerateBatchEmbeddings(context.Background(), []string{"a", "bb", "ccc", "dddd", "eeeee"}, "m")
	require.NoError(t, err)
	require.Len(t, vecs, 5)
	assert.EqualValues(t, 3, fake.calls.Load())
	assert.Equal(t, float32(4), vecs[3][0])
}

func TestServerErrorIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewService(Config{BaseURL: srv.URL}, nil, zaptest.NewLogger(t))
	_, err := s.GenerateEmbedding(context.Background(), "Maria", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewRedisCacheFromClient(client, zaptest.NewLogger(t))
	defer cache.Close()
	ctx := context.Background()

	key := MakeKey("m", "Maria")
	cache.Set(ctx, key, []float32{0.25, -1.5, 3}, time.Minute)
	got, ok := cache.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, []float32{0.25, -1.5, 3}, got)

	_, ok = cache.Get(ctx, MakeKey("m", "missing"))
	assert.False(t, ok)
}

func TestRedisCacheServesAcrossServices(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	fake := &fakeEmbedServer{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewRedisCacheFromClient(client, zaptest.NewLogger(t))
	defer cache.Close()

	first := NewService(Config{BaseURL: srv.URL}, cache, zaptest.NewLogger(t))
	_, err = first.GenerateEmbedding(context.Background(), "el capitán", "")
	require.NoError(t, err)

	second := NewService(Config{BaseURL: srv.URL}, cache, zaptest.NewLogger(t))
	_, err = second.GenerateEmbedding(context.Background(), "el capitán", "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, fake.calls.Load())
}

func TestLocalLRUEvictsOldest(t *testing.T) {
	l := NewLocalLRU(2)
	ctx := context.Background()
	l.Set(ctx, "a", []float32{1}, time.Minute)
	l.Set(ctx, "b", []float32{2}, time.Minute)
	_, _ = l.Get(ctx, "a")
	l.Set(ctx, "c", []float32{3}, time.Minute)

	_, okA := l.Get(ctx, "a")
	_, okB := l.Get(ctx, "b")
	assert.True(t, okA)
	assert.False(t, okB)
	assert.Equal(t, 2, l.Len())

	l.Set(ctx, "d", []float32{4}, -time.Second)
	_, okD := l.Get(ctx, "d")
	assert.False(t, okD)
}
