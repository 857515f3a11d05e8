package ai

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingEmbedder struct {
	embedCalls int32
	batchCalls int32
	dims       int
}

func (e *countingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	atomic.AddInt32(&e.embedCalls, 1)
	return fakeVector(text, e.dims), nil
}

func (e *countingEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	atomic.AddInt32(&e.batchCalls, 1)
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = fakeVector(text, e.dims)
	}
	return vectors, nil
}

func (e *countingEmbedder) Dimensions() int { return e.dims }

func fakeVector(text string, dims int) []float32 {
	vector := make([]float32, dims)
	for i := range vector {
		vector[i] = float32(len(text)+i) / 10
	}
	return vector
}

func TestCachedEmbed(t *testing.T) {
	inner := &countingEmbedder{dims: 4}
	svc := NewCachedEmbeddingService(inner, "siliconflow", "BAAI/bge-m3")
	ctx := context.Background()

	v1, err := svc.Embed(ctx, "hello")
	require.NoError(t, err)

	v2, err := svc.Embed(ctx, "hello")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&inner.embedCalls))

	_, err = svc.Embed(ctx, "different")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&inner.embedCalls))
}

func TestCachedEmbedBatchPartialHit(t *testing.T) {
	inner := &countingEmbedder{dims: 4}
	svc := NewCachedEmbeddingService(inner, "siliconflow", "BAAI/bge-m3")
	ctx := context.Background()

	// Prime the cache with one text.
	cached, err := svc.Embed(ctx, "warm")
	require.NoError(t, err)

	vectors, err := svc.EmbedBatch(ctx, []string{"cold1", "warm", "cold2"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)

	assert.Equal(t, cached, vectors[1])
	assert.Equal(t, int32(1), atomic.LoadInt32(&inner.batchCalls))

	// Second batch with identical texts is fully served from cache.
	_, err = svc.EmbedBatch(ctx, []string{"cold1", "warm", "cold2"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&inner.batchCalls))
}

func TestCachedEmbedDimensions(t *testing.T) {
	inner := &countingEmbedder{dims: 1536}
	svc := NewCachedEmbeddingService(inner, "openai", "text-embedding-3-small")
	assert.Equal(t, 1536, svc.Dimensions())
}

func TestCacheKeyScopedToProviderAndModel(t *testing.T) {
	base := NewCachedEmbeddingService(&countingEmbedder{dims: 4}, "siliconflow", "BAAI/bge-m3").(*cachedEmbeddingService)
	otherModel := NewCachedEmbeddingService(&countingEmbedder{dims: 4}, "siliconflow", "BAAI/bge-large-zh").(*cachedEmbeddingService)
	otherProvider := NewCachedEmbeddingService(&countingEmbedder{dims: 4}, "openai", "BAAI/bge-m3").(*cachedEmbeddingService)

	assert.Equal(t, base.cacheKey("hello"), base.cacheKey("hello"))
	assert.NotEqual(t, base.cacheKey("hello"), base.cacheKey("world"))
	assert.NotEqual(t, base.cacheKey("hello"), otherModel.cacheKey("hello"))
	assert.NotEqual(t, base.cacheKey("hello"), otherProvider.cacheKey("hello"))
}
