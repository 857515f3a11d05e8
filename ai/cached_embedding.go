package ai

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hrygo/longmem/ai/cache"
)

const (
	embeddingCacheCapacity = 10000
	embeddingCacheTTL      = 24 * time.Hour
)

// cachedEmbeddingService wraps an EmbeddingService with an in-process LRU
// cache keyed by (provider, model, text). Concurrent requests for the same
// text are collapsed into a single upstream call.
type cachedEmbeddingService struct {
	inner     EmbeddingService
	keyPrefix string
	cache     *cache.LRUCache[string, []float32]
	group     singleflight.Group
}

// NewCachedEmbeddingService wraps inner with content-hash caching. Provider
// and model are folded into the cache key so vectors from different
// embedding spaces never collide.
func NewCachedEmbeddingService(inner EmbeddingService, provider, model string) EmbeddingService {
	return &cachedEmbeddingService{
		inner:     inner,
		keyPrefix: provider + "\x00" + model + "\x00",
		cache:     cache.NewLRUCache[string, []float32](embeddingCacheCapacity, embeddingCacheTTL),
	}
}

func (s *cachedEmbeddingService) Embed(ctx context.Context, text string) ([]float32, error) {
	key := s.cacheKey(text)
	if vector, ok := s.cache.Get(key); ok {
		return vector, nil
	}

	result, err, _ := s.group.Do(key, func() (any, error) {
		if vector, ok := s.cache.Get(key); ok {
			return vector, nil
		}
		vector, err := s.inner.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		s.cache.SetWithDefaultTTL(key, vector)
		return vector, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]float32), nil
}

func (s *cachedEmbeddingService) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))

	// Collect cache misses, preserving positions of hits.
	missTexts := []string{}
	missIndexes := []int{}
	for i, text := range texts {
		if vector, ok := s.cache.Get(s.cacheKey(text)); ok {
			vectors[i] = vector
			continue
		}
		missTexts = append(missTexts, text)
		missIndexes = append(missIndexes, i)
	}

	if len(missTexts) > 0 {
		fresh, err := s.inner.EmbedBatch(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		for j, i := range missIndexes {
			vectors[i] = fresh[j]
			s.cache.SetWithDefaultTTL(s.cacheKey(missTexts[j]), fresh[j])
		}
	}

	return vectors, nil
}

func (s *cachedEmbeddingService) Dimensions() int {
	return s.inner.Dimensions()
}

func (s *cachedEmbeddingService) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(s.keyPrefix + text))
	return hex.EncodeToString(sum[:])
}
