// Package cache memoizes query embeddings: an in-process LRU in front of an
// optional shared Redis tier.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kirillkom/evidence-rag/internal/core/ports"
)

// RemoteCache is the shared second tier. A miss is (nil, false, nil).
type RemoteCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// CachedEmbedder serves repeated texts from cache. Only query-mode
// embeddings are cached; document batches pass through.
type CachedEmbedder struct {
	inner     ports.Embedder
	namespace string
	local     *lru.Cache[string, []float32]
	remote    RemoteCache
	ttl       time.Duration
}

func NewCachedEmbedder(inner ports.Embedder, namespace string, size int, remote RemoteCache, ttl time.Duration) (*CachedEmbedder, error) {
	if size <= 0 {
		size = 1024
	}
	local, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("create embedding lru: %w", err)
	}
	return &CachedEmbedder{
		inner:     inner,
		namespace: namespace,
		local:     local,
		remote:    remote,
		ttl:       ttl,
	}, nil
}

func (c *CachedEmbedder) Embed(ctx context.Context, texts []string, mode ports.EmbedMode) ([][]float32, error) {
	if mode != ports.EmbedModeQuery || len(texts) == 0 {
		return c.inner.Embed(ctx, texts, mode)
	}

	out := make([][]float32, len(texts))
	missIdx := make([]int, 0, len(texts))
	for i, text := range texts {
		key := c.key(text, mode)
		if v, ok := c.local.Get(key); ok {
			out[i] = v
			continue
		}
		if v, ok := c.fromRemote(ctx, key); ok {
			c.local.Add(key, v)
			out[i] = v
			continue
		}
		missIdx = append(missIdx, i)
	}
	if len(missIdx) == 0 {
		return out, nil
	}

	missing := make([]string, len(missIdx))
	for n, i := range missIdx {
		missing[n] = texts[i]
	}
	vectors, err := c.inner.Embed(ctx, missing, mode)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missing) {
		return nil, fmt.Errorf("cached embed: expected %d vectors, got %d", len(missing), len(vectors))
	}
	for n, i := range missIdx {
		key := c.key(texts[i], mode)
		out[i] = vectors[n]
		c.local.Add(key, vectors[n])
		c.toRemote(ctx, key, vectors[n])
	}
	return out, nil
}

func (c *CachedEmbedder) Dimension(ctx context.Context) (int, error) {
	return c.inner.Dimension(ctx)
}

func (c *CachedEmbedder) key(text string, mode ports.EmbedMode) string {
	sum := sha256.Sum256([]byte(string(mode) + "\x00" + text))
	return "emb:" + c.namespace + ":" + hex.EncodeToString(sum[:])
}

// Remote failures degrade to a miss.
func (c *CachedEmbedder) fromRemote(ctx context.Context, key string) ([]float32, bool) {
	if c.remote == nil {
		return nil, false
	}
	raw, ok, err := c.remote.Get(ctx, key)
	if err != nil {
		slog.Warn("embedding_cache_get_failed", "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	v, err := decodeVector(raw)
	if err != nil {
		slog.Warn("embedding_cache_decode_failed", "error", err)
		return nil, false
	}
	return v, true
}

func (c *CachedEmbedder) toRemote(ctx context.Context, key string, v []float32) {
	if c.remote == nil {
		return
	}
	if err := c.remote.Set(ctx, key, encodeVector(v), c.ttl); err != nil {
		slog.Warn("embedding_cache_set_failed", "error", err)
	}
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(raw []byte) ([]float32, error) {
	if len(raw) == 0 || len(raw)%4 != 0 {
		return nil, fmt.Errorf("invalid vector encoding of %d bytes", len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}
