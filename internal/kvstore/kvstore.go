// Package kvstore persists small string values, such as ETag validators,
// across runs. Keys are opaque; callers hash URLs before storing them.
package kvstore

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
)

// Blob stores each value as a small object under a prefix of a bucket.
// The bucket URL may use any registered scheme: mem://, file:// or s3://.
type Blob struct {
	mu     sync.Mutex
	bucket *blob.Bucket
	prefix string
}

// Open opens the bucket at bucketURL. Values are written below prefix.
func Open(ctx context.Context, bucketURL, prefix string) (*Blob, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Blob{bucket: bucket, prefix: prefix}, nil
}

func (b *Blob) key(k string) string {
	return b.prefix + k
}

func (b *Blob) Save(ctx context.Context, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.bucket.WriteAll(ctx, b.key(key), []byte(value), &blob.WriterOptions{ContentType: "text/plain"}); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

// Get returns the stored value or def when the key is absent or unreadable.
func (b *Blob) Get(ctx context.Context, key, def string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := b.bucket.ReadAll(ctx, b.key(key))
	if err != nil {
		if gcerrors.Code(err) != gcerrors.NotFound {
			log.Warn().Str("op", "kvstore/blob").Str("key", key).Err(err).Msg("read failed")
		}
		return def
	}
	return string(data)
}

func (b *Blob) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.bucket.Delete(ctx, b.key(key))
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (b *Blob) Close() error {
	return b.bucket.Close()
}

// Memory is a process-local store.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Save(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *Memory) Get(_ context.Context, key, def string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.data[key]; ok {
		return v
	}
	return def
}
