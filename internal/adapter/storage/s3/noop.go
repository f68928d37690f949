package s3

import (
	"context"
	"fmt"
	"time"
)

// NoopClient is the degraded StorageClient used when OBJECT_STORE_* is not
// configured (spec §4.8): it never touches the network, returning
// placeholder URLs so the rest of the pipeline still runs end to end in
// local/dev setups without a bucket.
type NoopClient struct{}

// Upload returns a placeholder URL without writing anything.
func (NoopClient) Upload(ctx context.Context, localPath, key, contentType string) (string, error) {
	return "placeholder://" + key, nil
}

// Delete is a no-op.
func (NoopClient) Delete(ctx context.Context, key string) error { return nil }

// PresignedPut returns a placeholder URL.
func (NoopClient) PresignedPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	return "placeholder://" + key, nil
}

// PublicURL returns a placeholder URL.
func (NoopClient) PublicURL(key string) string {
	return fmt.Sprintf("placeholder://%s", key)
}

// Ping always succeeds: there is no backing store to be unreachable.
func (NoopClient) Ping(ctx context.Context) error { return nil }
