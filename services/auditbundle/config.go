package auditbundle

import (
	"context"
	"io"
	"time"

	"evalsession/services/sessions"
)

// EntrySource reads a session's usage ledger. sessions.Ledger satisfies it.
type EntrySource interface {
	Entries(ctx context.Context, sessionID string, limit int) ([]sessions.UsageEntry, error)
}

// ObjectStore uploads bundles and hands out download links. *s3.Client satisfies it.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// BuildConfig configures bundle creation.
type BuildConfig struct {
	Ledger    EntrySource
	SessionID string
	Output    string
	Signer    *Signer
	Now       func() time.Time
	Stdout    io.Writer
}

// VerifyConfig configures bundle verification. Signer is optional; without
// it the key embedded in the manifest is trusted.
type VerifyConfig struct {
	BundlePath string
	Signer     *Signer
	Stdout     io.Writer
}

// UploadConfig configures bundle upload.
type UploadConfig struct {
	BundlePath string
	Bucket     string
	Key        string
	Store      ObjectStore
	PresignTTL time.Duration
	Stdout     io.Writer
}
