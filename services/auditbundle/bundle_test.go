package auditbundle

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"filippo.io/age"

	"evalsession/services/sessions"
	"evalsession/services/sessions/memstore"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	signer, err := NewSigner(identity.String(), "")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	if signer.Recipient() != identity.Recipient().String() {
		t.Fatalf("recipient = %q, want %q", signer.Recipient(), identity.Recipient().String())
	}
	return signer
}

func seededLedger(t *testing.T) *memstore.Store {
	t.Helper()
	store := memstore.New()
	base := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	rows := []sessions.UsageEntry{
		{SessionID: "s-1", TokenFragment: "...abc", UserID: "alice", Success: true, ClientAddress: "10.0.0.1", At: base},
		{SessionID: "s-1", TokenFragment: "...abc", UserID: "bob", Success: false, Reason: "UsageCapReached", ClientAddress: "10.0.0.2", At: base.Add(time.Minute)},
		{SessionID: "s-2", TokenFragment: "...xyz", UserID: "eve", Success: true, ClientAddress: "10.0.0.9", At: base},
		{SessionID: "s-1", TokenFragment: "...abc", Success: false, Reason: "AnonymousNotAllowed", ClientAddress: "10.0.0.1", At: base.Add(2 * time.Minute), Metadata: map[string]any{"outcome": "rejected"}},
	}
	for _, row := range rows {
		if err := store.Append(context.Background(), row); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	return store
}

func buildBundle(t *testing.T, signer *Signer) (string, *Manifest) {
	t.Helper()
	output := filepath.Join(t.TempDir(), "out", "s-1.tar.zst")
	manifest, err := Build(context.Background(), BuildConfig{
		Ledger:    seededLedger(t),
		SessionID: "s-1",
		Output:    output,
		Signer:    signer,
		Now:       func() time.Time { return time.Date(2026, 5, 5, 8, 30, 15, 999, time.UTC) },
		Stdout:    io.Discard,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return output, manifest
}

func TestBuildAndVerify(t *testing.T) {
	signer := newTestSigner(t)
	output, manifest := buildBundle(t, signer)

	if manifest.Usage.Entries != 3 || manifest.Stats.Total != 3 || manifest.Stats.Failures != 2 || manifest.Stats.DistinctClients != 2 {
		t.Fatalf("unexpected manifest: %+v", manifest)
	}
	if manifest.Stats.FailuresByReason["UsageCapReached"] != 1 || manifest.Stats.FailuresByReason["AnonymousNotAllowed"] != 1 {
		t.Fatalf("unexpected failures: %v", manifest.Stats.FailuresByReason)
	}
	if !manifest.CreatedAt.Equal(time.Date(2026, 5, 5, 8, 30, 15, 0, time.UTC)) {
		t.Fatalf("created at = %v", manifest.CreatedAt)
	}

	var out bytes.Buffer
	verified, entries, err := Verify(context.Background(), VerifyConfig{BundlePath: output, Signer: signer, Stdout: &out})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if verified.SessionID != "s-1" || len(entries) != 3 {
		t.Fatalf("unexpected verification result: %+v, %d entries", verified, len(entries))
	}
	if entries[0].UserID != "alice" || entries[2].Reason != "AnonymousNotAllowed" {
		t.Fatalf("entries not chronological: %+v", entries)
	}
	if !strings.Contains(out.String(), "verified bundle for session s-1") {
		t.Fatalf("unexpected output %q", out.String())
	}

	// The embedded key is enough when no signer is configured.
	if _, _, err := Verify(context.Background(), VerifyConfig{BundlePath: output, Stdout: io.Discard}); err != nil {
		t.Fatalf("Verify without signer: %v", err)
	}
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	output, _ := buildBundle(t, newTestSigner(t))
	other := newTestSigner(t)
	if _, _, err := Verify(context.Background(), VerifyConfig{BundlePath: output, Signer: other, Stdout: io.Discard}); err == nil {
		t.Fatal("expected verification with a different key to fail")
	}
}

func TestVerifyRejectsTamperedUsage(t *testing.T) {
	signer := newTestSigner(t)
	output, _ := buildBundle(t, signer)

	files, err := readBundle(context.Background(), output)
	if err != nil {
		t.Fatalf("readBundle: %v", err)
	}
	tampered := bytes.Replace(files[usageFileName], []byte(`"success":false`), []byte(`"success":true `), 1)
	if bytes.Equal(tampered, files[usageFileName]) {
		t.Fatal("tampering did not change usage file")
	}
	if err := writeBundle(output, time.Now(), map[string][]byte{
		manifestFileName: files[manifestFileName],
		usageFileName:    tampered,
	}); err != nil {
		t.Fatalf("rewrite bundle: %v", err)
	}

	if _, _, err := Verify(context.Background(), VerifyConfig{BundlePath: output, Signer: signer, Stdout: io.Discard}); err == nil || !strings.Contains(err.Error(), "sha256 mismatch") {
		t.Fatalf("expected sha256 mismatch, got %v", err)
	}
}

func TestBuildValidation(t *testing.T) {
	signer := newTestSigner(t)
	ledger := seededLedger(t)
	tests := []struct {
		name string
		cfg  BuildConfig
	}{
		{name: "missing ledger", cfg: BuildConfig{SessionID: "s-1", Output: "x", Signer: signer}},
		{name: "missing session", cfg: BuildConfig{Ledger: ledger, Output: "x", Signer: signer}},
		{name: "missing output", cfg: BuildConfig{Ledger: ledger, SessionID: "s-1", Signer: signer}},
		{name: "missing signer", cfg: BuildConfig{Ledger: ledger, SessionID: "s-1", Output: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Build(context.Background(), tt.cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestBuildRequiresPrivateKey(t *testing.T) {
	verifyOnly, err := NewSigner("", newTestSigner(t).PublicKeyBase64())
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	_, err = Build(context.Background(), BuildConfig{
		Ledger:    seededLedger(t),
		SessionID: "s-1",
		Output:    filepath.Join(t.TempDir(), "b.tar.zst"),
		Signer:    verifyOnly,
		Stdout:    io.Discard,
	})
	if err == nil {
		t.Fatal("expected signing without private key to fail")
	}
}

func TestNewSigner(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	full, err := NewSigner(identity.String(), "")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	tests := []struct {
		name    string
		secret  string
		public  string
		wantErr bool
	}{
		{name: "nothing set", wantErr: true},
		{name: "secret and matching public", secret: identity.String(), public: full.PublicKeyBase64()},
		{name: "public only", public: full.PublicKeyBase64()},
		{name: "mismatched public", secret: identity.String(), public: base64.StdEncoding.EncodeToString(make([]byte, 32)), wantErr: true},
		{name: "short public", public: base64.StdEncoding.EncodeToString([]byte("short")), wantErr: true},
		{name: "garbage secret", secret: "AGE-SECRET-KEY-NOPE", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSigner(tt.secret, tt.public)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewSigner() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewSignerFromEnv(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	t.Setenv(EnvSecretKey, identity.String())
	t.Setenv(EnvPublicKey, "")

	signer, err := NewSignerFromEnv()
	if err != nil {
		t.Fatalf("NewSignerFromEnv: %v", err)
	}
	sig, err := signer.Sign([]byte("payload"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := signer.Verify([]byte("payload"), sig, ""); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := signer.Verify([]byte("other"), sig, ""); err == nil {
		t.Fatal("expected verification of a different payload to fail")
	}
}

type fakeObjectStore struct {
	bucket, key, sha string
	size            int64
	body            []byte
	err             error
}

func (f *fakeObjectStore) PutObject(_ context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error {
	if f.err != nil {
		return f.err
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.bucket, f.key, f.size, f.sha, f.body = bucket, key, size, sha256, body
	return nil
}

func (f *fakeObjectStore) PresignGet(_ context.Context, bucket, key string, ttl time.Duration) (string, error) {
	return "https://s3.example.com/" + bucket + "/" + key + "?ttl=" + ttl.String(), nil
}

func TestUpload(t *testing.T) {
	output, _ := buildBundle(t, newTestSigner(t))
	store := &fakeObjectStore{}

	key := ObjectKey("s-1", time.Date(2026, 5, 5, 8, 30, 0, 0, time.UTC))
	if key != "audit/s-1/20260505T083000Z.tar.zst" {
		t.Fatalf("ObjectKey = %q", key)
	}

	link, err := Upload(context.Background(), UploadConfig{
		BundlePath: output,
		Bucket:     "evalsession-audit",
		Key:        key,
		Store:      store,
		PresignTTL: time.Hour,
		Stdout:     io.Discard,
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	onDisk, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("read bundle: %v", err)
	}
	if !bytes.Equal(store.body, onDisk) || store.size != int64(len(onDisk)) || len(store.sha) != 64 {
		t.Fatalf("unexpected upload: size=%d sha=%q", store.size, store.sha)
	}
	if link != "https://s3.example.com/evalsession-audit/"+key+"?ttl=1h0m0s" {
		t.Fatalf("link = %q", link)
	}

	store.err = errors.New("bucket missing")
	if _, err := Upload(context.Background(), UploadConfig{BundlePath: output, Bucket: "b", Key: "k", Store: store, Stdout: io.Discard}); err == nil {
		t.Fatal("expected upload error")
	}
}
