package auditbundle

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"evalsession/services/sessions"
)

const (
	manifestFileName = "manifest.yaml"
	usageFileName    = "usage.jsonl"
)

// Build exports a session's usage ledger into a signed tar.zst bundle at Output.
func Build(ctx context.Context, cfg BuildConfig) (*Manifest, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if strings.TrimSpace(cfg.SessionID) == "" {
		return nil, errors.New("session id is required")
	}
	if cfg.Output == "" {
		return nil, errors.New("output path is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := cfg.Ledger.Entries(ctx, cfg.SessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	// Entries come newest first; the export is chronological.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	usage, err := encodeUsage(entries)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(usage)

	manifest := &Manifest{
		Version:          manifestVersion,
		CreatedAt:        cfg.Now().UTC().Truncate(time.Second),
		SessionID:        cfg.SessionID,
		Signer:           cfg.Signer.Recipient(),
		SigningPublicKey: cfg.Signer.PublicKeyBase64(),
		Stats:            Summarize(cfg.SessionID, entries),
		Usage: UsageFile{
			Path:    usageFileName,
			Entries: len(entries),
			Size:    int64(len(usage)),
			SHA256:  hex.EncodeToString(digest[:]),
		},
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for signing: %w", err)
	}
	sig, err := cfg.Signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign manifest: %w", err)
	}
	manifest.Signature = sig

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	if err := writeBundle(cfg.Output, manifest.CreatedAt, map[string][]byte{
		manifestFileName: manifestBytes,
		usageFileName:    usage,
	}); err != nil {
		return nil, err
	}

	fmt.Fprintf(cfg.Stdout, "wrote bundle %s (%d ledger entries)\n", cfg.Output, len(entries))
	return manifest, nil
}

func encodeUsage(entries []sessions.UsageEntry) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return nil, fmt.Errorf("encode ledger entry %d: %w", entry.ID, err)
		}
	}
	return buf.Bytes(), nil
}

func writeBundle(output string, modTime time.Time, files map[string][]byte) error {
	dir := filepath.Dir(output)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer file.Close()

	encoder, err := zstd.NewWriter(file)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}

	tw := tar.NewWriter(encoder)
	for _, name := range []string{manifestFileName, usageFileName} {
		data := files[name]
		header := &tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(data)),
			ModTime:  modTime,
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write %s header: %w", name, err)
		}
		if _, err := tw.Write(data); err != nil {
			return fmt.Errorf("write %s body: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	return file.Sync()
}

// Verify checks a bundle's signature, the usage digest, and that the manifest
// statistics match the exported rows. It returns the verified manifest and
// the exported entries in chronological order.
func Verify(ctx context.Context, cfg VerifyConfig) (*Manifest, []sessions.UsageEntry, error) {
	if cfg.BundlePath == "" {
		return nil, nil, errors.New("bundle file is required")
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	files, err := readBundle(ctx, cfg.BundlePath)
	if err != nil {
		return nil, nil, err
	}
	manifestBytes, ok := files[manifestFileName]
	if !ok || len(manifestBytes) == 0 {
		return nil, nil, errors.New("bundle missing manifest.yaml")
	}

	var manifest Manifest
	if err := yaml.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if manifest.Version != manifestVersion {
		return nil, nil, fmt.Errorf("unsupported manifest version %q", manifest.Version)
	}
	if manifest.Signature == "" {
		return nil, nil, errors.New("manifest missing signature")
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, nil, fmt.Errorf("marshal manifest for verification: %w", err)
	}
	signer := cfg.Signer
	if signer == nil {
		signer = &Signer{}
	}
	if err := signer.Verify(payload, manifest.Signature, manifest.SigningPublicKey); err != nil {
		return nil, nil, fmt.Errorf("verify manifest signature: %w", err)
	}

	usage, ok := files[manifest.Usage.Path]
	if !ok {
		return nil, nil, fmt.Errorf("usage file %q missing from archive", manifest.Usage.Path)
	}
	if int64(len(usage)) != manifest.Usage.Size {
		return nil, nil, fmt.Errorf("size mismatch for %q: expected %d got %d", manifest.Usage.Path, manifest.Usage.Size, len(usage))
	}
	digest := sha256.Sum256(usage)
	if !strings.EqualFold(hex.EncodeToString(digest[:]), manifest.Usage.SHA256) {
		return nil, nil, fmt.Errorf("sha256 mismatch for %q", manifest.Usage.Path)
	}

	entries, err := decodeUsage(usage)
	if err != nil {
		return nil, nil, err
	}
	if len(entries) != manifest.Usage.Entries {
		return nil, nil, fmt.Errorf("entry count mismatch: manifest %d, archive %d", manifest.Usage.Entries, len(entries))
	}
	if got := Summarize(manifest.SessionID, entries); !statsEqual(got, manifest.Stats) {
		return nil, nil, errors.New("manifest statistics do not match ledger entries")
	}

	fmt.Fprintf(cfg.Stdout, "verified bundle for session %s signed at %s (%d entries)\n",
		manifest.SessionID, manifest.CreatedAt.Format(time.RFC3339), len(entries))
	return &manifest, entries, nil
}

func readBundle(ctx context.Context, path string) (map[string][]byte, error) {
	bundleFile, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	defer bundleFile.Close()

	decoder, err := zstd.NewReader(bundleFile)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	files := map[string][]byte{}
	tr := tar.NewReader(decoder)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		name := filepath.ToSlash(filepath.Clean(header.Name))
		if name != manifestFileName && name != usageFileName {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		files[name] = data
	}
	return files, nil
}

func decodeUsage(data []byte) ([]sessions.UsageEntry, error) {
	var entries []sessions.UsageEntry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		var entry sessions.UsageEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("decode usage line %d: %w", line, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan usage: %w", err)
	}
	return entries, nil
}

func statsEqual(a, b sessions.LedgerStats) bool {
	if a.LastAttemptAt != nil && b.LastAttemptAt != nil {
		if !a.LastAttemptAt.Equal(*b.LastAttemptAt) {
			return false
		}
	} else if a.LastAttemptAt != b.LastAttemptAt {
		return false
	}
	a.LastAttemptAt, b.LastAttemptAt = nil, nil
	if len(a.FailuresByReason) == 0 && len(b.FailuresByReason) == 0 {
		a.FailuresByReason, b.FailuresByReason = nil, nil
	}
	return reflect.DeepEqual(a, b)
}

// Upload stores the bundle in object storage and returns a presigned
// download URL valid for PresignTTL.
func Upload(ctx context.Context, cfg UploadConfig) (string, error) {
	if cfg.BundlePath == "" {
		return "", errors.New("bundle file is required")
	}
	if cfg.Store == nil {
		return "", errors.New("object store is required")
	}
	if cfg.Bucket == "" || cfg.Key == "" {
		return "", errors.New("bucket and key are required")
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = 24 * time.Hour
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	file, err := os.Open(cfg.BundlePath)
	if err != nil {
		return "", fmt.Errorf("open bundle: %w", err)
	}
	defer file.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return "", fmt.Errorf("hash bundle: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind bundle: %w", err)
	}

	if err := cfg.Store.PutObject(ctx, cfg.Bucket, cfg.Key, file, size, hex.EncodeToString(hash.Sum(nil))); err != nil {
		return "", fmt.Errorf("upload %s: %w", cfg.Key, err)
	}
	link, err := cfg.Store.PresignGet(ctx, cfg.Bucket, cfg.Key, cfg.PresignTTL)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", cfg.Key, err)
	}

	fmt.Fprintf(cfg.Stdout, "uploaded %s to s3://%s/%s (%d bytes)\n", cfg.BundlePath, cfg.Bucket, cfg.Key, size)
	return link, nil
}

// ObjectKey is the default storage key for a session's bundle.
func ObjectKey(sessionID string, at time.Time) string {
	return fmt.Sprintf("audit/%s/%s.tar.zst", sessionID, at.UTC().Format("20060102T150405Z"))
}
