package sealfs

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"os"
	"testing"

	"github.com/absfs/absfs"
	"github.com/absfs/memfs"
)

func newTestGuard(t *testing.T) (*CrashGuard, absfs.FileSystem) {
	t.Helper()
	base, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("Failed to create memfs: %v", err)
	}
	cfg := &Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Config validation failed: %v", err)
	}
	codec := NewCodec(cfg.Provider, cfg.Padding, cfg.Logger)
	return NewCrashGuard(base, codec, cfg), base
}

func writePlain(t *testing.T, base absfs.FileSystem, path string, data []byte) {
	t.Helper()
	f, err := base.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		t.Fatalf("Failed to create %s: %v", path, err)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Failed to close %s: %v", path, err)
	}
}

func readPlain(t *testing.T, base absfs.FileSystem, path string) []byte {
	t.Helper()
	f, err := base.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("Failed to open %s: %v", path, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("Failed to read %s: %v", path, err)
	}
	return data
}

func TestCrashGuard_WriteNewFile(t *testing.T) {
	g, base := newTestGuard(t)

	key, err := g.provider.RandomBytes(KeySize)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	if err := g.ProtectedWrite("/out.bin", []byte("fresh payload"), key, 1); err != nil {
		t.Fatalf("ProtectedWrite failed: %v", err)
	}

	raw := readPlain(t, base, "/out.bin")
	if len(raw) < 4+recordMinSize {
		t.Fatalf("Sealed output too short: %d bytes", len(raw))
	}
	record := raw[4:]
	got, err := g.codec.Open(record, key)
	if err != nil {
		t.Fatalf("Failed to open sealed record: %v", err)
	}
	if !bytes.Equal(got, []byte("fresh payload")) {
		t.Errorf("Sealed content mismatch: got %q", got)
	}

	if _, err := base.Stat(g.BackupPath("/out.bin")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Backup artifact exists for a fresh file: %v", err)
	}
}

func TestCrashGuard_BackupRemovedOnSuccess(t *testing.T) {
	g, base := newTestGuard(t)
	writePlain(t, base, "/data.bin", []byte("previous generation"))

	key, _ := g.provider.RandomBytes(KeySize)
	if err := g.ProtectedWrite("/data.bin", []byte("next generation"), key, 1); err != nil {
		t.Fatalf("ProtectedWrite failed: %v", err)
	}

	if _, err := base.Stat("/data.bin.sealbak"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Backup survived a successful write: %v", err)
	}
}

func TestCrashGuard_IntegrityRecordTracksRewrite(t *testing.T) {
	g, base := newTestGuard(t)

	key, _ := g.provider.RandomBytes(KeySize)
	if err := g.ProtectedWrite("/gen.bin", []byte("generation one"), key, 1); err != nil {
		t.Fatalf("First ProtectedWrite failed: %v", err)
	}
	firstSum := readPlain(t, base, "/gen.bin.sum")

	if err := g.ProtectedWrite("/gen.bin", []byte("generation two"), key, 1); err != nil {
		t.Fatalf("Second ProtectedWrite failed: %v", err)
	}

	sum := readPlain(t, base, "/gen.bin.sum")
	if bytes.Equal(sum, firstSum) {
		t.Error("Integrity record unchanged across a rewrite")
	}

	// The record must describe exactly the ciphertext on disk.
	raw := readPlain(t, base, "/gen.bin")
	want := sha256.Sum256(raw)
	if string(sum) != hex.EncodeToString(want[:]) {
		t.Errorf("Integrity record mismatch:\ngot:  %s\nwant: %s", sum, hex.EncodeToString(want[:]))
	}

	if _, err := base.Stat(g.BackupPath("/gen.bin.sum")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Integrity backup survived a successful write: %v", err)
	}
}

func TestCrashGuard_InterruptRestoresOriginal(t *testing.T) {
	g, base := newTestGuard(t)

	original := []byte("original checkpoint bytes")
	writePlain(t, base, "/ckpt.bin", original)

	// Cancellation lands between the backup and the encrypt step, as a
	// signal would.
	g.afterBackup = g.Cancel

	key, _ := g.provider.RandomBytes(KeySize)
	err := g.ProtectedWrite("/ckpt.bin", []byte("half-written"), key, 1)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("Interrupted write: got %v, want ErrInterrupted", err)
	}

	if got := readPlain(t, base, "/ckpt.bin"); !bytes.Equal(got, original) {
		t.Errorf("Original not restored byte-for-byte:\ngot:  %q\nwant: %q", got, original)
	}
	if _, err := base.Stat(g.BackupPath("/ckpt.bin")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Backup artifact left behind after rollback: %v", err)
	}
}

func TestCrashGuard_InterruptWithoutOriginal(t *testing.T) {
	g, base := newTestGuard(t)

	g.afterBackup = g.Cancel

	key, _ := g.provider.RandomBytes(KeySize)
	err := g.ProtectedWrite("/new.bin", []byte("never lands"), key, 1)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("Interrupted write: got %v, want ErrInterrupted", err)
	}

	if _, err := base.Stat("/new.bin"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Partial output not removed: %v", err)
	}
}

func TestCrashGuard_CancelFlagResets(t *testing.T) {
	g, base := newTestGuard(t)

	g.Cancel()

	// A stale flag from a previous operation must not abort the next one.
	key, _ := g.provider.RandomBytes(KeySize)
	if err := g.ProtectedWrite("/again.bin", []byte("retry"), key, 1); err != nil {
		t.Fatalf("Write after stale cancel failed: %v", err)
	}
	if _, err := base.Stat("/again.bin"); err != nil {
		t.Errorf("Output missing: %v", err)
	}
}

func TestCrashGuard_SecureDelete(t *testing.T) {
	g, base := newTestGuard(t)

	writePlain(t, base, "/shred.bin", bytes.Repeat([]byte{0xAA}, 100*1024))

	if err := g.SecureDelete("/shred.bin"); err != nil {
		t.Fatalf("SecureDelete failed: %v", err)
	}
	if _, err := base.Stat("/shred.bin"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("File still present after secure delete: %v", err)
	}
}

func TestCrashGuard_SecureDeleteMissing(t *testing.T) {
	g, _ := newTestGuard(t)

	if err := g.SecureDelete("/absent.bin"); err == nil {
		t.Error("SecureDelete of a missing file succeeded")
	}
}
