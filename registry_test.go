package sealfs

import (
	"bytes"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/absfs/absfs"
	"github.com/absfs/memfs"
)

func newTestRegistry(t *testing.T, threshold int64) (*DescriptorRegistry, absfs.FileSystem) {
	t.Helper()
	base, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("Failed to create memfs: %v", err)
	}
	if err := base.MkdirAll(base.TempDir(), 0777); err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	cfg := &Config{SpillThreshold: threshold}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Config validation failed: %v", err)
	}
	codec := NewCodec(cfg.Provider, cfg.Padding, cfg.Logger)
	return NewDescriptorRegistry(base, codec, cfg), base
}

func keyCopy(key []byte) []byte {
	return append([]byte(nil), key...)
}

// sealedWrite drives a full write session and returns the key that can
// read the file back.
func sealedWrite(t *testing.T, r *DescriptorRegistry, base absfs.FileSystem, path string, chunks ...[]byte) []byte {
	t.Helper()
	key, err := r.provider.RandomBytes(KeySize)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	f, err := base.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		t.Fatalf("Failed to open %s: %v", path, err)
	}
	d, err := r.OpenWriter(path, f, keyCopy(key), 1, false, true)
	if err != nil {
		t.Fatalf("OpenWriter failed: %v", err)
	}
	for _, chunk := range chunks {
		n, err := r.Write(d.Handle(), chunk)
		if err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if n != len(chunk) {
			t.Fatalf("Write returned %d, want %d", n, len(chunk))
		}
	}
	if err := r.Close(d.Handle()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	return key
}

func sealedRead(t *testing.T, r *DescriptorRegistry, base absfs.FileSystem, path string, key []byte) []byte {
	t.Helper()
	f, err := base.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("Failed to open %s: %v", path, err)
	}
	d, err := r.OpenReader(path, f, keyCopy(key))
	if err != nil {
		t.Fatalf("OpenReader failed: %v", err)
	}
	var out []byte
	buf := make([]byte, 512)
	for {
		n, err := r.Read(d.Handle(), buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
	}
	if err := r.Close(d.Handle()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	return out
}

func TestRegistry_BufferedRoundTrip(t *testing.T) {
	r, base := newTestRegistry(t, 0)

	want := []byte("model checkpoint: epoch 7, loss 0.0231")
	key := sealedWrite(t, r, base, "/ckpt.bin", want)

	got := sealedRead(t, r, base, "/ckpt.bin", key)
	if !bytes.Equal(got, want) {
		t.Errorf("Round trip mismatch:\ngot:  %q\nwant: %q", got, want)
	}

	// The on-disk bytes must not contain the plaintext.
	f, err := base.OpenFile("/ckpt.bin", os.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("Failed to reopen: %v", err)
	}
	raw, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		t.Fatalf("Failed to read raw bytes: %v", err)
	}
	if bytes.Contains(raw, want) {
		t.Error("Plaintext visible in sealed file")
	}
}

func TestRegistry_SpillThreshold(t *testing.T) {
	const threshold = 8192

	tests := []struct {
		name      string
		size      int
		wantState DescriptorState
	}{
		{"at threshold stays buffered", threshold, StateBuffering},
		{"one past threshold spills", threshold + 1, StateSpilled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, base := newTestRegistry(t, threshold)

			want := bytes.Repeat([]byte{0xAB}, tt.size)
			key, err := r.provider.RandomBytes(KeySize)
			if err != nil {
				t.Fatalf("Failed to generate key: %v", err)
			}
			f, err := base.OpenFile("/big.bin", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
			if err != nil {
				t.Fatalf("Failed to open: %v", err)
			}
			d, err := r.OpenWriter("/big.bin", f, keyCopy(key), 1, false, true)
			if err != nil {
				t.Fatalf("OpenWriter failed: %v", err)
			}
			if _, err := r.Write(d.Handle(), want); err != nil {
				t.Fatalf("Write failed: %v", err)
			}
			if got := d.State(); got != tt.wantState {
				t.Errorf("State after %d bytes: got %s, want %s", tt.size, got, tt.wantState)
			}
			if err := r.Close(d.Handle()); err != nil {
				t.Fatalf("Close failed: %v", err)
			}

			got := sealedRead(t, r, base, "/big.bin", key)
			if !bytes.Equal(got, want) {
				t.Errorf("Round trip mismatch after %s: %d bytes back, want %d",
					tt.wantState, len(got), len(want))
			}
		})
	}
}

func TestRegistry_SpilledMultiChunk(t *testing.T) {
	r, base := newTestRegistry(t, 64)

	// Several writes straddling the spill point produce one readable stream.
	chunks := [][]byte{
		bytes.Repeat([]byte{1}, 40),
		bytes.Repeat([]byte{2}, 40), // spills here
		bytes.Repeat([]byte{3}, 40),
	}
	key := sealedWrite(t, r, base, "/multi.bin", chunks...)

	want := bytes.Join(chunks, nil)
	got := sealedRead(t, r, base, "/multi.bin", key)
	if !bytes.Equal(got, want) {
		t.Errorf("Multi-chunk round trip mismatch: %d bytes back, want %d", len(got), len(want))
	}
}

func TestRegistry_HandleUniqueness(t *testing.T) {
	r, base := newTestRegistry(t, 0)

	seen := make(map[int64]bool)
	for i := 0; i < 10; i++ {
		f, err := base.OpenFile("/f.bin", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
		if err != nil {
			t.Fatalf("Failed to open: %v", err)
		}
		key, _ := r.provider.RandomBytes(KeySize)
		d, err := r.OpenWriter("/f.bin", f, key, 1, false, true)
		if err != nil {
			t.Fatalf("OpenWriter failed: %v", err)
		}
		if seen[d.Handle()] {
			t.Fatalf("Handle %d issued twice", d.Handle())
		}
		seen[d.Handle()] = true
		if err := r.Close(d.Handle()); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}
}

func TestRegistry_DiscardMode(t *testing.T) {
	r, base := newTestRegistry(t, 0)

	f, err := base.OpenFile("/dropped.bin", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	d, err := r.OpenWriter("/dropped.bin", f, nil, 1, true, false)
	if err != nil {
		t.Fatalf("OpenWriter failed: %v", err)
	}

	payload := bytes.Repeat([]byte{0x55}, 4096)
	n, err := r.Write(d.Handle(), payload)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if n != len(payload) {
		t.Errorf("Discard write reported %d, want full count %d", n, len(payload))
	}
	if err := r.Close(d.Handle()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	info, err := base.Stat("/dropped.bin")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("Discarded file holds %d bytes, want 0", info.Size())
	}
}

func TestRegistry_KeyErasedOnClose(t *testing.T) {
	r, base := newTestRegistry(t, 0)

	key, err := r.provider.RandomBytes(KeySize)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	f, err := base.OpenFile("/wiped.bin", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	d, err := r.OpenWriter("/wiped.bin", f, key, 1, false, true)
	if err != nil {
		t.Fatalf("OpenWriter failed: %v", err)
	}
	if _, err := r.Write(d.Handle(), []byte("sensitive")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := r.Close(d.Handle()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	for i, b := range key {
		if b != 0 {
			t.Fatalf("Key byte %d not erased after close", i)
		}
	}
	if got := d.State(); got != StateClosed {
		t.Errorf("State after close: got %s, want closed", got)
	}
}

func TestRegistry_TamperedCiphertext(t *testing.T) {
	r, base := newTestRegistry(t, 0)

	key := sealedWrite(t, r, base, "/t.bin", []byte("authenticated payload"))

	// Flip one ciphertext bit past the length frame and the IV.
	f, err := base.OpenFile("/t.bin", os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("Failed to reopen: %v", err)
	}
	raw, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	raw[4+IVSize] ^= 0x01
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
	if _, err := f.Write(raw); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	f.Close()

	rf, err := base.OpenFile("/t.bin", os.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	_, err = r.OpenReader("/t.bin", rf, keyCopy(key))
	if !errors.Is(err, ErrAuthFailed) {
		t.Errorf("Tampered read: got %v, want ErrAuthFailed", err)
	}
	if r.Len() != 0 {
		t.Error("Failed reader left a registered descriptor")
	}
}

func TestRegistry_IntegritySidecarMismatch(t *testing.T) {
	r, base := newTestRegistry(t, 0)

	key := sealedWrite(t, r, base, "/s.bin", []byte("sidecar protected"))

	// Overwrite the sidecar with a digest of different bytes.
	sc, err := base.OpenFile("/s.bin.sum", os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		t.Fatalf("Failed to open sidecar: %v", err)
	}
	if _, err := sc.WriteString("e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"); err != nil {
		t.Fatalf("Failed to corrupt sidecar: %v", err)
	}
	sc.Close()

	f, err := base.OpenFile("/s.bin", os.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	_, err = r.OpenReader("/s.bin", f, keyCopy(key))
	if !errors.Is(err, ErrAuthFailed) {
		t.Errorf("Sidecar mismatch: got %v, want ErrAuthFailed", err)
	}
}

func TestRegistry_MalformedStream(t *testing.T) {
	r, base := newTestRegistry(t, 0)

	f, err := base.OpenFile("/junk.bin", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	// A length frame promising more bytes than the file holds.
	if _, err := f.Write([]byte{0xFF, 0xFF, 0x00, 0x00, 1, 2, 3}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	f.Close()

	rf, err := base.OpenFile("/junk.bin", os.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	key, _ := r.provider.RandomBytes(KeySize)
	_, err = r.OpenReader("/junk.bin", rf, key)
	if !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("Malformed stream: got %v, want ErrInvalidRecord", err)
	}
}

func TestRegistry_ReadBackLayerGuard(t *testing.T) {
	r, base := newTestRegistry(t, 0)

	f, err := base.OpenFile("/x.bin", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	defer f.Close()

	key, _ := r.provider.RandomBytes(KeySize)
	_, err = r.OpenWriter("/x.bin", f, key, 3, false, true)
	if !errors.Is(err, ErrReadBack) {
		t.Errorf("Retained multi-layer: got %v, want ErrReadBack", err)
	}
}

func TestRegistry_ClosedHandleOps(t *testing.T) {
	r, base := newTestRegistry(t, 0)

	f, err := base.OpenFile("/c.bin", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	key, _ := r.provider.RandomBytes(KeySize)
	d, err := r.OpenWriter("/c.bin", f, key, 1, false, true)
	if err != nil {
		t.Fatalf("OpenWriter failed: %v", err)
	}
	if err := r.Close(d.Handle()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := r.Write(d.Handle(), []byte("late")); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("Write after close: got %v, want ErrNotRegistered", err)
	}
	if err := r.Close(d.Handle()); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("Double close: got %v, want ErrNotRegistered", err)
	}
}

// faultyRand fails the CSPRNG on demand; everything else delegates to the
// real provider.
type faultyRand struct {
	CipherProvider
	fail bool
}

func (p *faultyRand) RandomBytes(n int) ([]byte, error) {
	if p.fail {
		return nil, errors.New("entropy source unavailable")
	}
	return p.CipherProvider.RandomBytes(n)
}

func TestRegistry_SpillFailureKeepsBuffering(t *testing.T) {
	real, err := NewStandardProvider(CipherAES256GCM)
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	provider := &faultyRand{CipherProvider: real}

	base, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("Failed to create memfs: %v", err)
	}
	if err := base.MkdirAll(base.TempDir(), 0777); err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	cfg := &Config{SpillThreshold: 64, Provider: provider}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Config validation failed: %v", err)
	}
	r := NewDescriptorRegistry(base, NewCodec(provider, cfg.Padding, cfg.Logger), cfg)

	key, err := real.RandomBytes(KeySize)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	f, err := base.OpenFile("/grow.bin", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	d, err := r.OpenWriter("/grow.bin", f, keyCopy(key), 1, false, true)
	if err != nil {
		t.Fatalf("OpenWriter failed: %v", err)
	}

	first := bytes.Repeat([]byte{0xAA}, 40)
	second := bytes.Repeat([]byte{0xBB}, 40)

	if _, err := r.Write(d.Handle(), first); err != nil {
		t.Fatalf("Write below threshold failed: %v", err)
	}

	// Crossing the threshold with a dead CSPRNG must not commit the
	// spill transition or lose the bytes already accepted.
	provider.fail = true
	if _, err := r.Write(d.Handle(), second); err == nil {
		t.Fatal("Write succeeded with a failing CSPRNG during spill")
	}
	if got := d.State(); got != StateBuffering {
		t.Errorf("State after failed spill: got %s, want buffering", got)
	}
	if got := d.Size(); got != int64(len(first)) {
		t.Errorf("Size after failed spill: got %d, want %d", got, len(first))
	}
	if d.tmpPath != "" {
		t.Errorf("Failed spill left temp file %s attached", d.tmpPath)
	}

	// Once entropy recovers the same write must go through and the
	// stream must contain each chunk exactly once.
	provider.fail = false
	if _, err := r.Write(d.Handle(), second); err != nil {
		t.Fatalf("Retried write failed: %v", err)
	}
	if got := d.State(); got != StateSpilled {
		t.Errorf("State after retried spill: got %s, want spilled", got)
	}
	if err := r.Close(d.Handle()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	want := append(append([]byte(nil), first...), second...)
	got := sealedRead(t, r, base, "/grow.bin", key)
	if !bytes.Equal(got, want) {
		t.Errorf("Recovered stream mismatch: got %d bytes, want %d", len(got), len(want))
	}
}

func TestRegistry_ReaderRejectsWrites(t *testing.T) {
	r, base := newTestRegistry(t, 0)

	key := sealedWrite(t, r, base, "/ro.bin", []byte("sealed content"))

	f, err := base.OpenFile("/ro.bin", os.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	d, err := r.OpenReader("/ro.bin", f, keyCopy(key))
	if err != nil {
		t.Fatalf("OpenReader failed: %v", err)
	}

	if _, err := r.Write(d.Handle(), []byte("intruder")); err == nil {
		t.Fatal("Write on a read-only descriptor succeeded")
	}
	if got := d.State(); got != StateCreated {
		t.Errorf("Rejected write mutated state: got %s, want created", got)
	}

	if err := r.Close(d.Handle()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestRegistry_Teardown(t *testing.T) {
	r, base := newTestRegistry(t, 0)

	var descs []*ProtectedDescriptor
	for _, name := range []string{"/a.bin", "/b.bin", "/c.bin"} {
		f, err := base.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
		if err != nil {
			t.Fatalf("Failed to open %s: %v", name, err)
		}
		key, _ := r.provider.RandomBytes(KeySize)
		d, err := r.OpenWriter(name, f, key, 1, false, true)
		if err != nil {
			t.Fatalf("OpenWriter failed: %v", err)
		}
		if _, err := r.Write(d.Handle(), []byte(name)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		descs = append(descs, d)
	}

	r.Teardown()

	if r.Len() != 0 {
		t.Errorf("Teardown left %d descriptors", r.Len())
	}
	for _, d := range descs {
		if got := d.State(); got != StateClosed {
			t.Errorf("Descriptor %s: state %s after teardown, want closed", d.Path(), got)
		}
	}
}
