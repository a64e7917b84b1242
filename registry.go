package sealfs

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/absfs/absfs"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DescriptorState is a ProtectedDescriptor's position in its lifecycle.
type DescriptorState uint8

const (
	// StateCreated is the initial state before any I/O.
	StateCreated DescriptorState = iota
	// StateBuffering accumulates plaintext in memory below the threshold.
	StateBuffering
	// StateSpilled streams sealed records to a private temp file. The
	// transition is one-way; a descriptor never returns to buffering.
	StateSpilled
	// StateFinalizing runs the close-time seal and integrity record.
	StateFinalizing
	// StateClosed means all buffers and key material have been wiped.
	StateClosed
)

// String returns the string representation of the state
func (s DescriptorState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateBuffering:
		return "buffering"
	case StateSpilled:
		return "spilled"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ProtectedDescriptor tracks one protected open handle. Mutation is
// serialized by the descriptor's own lock, so concurrent writers to the
// same handle are ordered while writers to different handles proceed in
// parallel.
type ProtectedDescriptor struct {
	mu sync.Mutex

	handle    int64
	path      string // canonical
	base      absfs.File
	state     DescriptorState
	createdAt time.Time

	// cipher session
	key    []byte
	layers int

	// write pipeline
	buf     []byte
	size    int64 // accumulated plaintext bytes
	tmpPath string
	tmp     absfs.File
	digest  hash.Hash // over every ciphertext byte destined for disk
	discard bool      // ignore mode: report success, keep nothing

	// read pipeline
	readable  bool
	readPlain []byte
	readOff   int64
}

// Handle returns the registry handle backing this descriptor.
func (d *ProtectedDescriptor) Handle() int64 { return d.handle }

// Path returns the canonical path the descriptor protects.
func (d *ProtectedDescriptor) Path() string { return d.path }

// State returns the current lifecycle state.
func (d *ProtectedDescriptor) State() DescriptorState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Size returns the accumulated plaintext byte count.
func (d *ProtectedDescriptor) Size() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

// DescriptorRegistry is the thread-safe table of live protected
// descriptors. A reader/writer lock guards handle lookups; a separate
// mutex serializes the mutating open/close operations. All bookkeeping
// I/O goes through the held base filesystem, never back through the
// intercepted entry points.
type DescriptorRegistry struct {
	mu   sync.RWMutex
	opMu sync.Mutex

	table  map[int64]*ProtectedDescriptor
	nextID int64

	base            absfs.FileSystem
	codec           *Codec
	provider        CipherProvider
	threshold       int64
	integritySuffix string
	logger          *zap.Logger
}

// NewDescriptorRegistry creates an empty registry over the original
// filesystem.
func NewDescriptorRegistry(base absfs.FileSystem, codec *Codec, cfg *Config) *DescriptorRegistry {
	return &DescriptorRegistry{
		table:           make(map[int64]*ProtectedDescriptor),
		base:            base,
		codec:           codec,
		provider:        cfg.Provider,
		threshold:       cfg.SpillThreshold,
		integritySuffix: cfg.IntegritySuffix,
		logger:          cfg.Logger,
	}
}

// Len returns the number of live descriptors.
func (r *DescriptorRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.table)
}

// Lookup returns the descriptor for a handle, if registered.
func (r *DescriptorRegistry) Lookup(handle int64) (*ProtectedDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.table[handle]
	return d, ok
}

// OpenWriter registers a write-pipeline descriptor over the already-open
// base file. The registry takes ownership of key and file; both are
// released when the descriptor closes. discard selects ignore-mode
// behavior (apparent success, nothing kept); retained marks a key that
// must decrypt the data later, which restricts the seal to a single layer.
func (r *DescriptorRegistry) OpenWriter(canonical string, file absfs.File, key []byte, layers int, discard, retained bool) (*ProtectedDescriptor, error) {
	if retained && layers != 1 {
		return nil, ErrReadBack
	}

	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.nextID++
	d := &ProtectedDescriptor{
		handle:    r.nextID,
		path:      canonical,
		base:      file,
		state:     StateCreated,
		createdAt: time.Now(),
		key:       key,
		layers:    layers,
		digest:    sha256.New(),
		discard:   discard,
	}

	r.mu.Lock()
	r.table[d.handle] = d
	r.mu.Unlock()

	r.logger.Debug("descriptor registered",
		zap.Int64("handle", d.handle),
		zap.String("path", canonical),
		zap.Bool("discard", discard))
	return d, nil
}

// OpenReader registers a read-pipeline descriptor: the sealed records in
// the base file are authenticated and decrypted up front, failing closed
// before the descriptor is registered.
func (r *DescriptorRegistry) OpenReader(canonical string, file absfs.File, key []byte) (*ProtectedDescriptor, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	plaintext, err := r.loadSealed(canonical, file, key)
	if err != nil {
		r.provider.Erase(key)
		file.Close()
		return nil, err
	}

	r.nextID++
	d := &ProtectedDescriptor{
		handle:    r.nextID,
		path:      canonical,
		base:      file,
		state:     StateCreated,
		createdAt: time.Now(),
		key:       key,
		layers:    1,
		readable:  true,
		readPlain: plaintext,
	}

	r.mu.Lock()
	r.table[d.handle] = d
	r.mu.Unlock()
	return d, nil
}

// loadSealed reads the whole record stream, verifies the integrity sidecar
// when present, and decrypts every record with the file key.
func (r *DescriptorRegistry) loadSealed(canonical string, file absfs.File, key []byte) ([]byte, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, &DescriptorError{Op: "read", Path: canonical, Err: err}
	}
	raw, err := io.ReadAll(file)
	if err != nil {
		return nil, &DescriptorError{Op: "read", Path: canonical, Err: err}
	}

	if err := r.verifyIntegrity(canonical, raw); err != nil {
		return nil, err
	}

	var plaintext []byte
	rest := raw
	for len(rest) > 0 {
		if len(rest) < 4 {
			return nil, ErrInvalidRecord
		}
		recLen := binary.LittleEndian.Uint32(rest)
		rest = rest[4:]
		if int(recLen) > len(rest) {
			return nil, ErrInvalidRecord
		}
		chunk, err := r.codec.Open(rest[:recLen], key)
		if err != nil {
			r.provider.Erase(plaintext)
			return nil, err
		}
		plaintext = append(plaintext, chunk...)
		r.provider.Erase(chunk)
		rest = rest[recLen:]
	}
	return plaintext, nil
}

// verifyIntegrity compares the ciphertext digest against the sidecar, when
// one exists. A missing sidecar is not an error; a mismatched one is.
func (r *DescriptorRegistry) verifyIntegrity(canonical string, ciphertext []byte) error {
	f, err := r.base.OpenFile(canonical+r.integritySuffix, os.O_RDONLY, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return &DescriptorError{Op: "read", Path: canonical, Err: err}
	}
	defer f.Close()

	want, err := io.ReadAll(f)
	if err != nil {
		return &DescriptorError{Op: "read", Path: canonical, Err: err}
	}
	sum := sha256.Sum256(ciphertext)
	if hex.EncodeToString(sum[:]) != string(want) {
		return fmt.Errorf("integrity record mismatch for %s: %w", canonical, ErrAuthFailed)
	}
	return nil
}

// Write routes bytes into the descriptor's pipeline. The returned count is
// the apparent byte count accepted; under ignore mode the full requested
// count is reported even though nothing is kept.
func (r *DescriptorRegistry) Write(handle int64, p []byte) (int, error) {
	d, ok := r.Lookup(handle)
	if !ok {
		return 0, ErrNotRegistered
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.readable {
		return 0, &DescriptorError{Op: "write", Path: d.path, State: d.state, Err: errors.New("descriptor opened read-only")}
	}
	switch d.state {
	case StateCreated:
		d.state = StateBuffering
	case StateBuffering, StateSpilled:
	default:
		return 0, &DescriptorError{Op: "write", Path: d.path, State: d.state, Err: ErrClosed}
	}

	if d.discard {
		d.size += int64(len(p))
		return len(p), nil
	}

	if d.state == StateSpilled {
		if err := r.appendRecord(d, p); err != nil {
			return 0, err
		}
		d.size += int64(len(p))
		return len(p), nil
	}

	d.buf = append(d.buf, p...)
	d.size += int64(len(p))

	// The buffer spills only once it strictly exceeds the threshold;
	// a descriptor holding exactly threshold bytes keeps buffering.
	if d.size > r.threshold {
		if err := r.spill(d); err != nil {
			tail := d.buf[len(d.buf)-len(p):]
			r.provider.Erase(tail)
			d.buf = d.buf[:len(d.buf)-len(p)]
			d.size -= int64(len(p))
			return 0, err
		}
	}
	return len(p), nil
}

// spill moves the descriptor to the temp-file pipeline: the buffered bytes
// are sealed and written out, then the buffer is wiped and released. The
// state transition commits only after the buffered prefix is in the temp
// file; on any failure the temp file is discarded and the descriptor keeps
// buffering with its buffer intact.
func (r *DescriptorRegistry) spill(d *ProtectedDescriptor) error {
	name := filepath.Join(r.base.TempDir(), "sealfs-"+uuid.New().String()+".tmp")
	tmp, err := r.base.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("%w: temp file %s: %v", ErrResourceExhausted, name, err)
	}
	record, err := r.codec.Seal(d.buf, d.key, d.layers)
	if err != nil {
		tmp.Close()
		r.base.Remove(name)
		return err
	}
	err = writeFramed(tmp, record, d.digest)
	r.provider.Erase(record)
	if err != nil {
		tmp.Close()
		r.base.Remove(name)
		return &DescriptorError{Op: "spill", Path: d.path, State: d.state, Err: err}
	}

	r.provider.Erase(d.buf)
	d.buf = nil
	d.tmp = tmp
	d.tmpPath = name
	d.state = StateSpilled

	r.logger.Info("descriptor spilled to disk",
		zap.Int64("handle", d.handle),
		zap.String("path", d.path),
		zap.Int64("size", d.size))
	return nil
}

// appendRecord seals one chunk and appends the framed record to the temp
// file, feeding the integrity digest along the way.
func (r *DescriptorRegistry) appendRecord(d *ProtectedDescriptor, chunk []byte) error {
	record, err := r.codec.Seal(chunk, d.key, d.layers)
	if err != nil {
		return err
	}
	err = writeFramed(d.tmp, record, d.digest)
	r.provider.Erase(record)
	if err != nil {
		return &DescriptorError{Op: "spill", Path: d.path, State: d.state, Err: err}
	}
	return nil
}

// writeFramed writes a length-prefixed record, mirroring every ciphertext
// byte into the digest.
func writeFramed(w io.Writer, record []byte, digest hash.Hash) error {
	var frame [4]byte
	binary.LittleEndian.PutUint32(frame[:], uint32(len(record)))
	if _, err := w.Write(frame[:]); err != nil {
		return err
	}
	if _, err := w.Write(record); err != nil {
		return err
	}
	digest.Write(frame[:])
	digest.Write(record)
	return nil
}

// Read serves decrypted plaintext from a read-pipeline descriptor.
func (r *DescriptorRegistry) Read(handle int64, p []byte) (int, error) {
	d, ok := r.Lookup(handle)
	if !ok {
		return 0, ErrNotRegistered
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateClosed {
		return 0, ErrClosed
	}
	if !d.readable {
		return 0, &DescriptorError{Op: "read", Path: d.path, State: d.state, Err: errors.New("descriptor opened write-only")}
	}
	if d.readOff >= int64(len(d.readPlain)) {
		return 0, io.EOF
	}
	n := copy(p, d.readPlain[d.readOff:])
	d.readOff += int64(n)
	return n, nil
}

// Close finalizes the descriptor and removes it from the registry. For a
// never-spilled writer the codec runs once over the whole buffer; for a
// spilled writer the temp file is renamed into place. The integrity record
// is written alongside the data. All buffers and key material are wiped on
// every exit path.
func (r *DescriptorRegistry) Close(handle int64) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	d, ok := r.table[handle]
	if ok {
		delete(r.table, handle)
	}
	r.mu.Unlock()
	if !ok {
		return ErrNotRegistered
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return r.finalizeLocked(d)
}

// finalizeLocked drives FINALIZING→CLOSED with d.mu held.
func (r *DescriptorRegistry) finalizeLocked(d *ProtectedDescriptor) (err error) {
	if d.state == StateClosed {
		return ErrClosed
	}
	wasSpilled := d.state == StateSpilled
	d.state = StateFinalizing

	defer func() {
		r.provider.Erase(d.key)
		d.key = nil
		r.provider.Erase(d.buf)
		d.buf = nil
		r.provider.Erase(d.readPlain)
		d.readPlain = nil
		d.state = StateClosed
		if err != nil && d.tmpPath != "" {
			r.base.Remove(d.tmpPath)
		}
	}()

	if d.readable || d.discard {
		return d.base.Close()
	}

	if !wasSpilled {
		record, serr := r.codec.Seal(d.buf, d.key, d.layers)
		if serr != nil {
			d.base.Close()
			return serr
		}
		werr := writeFramed(d.base, record, d.digest)
		r.provider.Erase(record)
		if werr != nil {
			d.base.Close()
			return &DescriptorError{Op: "finalize", Path: d.path, State: StateFinalizing, Err: werr}
		}
		if serr := d.base.Sync(); serr != nil {
			d.base.Close()
			return &DescriptorError{Op: "finalize", Path: d.path, State: StateFinalizing, Err: serr}
		}
		if cerr := d.base.Close(); cerr != nil {
			return &DescriptorError{Op: "finalize", Path: d.path, State: StateFinalizing, Err: cerr}
		}
		return r.writeIntegrity(d)
	}

	// Spilled: the records already live in the temp file. Move it into
	// place atomically after closing both handles.
	if serr := d.tmp.Sync(); serr != nil {
		d.tmp.Close()
		d.base.Close()
		return &DescriptorError{Op: "finalize", Path: d.path, State: StateFinalizing, Err: serr}
	}
	if cerr := d.tmp.Close(); cerr != nil {
		d.base.Close()
		return &DescriptorError{Op: "finalize", Path: d.path, State: StateFinalizing, Err: cerr}
	}
	if cerr := d.base.Close(); cerr != nil {
		return &DescriptorError{Op: "finalize", Path: d.path, State: StateFinalizing, Err: cerr}
	}
	if rerr := r.base.Rename(d.tmpPath, d.path); rerr != nil {
		return &DescriptorError{Op: "finalize", Path: d.path, State: StateFinalizing, Err: rerr}
	}
	d.tmpPath = ""
	return r.writeIntegrity(d)
}

// writeIntegrity persists the hex ciphertext digest next to the data.
func (r *DescriptorRegistry) writeIntegrity(d *ProtectedDescriptor) error {
	sum := hex.EncodeToString(d.digest.Sum(nil))
	f, err := r.base.OpenFile(d.path+r.integritySuffix, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return &DescriptorError{Op: "finalize", Path: d.path, State: StateFinalizing, Err: err}
	}
	if _, err := f.WriteString(sum); err != nil {
		f.Close()
		return &DescriptorError{Op: "finalize", Path: d.path, State: StateFinalizing, Err: err}
	}
	return f.Close()
}

// Teardown finalizes every live descriptor. Used on deactivation so that
// no key material outlives the engine.
func (r *DescriptorRegistry) Teardown() {
	r.mu.Lock()
	handles := make([]int64, 0, len(r.table))
	for h := range r.table {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		if err := r.Close(h); err != nil && !errors.Is(err, ErrNotRegistered) {
			r.logger.Warn("descriptor teardown failed",
				zap.Int64("handle", h), zap.Error(err))
		}
	}
}
