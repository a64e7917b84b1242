package sealfs

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/absfs/absfs"
	"go.uber.org/zap"
)

// secureDeletePasses is the overwrite schedule applied before unlinking:
// zeros, all-ones, then random bytes, with a sync after each pass.
const secureDeletePasses = 3

const wipeChunkSize = 32 * 1024

// CrashGuard wraps destructive writes of protected paths with
// backup-before-overwrite, cooperative interrupt handling and
// restore-on-failure. It also provides multi-pass secure deletion for
// definitively discarding protected data. All I/O runs against the
// original filesystem.
type CrashGuard struct {
	base            absfs.FileSystem
	codec           *Codec
	provider        CipherProvider
	backupSuffix    string
	integritySuffix string
	logger          *zap.Logger

	canceled atomic.Bool

	// test seam: runs between the backup checkpoint and the write.
	afterBackup func()
}

// NewCrashGuard creates a guard over the original filesystem.
func NewCrashGuard(base absfs.FileSystem, codec *Codec, cfg *Config) *CrashGuard {
	return &CrashGuard{
		base:            base,
		codec:           codec,
		provider:        cfg.Provider,
		backupSuffix:    cfg.BackupSuffix,
		integritySuffix: cfg.IntegritySuffix,
		logger:          cfg.Logger,
	}
}

// Cancel raises the cooperative cancellation flag. The in-flight protected
// write observes it at its next checkpoint and rolls back.
func (g *CrashGuard) Cancel() {
	g.canceled.Store(true)
}

// BackupPath returns the backup artifact path for an original path.
func (g *CrashGuard) BackupPath(path string) string {
	return path + g.backupSuffix
}

// ProtectedWrite seals data under key and writes it to path with full
// crash-safety: an existing file and its integrity record are backed up
// first, an interrupt during the write triggers rollback instead of
// terminating the process, and the backups never survive alongside a
// corrupt in-place file. Ciphertext buffers are wiped on every exit path.
func (g *CrashGuard) ProtectedWrite(path string, data, key []byte, layers int) error {
	g.canceled.Store(false)

	// Scoped interrupt handler: a signal sets the cancellation flag
	// instead of killing the process. Stop restores prior delivery on
	// every exit path.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	defer func() {
		signal.Stop(sigCh)
		close(done)
	}()
	go func() {
		select {
		case <-sigCh:
			g.Cancel()
		case <-done:
		}
	}()

	sumPath := path + g.integritySuffix
	backup, err := g.backupIfExists(path)
	if err != nil {
		return err
	}
	sumBackup, err := g.backupIfExists(sumPath)
	if err != nil {
		if backup != "" {
			g.base.Remove(backup)
		}
		return err
	}

	if g.afterBackup != nil {
		g.afterBackup()
	}

	// Checkpoint: cancellation observed after the backups were taken.
	if g.canceled.Load() {
		return g.rollback(path, backup, sumPath, sumBackup, ErrInterrupted)
	}

	record, err := g.codec.Seal(data, key, layers)
	if err != nil {
		return g.rollback(path, backup, sumPath, sumBackup, err)
	}
	defer g.provider.Erase(record)

	// Checkpoint: cancellation observed after the encrypt step.
	if g.canceled.Load() {
		return g.rollback(path, backup, sumPath, sumBackup, ErrInterrupted)
	}

	digest := sha256.New()
	if err := g.writeRecord(path, record, digest); err != nil {
		return g.rollback(path, backup, sumPath, sumBackup, err)
	}
	// The integrity record must describe the new ciphertext; one left
	// over from a previous generation would fail-close valid reads.
	if err := g.writeSum(sumPath, digest); err != nil {
		return g.rollback(path, backup, sumPath, sumBackup, err)
	}
	if g.canceled.Load() {
		return g.rollback(path, backup, sumPath, sumBackup, ErrInterrupted)
	}

	for _, b := range []string{backup, sumBackup} {
		if b == "" {
			continue
		}
		if err := g.base.Remove(b); err != nil {
			g.logger.Warn("backup artifact removal failed",
				zap.String("path", b), zap.Error(err))
		}
	}
	return nil
}

// backupIfExists copies path to its backup artifact. It returns the backup
// path, or "" when there is nothing to preserve.
func (g *CrashGuard) backupIfExists(path string) (string, error) {
	if _, err := g.base.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", &BackupError{Op: "backup", Path: path, Message: err.Error(), Err: err}
	}
	backup := g.BackupPath(path)
	if err := g.copyFile(path, backup); err != nil {
		return "", &BackupError{Op: "backup", Path: path, Message: err.Error(), Err: errors.Join(ErrBackupFailed, err)}
	}
	return backup, nil
}

// writeRecord writes the framed record to path through the original
// filesystem and syncs it, feeding the ciphertext digest along the way.
func (g *CrashGuard) writeRecord(path string, record []byte, digest hash.Hash) error {
	f, err := g.base.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if err := writeFramed(f, record, digest); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// writeSum persists the hex ciphertext digest next to the data.
func (g *CrashGuard) writeSum(sumPath string, digest hash.Hash) error {
	f, err := g.base.OpenFile(sumPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(hex.EncodeToString(digest.Sum(nil))); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// rollback restores the original file and its integrity record from their
// backups, or removes partial output where no original existed. The cause
// is always surfaced; a failed restore is reported on top of it.
func (g *CrashGuard) rollback(path, backup, sumPath, sumBackup string, cause error) error {
	if err := g.restoreOne(sumPath, sumBackup); err != nil {
		return &BackupError{
			Op:      "restore",
			Path:    sumPath,
			Message: fmt.Sprintf("restore failed after %v", cause),
			Err:     errors.Join(ErrRestoreFailed, cause, err),
		}
	}
	if err := g.restoreOne(path, backup); err != nil {
		return &BackupError{
			Op:      "restore",
			Path:    path,
			Message: fmt.Sprintf("restore failed after %v", cause),
			Err:     errors.Join(ErrRestoreFailed, cause, err),
		}
	}
	if backup != "" {
		g.logger.Info("original file restored from backup",
			zap.String("path", path), zap.NamedError("cause", cause))
	}
	return cause
}

// restoreOne puts a single path back to its pre-write state: the backup is
// renamed over it, or the partial output is removed when nothing existed
// before the write.
func (g *CrashGuard) restoreOne(path, backup string) error {
	if backup == "" {
		if err := g.base.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			g.logger.Warn("partial output removal failed",
				zap.String("path", path), zap.Error(err))
		}
		return nil
	}
	return g.base.Rename(backup, path)
}

// copyFile duplicates src to dst through the original filesystem.
func (g *CrashGuard) copyFile(src, dst string) error {
	in, err := g.base.OpenFile(src, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := g.base.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		g.base.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// SecureDelete overwrites the file's extent with three passes (zeros,
// all-ones, random), syncing after each, then unlinks it.
func (g *CrashGuard) SecureDelete(path string) error {
	info, err := g.base.Stat(path)
	if err != nil {
		return err
	}
	size := info.Size()

	f, err := g.base.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	for pass := 0; pass < secureDeletePasses; pass++ {
		if err := g.wipePass(f, size, pass); err != nil {
			f.Close()
			return fmt.Errorf("secure delete pass %d: %w", pass+1, err)
		}
	}
	if err := f.Close(); err != nil {
		return err
	}

	g.logger.Info("secure delete completed",
		zap.String("path", path), zap.Int64("size", size))
	return g.base.Remove(path)
}

// wipePass overwrites the full extent once with the pass's fill pattern.
func (g *CrashGuard) wipePass(f absfs.File, size int64, pass int) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	remaining := size
	chunk := make([]byte, wipeChunkSize)
	if pass == 1 {
		for i := range chunk {
			chunk[i] = 0xFF
		}
	}
	for remaining > 0 {
		n := int64(len(chunk))
		if remaining < n {
			n = remaining
		}
		if pass == 2 {
			random, err := g.provider.RandomBytes(int(n))
			if err != nil {
				return err
			}
			copy(chunk, random)
		}
		if _, err := f.Write(chunk[:n]); err != nil {
			return err
		}
		remaining -= n
	}
	return f.Sync()
}
