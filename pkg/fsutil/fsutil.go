// Package fsutil provides the file handling shared by flowseal's encrypted
// state files: atomic replacement, owner-only permissions and disk space checks.
package fsutil

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	// FileMode is owner read/write only
	FileMode os.FileMode = 0o600
	// DirMode is owner read/write/execute only
	DirMode os.FileMode = 0o700

	// MinDiskSpaceBytes is the free space required before rewriting a state file
	MinDiskSpaceBytes = 10 * 1024 * 1024
	// DiskWarningPercent triggers a warning when the disk is this full
	DiskWarningPercent = 90
)

// ErrInsufficientDisk is returned when a write would likely fail for lack of space.
var ErrInsufficientDisk = errors.New("fsutil: insufficient disk space")

// AtomicWriteFile writes data to path so that readers only ever observe the
// old or the new content. The data goes to a temp file in the same directory,
// which is synced and renamed over the target. The result always carries perm,
// even when the target already existed with looser bits.
func AtomicWriteFile(path string, data []byte, perm os.FileMode, logger *slog.Logger) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("fsutil: failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		if removeErr := os.Remove(tmpPath); removeErr != nil && !os.IsNotExist(removeErr) && logger != nil {
			logger.Warn("failed to remove temp file", "path", tmpPath, "error", removeErr)
		}
	}

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("fsutil: failed to set temp file permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("fsutil: failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("fsutil: failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("fsutil: failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("fsutil: failed to rename file: %w", err)
	}

	return RestrictAccess(path)
}

// RestrictAccess sets owner-only read/write permission on path.
func RestrictAccess(path string) error {
	if err := os.Chmod(path, FileMode); err != nil {
		return fmt.Errorf("fsutil: failed to set permissions on %s: %w", path, err)
	}
	return nil
}

// IsInsecure reports whether an existing file is readable or writable by
// group or others. Missing files are not insecure.
func IsInsecure(path string) (os.FileMode, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	perm := info.Mode().Perm()
	return perm, perm&0o077 != 0
}

// WarnInsecure prints a warning to stderr when path has loose permissions.
// This is advisory only and does not block operations.
func WarnInsecure(path string) {
	if perm, bad := IsInsecure(path); bad {
		fmt.Fprintf(os.Stderr, "warning: %s has insecure permissions %04o (expected 0600)\n", path, perm)
	}
}

// DiskSpaceInfo contains disk usage information
type DiskSpaceInfo struct {
	Total     uint64 `json:"total"`     // Total disk space in bytes
	Free      uint64 `json:"free"`      // Free disk space in bytes
	Available uint64 `json:"available"` // Available to non-root users
	UsedPct   int    `json:"used_pct"`  // Percentage of disk used
}

// CheckSpaceForWrite verifies there is room to rewrite a file of dataSize
// bytes in dir. Failure to query the filesystem only produces a warning.
func CheckSpaceForWrite(dir string, dataSize int) error {
	info, err := DiskSpace(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to check disk space: %v\n", err)
		return nil
	}

	// Need at least MinDiskSpaceBytes or 2x the data size, whichever is larger
	required := uint64(MinDiskSpaceBytes)
	if uint64(dataSize*2) > required {
		required = uint64(dataSize * 2)
	}

	if info.Available < required {
		return fmt.Errorf("%w: only %d MB available, need at least %d MB",
			ErrInsufficientDisk,
			info.Available/(1024*1024),
			required/(1024*1024))
	}

	if info.UsedPct >= DiskWarningPercent {
		fmt.Fprintf(os.Stderr, "warning: disk is %d%% full, consider freeing space\n", info.UsedPct)
	}

	return nil
}
