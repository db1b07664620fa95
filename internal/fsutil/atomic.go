// Package fsutil holds crash-safe file writing helpers shared by the
// config loader and the cron job store.
package fsutil

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	. "github.com/roelfdiedericks/clawcore/internal/logging"
)

// DefaultBackupCount is the default number of backup versions to keep.
const DefaultBackupCount = 5

// AtomicWriteJSON marshals data as indented JSON and writes it atomically.
func AtomicWriteJSON(path string, data interface{}, perm os.FileMode) error {
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return AtomicWrite(path, append(jsonData, '\n'), perm)
}

// AtomicWrite writes data to path using temp file + fsync + rename.
// Either the new content is fully in place or the previous file is untouched.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Same directory so the rename stays on one filesystem
	tmp, err := os.CreateTemp(dir, ".clawcore-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp to target: %w", err)
	}

	success = true
	return nil
}

// BackupAndWriteJSON rotates backups of the existing file (if any),
// then atomically writes data as indented JSON.
func BackupAndWriteJSON(path string, data interface{}, maxBackups int) error {
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return BackupAndWrite(path, append(jsonData, '\n'), maxBackups)
}

// BackupAndWrite rotates backups of the existing file (if any), then
// atomically writes data with 0600 permissions.
func BackupAndWrite(path string, data []byte, maxBackups int) error {
	if maxBackups <= 0 {
		maxBackups = DefaultBackupCount
	}

	if _, err := os.Stat(path); err == nil {
		RotateBackups(path, maxBackups)
		if err := copyFile(path, path+".bak"); err != nil {
			L_warn("fsutil: backup failed, continuing with save", "path", path, "error", err)
		}
	}

	return AtomicWrite(path, data, 0600)
}

// RotateBackups shifts .bak -> .bak.1 -> ... -> .bak.N-1, dropping the oldest.
func RotateBackups(path string, maxBackups int) {
	if maxBackups <= 1 {
		return
	}

	backupBase := path + ".bak"
	maxIndex := maxBackups - 1

	oldest := fmt.Sprintf("%s.%d", backupBase, maxIndex)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		L_trace("fsutil: failed to remove oldest backup", "path", oldest, "error", err)
	}

	for i := maxIndex - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", backupBase, i)
		dst := fmt.Sprintf("%s.%d", backupBase, i+1)
		if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
			L_trace("fsutil: failed to rotate backup", "src", src, "dst", dst, "error", err)
		}
	}

	if err := os.Rename(backupBase, backupBase+".1"); err != nil && !os.IsNotExist(err) {
		L_trace("fsutil: failed to rotate .bak to .bak.1", "error", err)
	}
}

func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	info, err := srcFile.Stat()
	if err != nil {
		return err
	}

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer dstFile.Close()

	_, err = io.Copy(dstFile, srcFile)
	return err
}
