package ops

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hpungsan/landscape/internal/config"
	"github.com/hpungsan/landscape/internal/errors"
)

// PathCheckMode indicates whether the path check is for reading or writing.
type PathCheckMode int

const (
	PathCheckRead  PathCheckMode = iota // for import
	PathCheckWrite                      // for export
)

// Format is a checkpoint file format.
type Format string

const (
	FormatJSONL     Format = "jsonl"
	FormatJSONLZstd Format = "jsonl.zst"
	FormatParquet   Format = "parquet"
)

// Ext returns the path suffix for the format.
func (f Format) Ext() string {
	return "." + string(f)
}

// ParseFormat validates a format name. An empty name means jsonl.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "":
		return FormatJSONL, nil
	case FormatJSONL, FormatJSONLZstd, FormatParquet:
		return Format(s), nil
	}
	return "", errors.NewInvalidInput("format must be one of: jsonl, jsonl.zst, parquet")
}

// FormatForPath derives the checkpoint format from the path suffix.
func FormatForPath(path string) (Format, error) {
	base := filepath.Base(filepath.Clean(path))
	switch {
	case strings.HasSuffix(base, FormatJSONLZstd.Ext()):
		return FormatJSONLZstd, nil
	case strings.HasSuffix(base, FormatJSONL.Ext()):
		return FormatJSONL, nil
	case strings.HasSuffix(base, FormatParquet.Ext()):
		return FormatParquet, nil
	}
	return "", errors.NewInvalidInput("path must end in .jsonl, .jsonl.zst or .parquet")
}

// ValidatePath performs path validation for import/export operations.
// It checks:
// 1. Path traversal (.. sequences)
// 2. Extension (.jsonl, .jsonl.zst or .parquet)
// 3. Directory restrictions (the path must be DIRECTLY in ~/.landscape/exports or allowed_paths)
// 4. Symlink safety (parent dir and the path itself must not be symlinks)
//
// A .parquet path names a directory holding one file per collection.
func ValidatePath(path string, mode PathCheckMode, cfg *config.Config) error {
	if path == "" {
		return errors.NewInvalidInput("path is required")
	}

	if containsTraversal(path) {
		return errors.NewInvalidInput("path must not contain directory traversal (..)")
	}

	cleaned := filepath.Clean(path)
	if _, err := FormatForPath(cleaned); err != nil {
		return err
	}

	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return errors.NewInvalidInput(fmt.Sprintf("invalid path: %v", err))
	}

	// AllowUnsafePaths skips directory checks but not symlink checks.
	if cfg != nil && cfg.AllowUnsafePaths {
		if mode == PathCheckRead {
			if _, err := os.Stat(absPath); os.IsNotExist(err) {
				return errors.NewFileNotFound(path)
			}
		}
		return rejectSymlink(absPath, "path must not be a symlink")
	}

	allowedDirs, err := getAllowedDirs(cfg)
	if err != nil {
		return err
	}

	// Direct children only: no intermediate directory can be swapped for a symlink.
	parentDir := filepath.Dir(absPath)
	if !isDirectlyInAllowedDir(parentDir, allowedDirs) {
		return errors.NewInvalidInput(
			fmt.Sprintf("file must be directly in an allowed directory (no subdirectories); allowed: %v",
				allowedDirs))
	}

	if err := rejectSymlink(parentDir, "parent directory must not be a symlink"); err != nil {
		return err
	}

	if mode == PathCheckRead {
		if _, err := os.Stat(absPath); os.IsNotExist(err) {
			return errors.NewFileNotFound(path)
		}
	}

	return rejectSymlink(absPath, "path must not be a symlink")
}

func rejectSymlink(path, msg string) error {
	if info, err := os.Lstat(path); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return errors.NewInvalidInput(msg)
	}
	return nil
}

// getAllowedDirs returns the list of allowed directories (absolute, cleaned).
// Existing symlinked entries are resolved so they match their real target.
func getAllowedDirs(cfg *config.Config) ([]string, error) {
	defaultDir, err := DefaultExportsDir()
	if err != nil {
		return nil, err
	}
	dirs := []string{defaultDir}

	if cfg != nil {
		for _, p := range cfg.AllowedPaths {
			if filepath.IsAbs(p) {
				dirs = append(dirs, filepath.Clean(p))
			}
		}
	}

	result := make([]string, 0, len(dirs))
	for _, d := range dirs {
		abs, err := filepath.Abs(filepath.Clean(d))
		if err != nil {
			return nil, errors.NewInvalidInput(fmt.Sprintf("invalid allowed path: %v", err))
		}
		if info, err := os.Lstat(abs); err == nil && info.Mode()&os.ModeSymlink != 0 {
			resolved, err := filepath.EvalSymlinks(abs)
			if err != nil {
				return nil, errors.NewInvalidInput(fmt.Sprintf("cannot resolve symlink in allowed path: %v", err))
			}
			abs = resolved
		}
		result = append(result, abs)
	}

	return result, nil
}

// isDirectlyInAllowedDir reports whether parentDir is exactly one of the allowed directories.
func isDirectlyInAllowedDir(parentDir string, allowedDirs []string) bool {
	parentDir = filepath.Clean(parentDir)
	for _, dir := range allowedDirs {
		if parentDir == filepath.Clean(dir) {
			return true
		}
	}
	return false
}

// DefaultExportsDir returns the default exports directory (~/.landscape/exports).
func DefaultExportsDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", errors.NewInternal(fmt.Errorf("failed to get home directory: %w", err))
	}
	return filepath.Join(homeDir, ".landscape", "exports"), nil
}

// containsTraversal checks if path contains a ".." component.
func containsTraversal(path string) bool {
	for _, part := range strings.Split(path, string(filepath.Separator)) {
		if part == ".." {
			return true
		}
	}
	if filepath.Separator != '/' {
		for _, part := range strings.Split(path, "/") {
			if part == ".." {
				return true
			}
		}
	}
	return false
}

// SanitizeForFilename makes s safe for use as a file name stem.
func SanitizeForFilename(s string) string {
	s = strings.ReplaceAll(s, "/", "-")
	s = strings.ReplaceAll(s, "\\", "-")
	s = strings.ReplaceAll(s, "..", "-")

	var result strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	s = result.String()

	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	s = strings.Trim(s, "-")

	if s == "" {
		s = "unnamed"
	}
	return s
}
