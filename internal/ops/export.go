package ops

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/parquet-go/parquet-go"

	"github.com/hpungsan/landscape/internal/config"
	"github.com/hpungsan/landscape/internal/errors"
	"github.com/hpungsan/landscape/internal/landscape"
)

// ExportInput contains parameters for the Export operation.
type ExportInput struct {
	Path   string // optional, default: ~/.landscape/exports/<label>-<timestamp>.<ext>
	Format string // optional; derived from Path when empty, else jsonl
	Label  string // optional file name stem for the default path
}

// ExportOutput contains the result of the Export operation.
type ExportOutput struct {
	Path             string `json:"path"`
	Format           Format `json:"format"`
	Minima           int    `json:"minima"`
	TransitionStates int    `json:"transition_states"`
	ExportedAt       int64  `json:"exported_at"`
}

// Export writes a checkpoint of the database. The snapshot is taken under one
// lock, so the checkpoint is consistent as of the call.
func Export(ctx context.Context, db *landscape.Database, cfg *config.Config, input ExportInput) (*ExportOutput, error) {
	now := time.Now()

	format, err := ParseFormat(input.Format)
	if err != nil {
		return nil, err
	}

	exportPath := input.Path
	if exportPath == "" {
		exportPath, err = defaultExportPath(input.Label, format, now)
		if err != nil {
			return nil, err
		}
	} else {
		pathFormat, err := FormatForPath(exportPath)
		if err != nil {
			return nil, err
		}
		if input.Format != "" && pathFormat != format {
			return nil, errors.NewInvalidInput(fmt.Sprintf("path suffix does not match format %q", format))
		}
		format = pathFormat
	}

	// Default paths go through the same checks as user paths.
	if err := ValidatePath(exportPath, PathCheckWrite, cfg); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(exportPath), 0700); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to create export directory: %w", err))
	}

	snap := db.Snapshot()
	header := ExportHeader{
		LandscapeExport:  true,
		SchemaVersion:    SchemaVersion,
		ExportedAt:       now.Unix(),
		Dimension:        db.Dimension(),
		Minima:           len(snap.Minima),
		TransitionStates: len(snap.TransitionStates),
	}

	switch format {
	case FormatJSONL:
		err = writeFileAtomic(exportPath, func(f *os.File) error {
			return writeJSONL(ctx, f, header, snap)
		})
	case FormatJSONLZstd:
		err = writeFileAtomic(exportPath, func(f *os.File) error {
			enc, err := zstd.NewWriter(f)
			if err != nil {
				return errors.NewInternal(fmt.Errorf("create zstd encoder: %w", err))
			}
			if err := writeJSONL(ctx, enc, header, snap); err != nil {
				enc.Close()
				return err
			}
			return enc.Close()
		})
	case FormatParquet:
		err = writeParquetDir(ctx, exportPath, snap)
	}
	if err != nil {
		return nil, errors.As(err)
	}

	return &ExportOutput{
		Path:             exportPath,
		Format:           format,
		Minima:           header.Minima,
		TransitionStates: header.TransitionStates,
		ExportedAt:       header.ExportedAt,
	}, nil
}

// writeJSONL writes the header line and one line per record, minima first.
func writeJSONL(ctx context.Context, w io.Writer, header ExportHeader, snap landscape.Snapshot) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	if err := enc.Encode(header); err != nil {
		return err
	}
	for _, m := range snap.Minima {
		if ctx.Err() != nil {
			return errors.NewCancelled("export")
		}
		if err := enc.Encode(minimumRecord(m)); err != nil {
			return err
		}
	}
	for _, ts := range snap.TransitionStates {
		if ctx.Err() != nil {
			return errors.NewCancelled("export")
		}
		if err := enc.Encode(transitionStateRecord(ts)); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// writeParquetDir writes minima.parquet and transition_states.parquet into a
// temporary directory and renames it into place.
func writeParquetDir(ctx context.Context, exportPath string, snap landscape.Snapshot) error {
	tempDir, err := tempName(exportPath)
	if err != nil {
		return err
	}
	if err := os.Mkdir(tempDir, 0700); err != nil {
		return errors.NewInternal(fmt.Errorf("failed to create export directory: %w", err))
	}
	success := false
	defer func() {
		if !success {
			os.RemoveAll(tempDir)
		}
	}()

	minima := make([]minimumRow, len(snap.Minima))
	for i, m := range snap.Minima {
		minima[i] = minimumRow{
			ID: m.ID, Energy: m.Energy, Coords: m.Coords, Tag: m.Tag,
			Hits: int64(m.Hits), CreatedAt: m.CreatedAt,
		}
	}
	tss := make([]transitionStateRow, len(snap.TransitionStates))
	for i, ts := range snap.TransitionStates {
		tss[i] = transitionStateRow{
			ID: ts.ID, Energy: ts.Energy, Coords: ts.Coords,
			Min1: ts.Min1, Min2: ts.Min2, CreatedAt: ts.CreatedAt,
		}
	}

	if err := writeParquetFile(filepath.Join(tempDir, minimaFile), minima); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return errors.NewCancelled("export")
	}
	if err := writeParquetFile(filepath.Join(tempDir, transitionStatesFile), tss); err != nil {
		return err
	}

	if err := replaceDir(tempDir, exportPath); err != nil {
		return err
	}
	success = true
	return nil
}

func writeParquetFile[T any](path string, rows []T) error {
	f, err := openFileNoFollow(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := parquet.Write(f, rows, parquet.Compression(&parquet.Zstd)); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		return err
	}
	return f.Close()
}

// replaceDir moves src to dst. An existing dst directory is moved aside first
// and restored if the final rename fails.
func replaceDir(src, dst string) error {
	info, err := os.Lstat(dst)
	if os.IsNotExist(err) {
		if err := os.Rename(src, dst); err != nil {
			return errors.NewInternal(fmt.Errorf("failed to finalize export: %w", err))
		}
		return nil
	}
	if err != nil {
		return errors.NewInternal(err)
	}
	if !info.IsDir() || info.Mode()&os.ModeSymlink != 0 {
		return errors.NewInvalidInput("export destination exists and is not a directory")
	}

	backup, err := tempName(dst)
	if err != nil {
		return err
	}
	if err := os.Rename(dst, backup); err != nil {
		return errors.NewInternal(fmt.Errorf("failed to move previous export aside: %w", err))
	}
	if err := os.Rename(src, dst); err != nil {
		_ = os.Rename(backup, dst)
		return errors.NewInternal(fmt.Errorf("failed to finalize export: %w", err))
	}
	_ = os.RemoveAll(backup)
	return nil
}

// writeFileAtomic writes to a temp file next to exportPath and renames it into
// place, so a failed export never clobbers the previous file.
func writeFileAtomic(exportPath string, write func(*os.File) error) error {
	tempPath, err := tempName(exportPath)
	if err != nil {
		return err
	}
	file, err := openFileNoFollow(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return errors.NewInternal(fmt.Errorf("failed to create export file: %w", err))
	}

	success := false
	defer func() {
		if file != nil {
			file.Close()
		}
		if !success {
			os.Remove(tempPath)
		}
	}()

	if err := write(file); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		return errors.NewInternal(err)
	}
	// Close before rename (required on Windows).
	if err := file.Close(); err != nil {
		return errors.NewInternal(fmt.Errorf("failed to close export file: %w", err))
	}
	file = nil

	// os.Rename would follow a symlinked destination.
	if info, err := os.Lstat(exportPath); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return errors.NewInvalidInput("export path is a symlink")
	}

	// On Windows os.Rename fails when the destination exists; keep the old file.
	if err := os.Rename(tempPath, exportPath); err != nil {
		if runtime.GOOS == "windows" {
			if _, statErr := os.Stat(exportPath); statErr == nil {
				return errors.NewInvalidInput("export destination already exists; overwriting is not supported on Windows (choose a new path or delete the existing file)")
			}
		}
		return errors.NewInternal(fmt.Errorf("failed to finalize export: %w", err))
	}

	success = true
	return nil
}

func tempName(path string) (string, error) {
	randBytes := make([]byte, 8)
	if _, err := rand.Read(randBytes); err != nil {
		return "", errors.NewInternal(fmt.Errorf("failed to generate temp file name: %w", err))
	}
	return path + "." + hex.EncodeToString(randBytes) + ".tmp", nil
}

// defaultExportPath returns ~/.landscape/exports/<label>-<timestamp>.<ext>.
func defaultExportPath(label string, format Format, now time.Time) (string, error) {
	dir, err := DefaultExportsDir()
	if err != nil {
		return "", err
	}
	name := "landscape"
	if label != "" {
		name = SanitizeForFilename(label)
	}
	filename := fmt.Sprintf("%s-%s%s", name, now.Format("2006-01-02T150405"), format.Ext())
	return filepath.Join(dir, filename), nil
}
