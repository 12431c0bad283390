package ops

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/parquet-go/parquet-go"

	"github.com/hpungsan/landscape/internal/config"
	"github.com/hpungsan/landscape/internal/errors"
	"github.com/hpungsan/landscape/internal/graph"
	"github.com/hpungsan/landscape/internal/landscape"
)

// maxLineBytes bounds one JSONL record; long coordinate vectors exceed bufio's default.
const maxLineBytes = 16 << 20

// ImportInput contains parameters for the Import operation.
type ImportInput struct {
	Path string // required
}

// ImportOutput contains the result of the Import operation.
type ImportOutput struct {
	MinimaImported            int           `json:"minima_imported"`
	MinimaDuplicate           int           `json:"minima_duplicate"`
	TransitionStatesImported  int           `json:"transition_states_imported"`
	TransitionStatesDuplicate int           `json:"transition_states_duplicate"`
	Skipped                   int           `json:"skipped"`
	Errors                    []ImportError `json:"errors"`
}

// ImportError describes one record that could not be imported.
type ImportError struct {
	Line    int    `json:"line,omitempty"`
	ID      int64  `json:"id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type lineRecord struct {
	line int
	ExportRecord
}

// Import merges a checkpoint into db through the normal dedup path. Minima are
// applied first; transition-state endpoints are remapped from the file's ids to
// the ids the database assigned. When g is non-nil it gains a node per new
// minimum and an edge per new transition state.
//
// Bad records are skipped and reported; the remaining records still import.
func Import(ctx context.Context, db *landscape.Database, g *graph.Graph, cfg *config.Config, input ImportInput) (*ImportOutput, error) {
	if input.Path == "" {
		return nil, errors.NewInvalidInput("path is required")
	}
	if err := ValidatePath(input.Path, PathCheckRead, cfg); err != nil {
		return nil, err
	}
	format, err := FormatForPath(input.Path)
	if err != nil {
		return nil, err
	}

	var (
		records     []lineRecord
		parseErrors []ImportError
	)
	switch format {
	case FormatParquet:
		records, err = readParquetDir(input.Path)
	default:
		records, parseErrors, err = readJSONLFile(input.Path, format)
	}
	if err != nil {
		return nil, errors.As(err)
	}

	out := &ImportOutput{Errors: parseErrors, Skipped: len(parseErrors)}
	if err := applyRecords(ctx, db, g, records, out); err != nil {
		return nil, err
	}
	if out.Errors == nil {
		out.Errors = []ImportError{}
	}
	return out, nil
}

func applyRecords(ctx context.Context, db *landscape.Database, g *graph.Graph, records []lineRecord, out *ImportOutput) error {
	skip := func(r lineRecord, err error) {
		lErr := errors.As(err)
		out.Errors = append(out.Errors, ImportError{
			Line: r.line, ID: r.ID, Code: string(lErr.Code), Message: lErr.Message,
		})
		out.Skipped++
	}

	idMap := make(map[int64]int64)
	for _, r := range records {
		if r.Kind != KindMinimum {
			continue
		}
		if ctx.Err() != nil {
			return errors.NewCancelled("import")
		}
		m, isNew, err := db.AddTaggedMinimum(r.Energy, r.Coords, r.Tag)
		if err != nil {
			skip(r, err)
			continue
		}
		idMap[r.ID] = m.ID
		if !isNew {
			out.MinimaDuplicate++
			continue
		}
		out.MinimaImported++
		if g != nil {
			g.AddNode(m.ID, m.Energy)
		}
	}

	for _, r := range records {
		if r.Kind != KindTransitionState {
			continue
		}
		if ctx.Err() != nil {
			return errors.NewCancelled("import")
		}
		min1, ok1 := idMap[r.Min1]
		min2, ok2 := idMap[r.Min2]
		if !ok1 || !ok2 {
			skip(r, errors.NewInvalidInput(fmt.Sprintf("endpoint minimum %d or %d is not in the checkpoint", r.Min1, r.Min2)))
			continue
		}
		ts, isNew, err := db.AddTransitionState(r.Energy, r.Coords, min1, min2)
		if err != nil {
			skip(r, err)
			continue
		}
		if !isNew {
			out.TransitionStatesDuplicate++
			continue
		}
		out.TransitionStatesImported++
		if g != nil {
			if err := g.ApplyEdge(ts.Min1, ts.Min2); err != nil {
				return errors.NewInternal(fmt.Errorf("apply edge for transition state %d: %w", ts.ID, err))
			}
		}
	}
	return nil
}

// readJSONLFile parses a .jsonl or .jsonl.zst checkpoint. Malformed lines are
// returned as ImportErrors rather than failing the whole file.
func readJSONLFile(path string, format Format) ([]lineRecord, []ImportError, error) {
	file, err := openFileNoFollowRead(path)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()

	var r io.Reader = file
	if format == FormatJSONLZstd {
		dec, err := zstd.NewReader(file, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	records, parseErrors := parseExportStream(r)
	return records, parseErrors, nil
}

func parseExportStream(r io.Reader) ([]lineRecord, []ImportError) {
	var (
		records     []lineRecord
		parseErrors []ImportError
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var record ExportRecord
		if err := json.Unmarshal(line, &record); err != nil {
			parseErrors = append(parseErrors, ImportError{
				Line:    lineNum,
				Code:    "PARSE_ERROR",
				Message: fmt.Sprintf("invalid JSON: %v", err),
			})
			continue
		}

		if record.LandscapeExport {
			continue
		}

		if msg := checkRecord(record); msg != "" {
			parseErrors = append(parseErrors, ImportError{
				Line:    lineNum,
				ID:      record.ID,
				Code:    "INVALID_RECORD",
				Message: msg,
			})
			continue
		}

		records = append(records, lineRecord{line: lineNum, ExportRecord: record})
	}

	if err := scanner.Err(); err != nil {
		parseErrors = append(parseErrors, ImportError{
			Line:    lineNum + 1,
			Code:    "READ_ERROR",
			Message: fmt.Sprintf("failed to read file: %v", err),
		})
	}

	return records, parseErrors
}

func checkRecord(r ExportRecord) string {
	switch r.Kind {
	case KindMinimum:
		if r.ID <= 0 {
			return "missing id field"
		}
	case KindTransitionState:
		if r.Min1 <= 0 || r.Min2 <= 0 {
			return "missing min1 or min2 field"
		}
	default:
		return fmt.Sprintf("unknown record kind %q", r.Kind)
	}
	return ""
}

// readParquetDir reads both collection files of a .parquet checkpoint.
func readParquetDir(dir string) ([]lineRecord, error) {
	minima, err := readParquetFile[minimumRow](filepath.Join(dir, minimaFile))
	if err != nil {
		return nil, err
	}
	tss, err := readParquetFile[transitionStateRow](filepath.Join(dir, transitionStatesFile))
	if err != nil {
		return nil, err
	}

	records := make([]lineRecord, 0, len(minima)+len(tss))
	for i, row := range minima {
		records = append(records, lineRecord{line: i + 1, ExportRecord: row.record()})
	}
	for i, row := range tss {
		records = append(records, lineRecord{line: i + 1, ExportRecord: row.record()})
	}
	return records, nil
}

func readParquetFile[T any](path string) ([]T, error) {
	f, err := openFileNoFollowRead(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	rows, err := parquet.Read[T](f, info.Size())
	if err != nil {
		return nil, errors.NewInvalidInput(fmt.Sprintf("read %s: %v", filepath.Base(path), err))
	}
	return rows, nil
}
