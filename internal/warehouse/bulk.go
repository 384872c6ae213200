package warehouse

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/klauspost/compress/gzip"
	"github.com/lib/pq"

	"github.com/correlator-io/songplays/internal/objectstore"
)

// ErrUnknownStagingRelation is returned when a source targets a relation that is not a
// staging relation.
var ErrUnknownStagingRelation = errors.New("unknown staging relation")

// BulkLoader reads source objects itself and streams their records into the staging
// relation with COPY FROM STDIN. It serves warehouses that cannot reach the object
// store, such as a local PostgreSQL. Every object of a source lands in one transaction.
type BulkLoader struct {
	db     DB
	store  objectstore.Store
	logger *slog.Logger
}

var (
	_ Loader = (*BulkLoader)(nil)
	_ Loader = (*CopyLoader)(nil)
)

// NewBulkLoader creates a BulkLoader. A nil logger discards output.
func NewBulkLoader(db DB, store objectstore.Store, logger *slog.Logger) (*BulkLoader, error) {
	if db == nil {
		return nil, ErrNoDatabase
	}

	if store == nil {
		return nil, errors.New("object store cannot be nil")
	}

	if logger == nil {
		logger = discardLogger()
	}

	return &BulkLoader{db: db, store: store, logger: logger}, nil
}

// Load implements Loader.
func (l *BulkLoader) Load(ctx context.Context, src Source) (int64, error) {
	if err := src.Validate(); err != nil {
		return 0, err
	}

	table, ok := stagingTable(src.Relation)
	if !ok {
		return 0, &BulkLoadError{Relation: src.Relation, Err: ErrUnknownStagingRelation}
	}

	cols := table.loadableColumns()

	var paths []JSONPath

	if !src.auto() {
		data, err := objectstore.ReadAll(ctx, l.store, src.JSONPaths)
		if err != nil {
			return 0, &BulkLoadError{Relation: src.Relation, Object: src.JSONPaths, Err: err}
		}

		paths, err = ParseManifest(data)
		if err != nil {
			return 0, &BulkLoadError{Relation: src.Relation, Object: src.JSONPaths, Err: err}
		}

		if len(paths) != len(cols) {
			return 0, &BulkLoadError{
				Relation: src.Relation,
				Object:   src.JSONPaths,
				Err: fmt.Errorf("manifest lists %d paths but %s has %d columns",
					len(paths), src.Relation, len(cols)),
			}
		}
	}

	objects, err := l.store.List(ctx, src.Location)
	if err != nil {
		return 0, &BulkLoadError{Relation: src.Relation, Object: src.Location, Err: err}
	}

	l.logger.Info("Streaming source into staging",
		slog.String("relation", src.Relation),
		slog.String("location", src.Location),
		slog.String("jsonpaths", src.JSONPaths),
		slog.Int("objects", len(objects)),
	)

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &BulkLoadError{Relation: src.Relation, Err: err}
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = strings.ToLower(c.Name)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(src.Relation, names...))
	if err != nil {
		return 0, &BulkLoadError{Relation: src.Relation, Err: classify(src.Relation, err)}
	}

	defer func() {
		_ = stmt.Close()
	}()

	var total int64

	for _, obj := range objects {
		n, err := l.copyObject(ctx, stmt, obj, src.Gzip, cols, paths)
		if err != nil {
			var loadErr *BulkLoadError
			if errors.As(err, &loadErr) {
				loadErr.Relation = src.Relation
				return 0, loadErr
			}

			return 0, &BulkLoadError{Relation: src.Relation, Object: obj.Location, Err: err}
		}

		l.logger.Debug("Object streamed",
			slog.String("relation", src.Relation),
			slog.String("object", obj.Location),
			slog.Int64("records", n),
		)

		total += n
	}

	// An argument-less Exec flushes the COPY buffer. Constraint violations surface here.
	if _, err := stmt.ExecContext(ctx); err != nil {
		return 0, &BulkLoadError{Relation: src.Relation, Object: src.Location, Err: err}
	}

	if err := stmt.Close(); err != nil {
		return 0, &BulkLoadError{Relation: src.Relation, Object: src.Location, Err: err}
	}

	if err := tx.Commit(); err != nil {
		return 0, &BulkLoadError{Relation: src.Relation, Err: err}
	}

	return total, nil
}

func (l *BulkLoader) copyObject(
	ctx context.Context,
	stmt *sql.Stmt,
	obj objectstore.Object,
	gzipped bool,
	cols []Column,
	paths []JSONPath,
) (int64, error) {
	rc, err := l.store.Open(ctx, obj.Location)
	if err != nil {
		return 0, &BulkLoadError{Object: obj.Location, Err: err}
	}

	defer func() {
		_ = rc.Close()
	}()

	var r io.Reader = rc

	if gzipped || strings.HasSuffix(strings.ToLower(obj.Key), ".gz") {
		zr, err := gzip.NewReader(rc)
		if err != nil {
			return 0, &BulkLoadError{Object: obj.Location, Err: fmt.Errorf("failed to open gzip stream: %w", err)}
		}

		defer func() {
			_ = zr.Close()
		}()

		r = zr
	}

	var n int64

	err = decodeRecords(r, func(record int, value any) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		row, err := recordRow(value, cols, paths)
		if err != nil {
			return &BulkLoadError{Object: obj.Location, Record: record, Err: err}
		}

		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return &BulkLoadError{Object: obj.Location, Record: record, Err: err}
		}

		n++

		return nil
	})
	if err != nil {
		var loadErr *BulkLoadError
		if errors.As(err, &loadErr) && loadErr.Object == "" {
			loadErr.Object = obj.Location
		}

		return 0, err
	}

	return n, nil
}

// decodeRecords calls fn for every JSON value in r. Objects may be concatenated or
// newline-delimited; a top-level array contributes each of its elements. Record numbers
// start at 1.
func decodeRecords(r io.Reader, fn func(record int, value any) error) error {
	br := bufio.NewReader(r)

	first, err := peekNonSpace(br)
	if errors.Is(err, io.EOF) {
		return nil
	}

	if err != nil {
		return err
	}

	dec := json.NewDecoder(br)
	dec.UseNumber()

	record := 0

	if first == '[' {
		if _, err := dec.Token(); err != nil {
			return &BulkLoadError{Record: 1, Err: err}
		}

		for dec.More() {
			record++

			var v any
			if err := dec.Decode(&v); err != nil {
				return &BulkLoadError{Record: record, Err: fmt.Errorf("malformed JSON: %w", err)}
			}

			if err := fn(record, v); err != nil {
				return err
			}
		}

		if _, err := dec.Token(); err != nil {
			return &BulkLoadError{Record: record, Err: fmt.Errorf("malformed JSON: %w", err)}
		}

		return nil
	}

	for {
		var v any

		err := dec.Decode(&v)
		if errors.Is(err, io.EOF) {
			return nil
		}

		record++

		if err != nil {
			return &BulkLoadError{Record: record, Err: fmt.Errorf("malformed JSON: %w", err)}
		}

		if err := fn(record, v); err != nil {
			return err
		}
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}

		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}

		return b, br.UnreadByte()
	}
}

// recordRow maps one decoded record onto the loadable columns, either through the
// manifest paths (by position) or by matching JSON keys to column names.
func recordRow(value any, cols []Column, paths []JSONPath) ([]any, error) {
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("record is a JSON %s, want an object", jsonKind(value))
	}

	row := make([]any, len(cols))

	for i, col := range cols {
		var (
			raw   any
			found bool
		)

		if paths != nil {
			raw, found = paths[i].Lookup(obj)
		} else {
			raw, found = lookupKey(obj, col.Name)
		}

		if !found {
			continue
		}

		v, err := convertValue(col, raw)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col.Name, err)
		}

		row[i] = v
	}

	return row, nil
}

// convertValue converts a JSON value to the driver value written to col. JSON null and
// empty strings in non-text columns load as NULL.
func convertValue(col Column, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}

	switch v := raw.(type) {
	case map[string]any, []any, bool:
		if col.Kind == KindText {
			if b, ok := v.(bool); ok {
				return strconv.FormatBool(b), nil
			}
		}

		return nil, fmt.Errorf("cannot load a JSON %s", jsonKind(raw))
	}

	switch col.Kind {
	case KindText:
		switch v := raw.(type) {
		case string:
			return v, nil
		case json.Number:
			return v.String(), nil
		}
	case KindInteger:
		s, empty := scalarText(raw)
		if empty {
			return nil, nil
		}

		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", s)
		}

		return n, nil
	case KindNumeric:
		s, empty := scalarText(raw)
		if empty {
			return nil, nil
		}

		d, _, err := apd.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", s)
		}

		return d.Text('f'), nil
	case KindTimestamp:
		s, empty := scalarText(raw)
		if empty {
			return nil, nil
		}

		if _, isNum := raw.(json.Number); isNum {
			ms, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%q is not an epoch in milliseconds", s)
			}

			return time.UnixMilli(ms).UTC(), nil
		}

		return s, nil
	}

	return nil, fmt.Errorf("unsupported value %v", raw)
}

func scalarText(raw any) (string, bool) {
	var s string

	switch v := raw.(type) {
	case string:
		s = strings.TrimSpace(v)
	case json.Number:
		s = v.String()
	default:
		s = fmt.Sprint(v)
	}

	return s, s == ""
}

func jsonKind(v any) string {
	switch v.(type) {
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case bool:
		return "boolean"
	case json.Number, float64:
		return "number"
	case string:
		return "string"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func stagingTable(relation string) (Table, bool) {
	for _, t := range StagingTables() {
		if t.Name == relation {
			return t, true
		}
	}

	return Table{}, false
}
