package warehouse

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lib/pq"
)

// JSONAuto selects automatic key inference: JSON keys map to columns of the same name.
const JSONAuto = "auto"

type (
	// Source is one raw JSON input and the staging relation it lands in.
	Source struct {
		Relation string
		// Location addresses the objects to load, e.g. "s3://bucket/log_data" or a local path.
		Location string
		// JSONPaths is the location of a JSONPaths manifest, or JSONAuto.
		JSONPaths string
		// Gzip marks compressed objects.
		Gzip bool
	}

	// Loader bulk-ingests a Source into its staging relation. A load appends rows: it never
	// truncates, so running it twice without re-provisioning duplicates the staging rows.
	// Any malformed record aborts the whole load and nothing is committed.
	Loader interface {
		Load(ctx context.Context, src Source) (int64, error)
	}

	// Credentials hold the opaque access parameters of the server-side loader.
	Credentials struct {
		IAMRole string
		Region  string
	}

	// CopyLoader issues one server-side COPY statement per source. It is the Redshift
	// path; the warehouse reads the objects itself.
	CopyLoader struct {
		db     DB
		creds  Credentials
		logger *slog.Logger
	}
)

// EventSource returns the event-log source, mapped through the JSONPaths manifest at jsonPaths.
func EventSource(location, jsonPaths string) Source {
	if strings.TrimSpace(jsonPaths) == "" {
		jsonPaths = JSONAuto
	}

	return Source{Relation: StagingEvents, Location: location, JSONPaths: jsonPaths}
}

// SongSource returns the song-catalog source, mapped by key inference.
func SongSource(location string) Source {
	return Source{Relation: StagingSongs, Location: location, JSONPaths: JSONAuto}
}

// Validate checks the source is addressable.
func (s Source) Validate() error {
	if strings.TrimSpace(s.Relation) == "" {
		return &BulkLoadError{Relation: "<unknown>", Err: fmt.Errorf("relation cannot be empty")}
	}

	if strings.TrimSpace(s.Location) == "" {
		return &BulkLoadError{Relation: s.Relation, Err: fmt.Errorf("source location cannot be empty")}
	}

	return nil
}

func (s Source) auto() bool {
	return s.JSONPaths == "" || strings.EqualFold(s.JSONPaths, JSONAuto)
}

// NewCopyLoader creates a CopyLoader. A nil logger discards output.
func NewCopyLoader(db DB, creds Credentials, logger *slog.Logger) (*CopyLoader, error) {
	if db == nil {
		return nil, ErrNoDatabase
	}

	if logger == nil {
		logger = discardLogger()
	}

	return &CopyLoader{db: db, creds: creds, logger: logger}, nil
}

// CopyStatement renders the COPY statement for src.
func (l *CopyLoader) CopyStatement(src Source) string {
	var b strings.Builder

	fmt.Fprintf(&b, "COPY %s FROM %s", pq.QuoteIdentifier(src.Relation), pq.QuoteLiteral(src.Location))

	if l.creds.IAMRole != "" {
		fmt.Fprintf(&b, "\nCREDENTIALS %s", pq.QuoteLiteral("aws_iam_role="+l.creds.IAMRole))
	}

	if l.creds.Region != "" {
		fmt.Fprintf(&b, "\nREGION %s", pq.QuoteLiteral(l.creds.Region))
	}

	if src.auto() {
		b.WriteString("\nFORMAT AS JSON 'auto'")
	} else {
		fmt.Fprintf(&b, "\nFORMAT AS JSON %s", pq.QuoteLiteral(src.JSONPaths))
	}

	if src.Gzip {
		b.WriteString("\nGZIP")
	}

	b.WriteString(";")

	return b.String()
}

// Load runs COPY for src inside a transaction. COPY is all-or-nothing per statement.
func (l *CopyLoader) Load(ctx context.Context, src Source) (int64, error) {
	if err := src.Validate(); err != nil {
		return 0, err
	}

	l.logger.Info("Copying source into staging",
		slog.String("relation", src.Relation),
		slog.String("location", src.Location),
		slog.String("jsonpaths", src.JSONPaths),
		slog.String("iam_role", l.creds.IAMRole),
	)

	rows, err := execStatements(ctx, l.db, l.logger, Statement{
		Name:     "copy " + src.Relation,
		Relation: src.Relation,
		SQL:      l.CopyStatement(src),
	})
	if err != nil {
		if isLoadFailure(err) {
			l.logger.Error("Source rejected by the warehouse, see stl_load_errors",
				slog.String("relation", src.Relation),
				slog.String("location", src.Location),
				slog.String("error", err.Error()),
			)
		}

		return 0, &BulkLoadError{Relation: src.Relation, Object: src.Location, Err: err}
	}

	return rows, nil
}
