package warehouse

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
)

const columnsQuery = `
	SELECT column_name
	FROM information_schema.columns
	WHERE table_schema = current_schema() AND table_name = $1
	ORDER BY ordinal_position
`

// Provisioner creates the staging and dimensional relations.
//
// With Options.Recreate set (the default) every relation is dropped and created again;
// this destroys its rows and is not safe against a concurrent run on the same schema.
// Without it, missing relations are created and existing ones are verified column by
// column, failing with *SchemaConflictError on mismatch.
type Provisioner struct {
	db     DB
	opts   Options
	logger *slog.Logger
}

// NewProvisioner creates a Provisioner. A nil logger discards output.
func NewProvisioner(db DB, opts Options, logger *slog.Logger) (*Provisioner, error) {
	if db == nil {
		return nil, ErrNoDatabase
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = discardLogger()
	}

	return &Provisioner{db: db, opts: opts, logger: logger}, nil
}

// ProvisionStaging declares stg_events and stg_songs.
func (p *Provisioner) ProvisionStaging(ctx context.Context) (int64, error) {
	return p.provision(ctx, StagingTables())
}

// ProvisionDimensional declares the four dimensions and the fact table.
func (p *Provisioner) ProvisionDimensional(ctx context.Context) (int64, error) {
	return p.provision(ctx, DimensionalTables(p.opts))
}

// Verify checks that every declared relation exists with exactly its declared columns.
// It is run before an ELT pass on a schema that was provisioned separately.
func (p *Provisioner) Verify(ctx context.Context) (int64, error) {
	tables := append(StagingTables(), DimensionalTables(p.opts)...)

	for _, t := range tables {
		if err := p.verify(ctx, t); err != nil {
			return 0, err
		}
	}

	return 0, nil
}

// provision returns the number of relations it created.
func (p *Provisioner) provision(ctx context.Context, tables []Table) (int64, error) {
	if p.opts.Recreate {
		// Drop in reverse creation order so references are removed before their targets.
		for i := len(tables) - 1; i >= 0; i-- {
			t := tables[i]

			_, err := execStatements(ctx, p.db, p.logger, Statement{
				Name:     "drop " + t.Name,
				Relation: t.Name,
				SQL:      t.DropSQL(),
			})
			if err != nil {
				return 0, err
			}
		}
	}

	for _, t := range tables {
		_, err := execStatements(ctx, p.db, p.logger, Statement{
			Name:     "create " + t.Name,
			Relation: t.Name,
			SQL:      t.CreateSQL(p.opts.Dialect, !p.opts.Recreate),
		})
		if err != nil {
			return 0, err
		}

		if !p.opts.Recreate {
			if err := p.verify(ctx, t); err != nil {
				return 0, err
			}
		}

		p.logger.Info("Relation provisioned",
			slog.String("relation", t.Name),
			slog.Bool("recreated", p.opts.Recreate),
		)
	}

	return int64(len(tables)), nil
}

func (p *Provisioner) verify(ctx context.Context, t Table) error {
	existing, err := p.columns(ctx, t.Name)
	if err != nil {
		return fmt.Errorf("%s: failed to read columns: %w", t.Name, err)
	}

	if len(existing) == 0 {
		return &SchemaConflictError{
			Relation: t.Name,
			Missing:  lowerAll(t.ColumnNames()),
			Err:      fmt.Errorf("relation %s does not exist", t.Name),
		}
	}

	declared := lowerAll(t.ColumnNames())

	var missing, unexpected []string

	for _, name := range declared {
		if !slices.Contains(existing, name) {
			missing = append(missing, name)
		}
	}

	for _, name := range existing {
		if !slices.Contains(declared, name) {
			unexpected = append(unexpected, name)
		}
	}

	if len(missing) > 0 || len(unexpected) > 0 {
		return &SchemaConflictError{Relation: t.Name, Missing: missing, Unexpected: unexpected}
	}

	return nil
}

func (p *Provisioner) columns(ctx context.Context, relation string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, columnsQuery, relation)
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = rows.Close()
	}()

	var names []string

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}

		names = append(names, strings.ToLower(name))
	}

	return names, rows.Err()
}

func lowerAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = strings.ToLower(n)
	}

	return out
}
