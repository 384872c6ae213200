// Package warehouse provides the star-schema model of the song-play warehouse and the
// stages that populate it: provisioning, bulk load, cleanse and transform.
//
// Every stage is a set-based SQL operation issued against a single connection. Each
// statement runs in its own transaction and is committed before the next one starts,
// so a failure leaves no partial write for the statement that failed.
package warehouse

import (
	"errors"
	"fmt"
	"strings"
)

type (
	// Dialect selects the SQL flavour rendered for DDL.
	Dialect string

	// ReferentialMode controls whether the fact table enforces its dimension references.
	ReferentialMode string

	// UserPolicy is the conflict-resolution strategy of the user dimension.
	UserPolicy string
)

const (
	// DialectRedshift renders distribution/sort keys and IDENTITY columns.
	DialectRedshift Dialect = "redshift"
	// DialectPostgres renders plain PostgreSQL, used for local runs and integration tests.
	DialectPostgres Dialect = "postgres"
)

const (
	// ReferentialStrict declares NOT NULL + FOREIGN KEY on every fact reference and fails the
	// fact insert when any candidate row references a missing dimension row.
	ReferentialStrict ReferentialMode = "strict"
	// ReferentialLenient leaves fact references nullable and unconstrained; orphaned facts are tolerated.
	ReferentialLenient ReferentialMode = "lenient"
)

const (
	// UserOverwrite keeps one row per user; the latest observed level replaces the stored one.
	UserOverwrite UserPolicy = "overwrite"
	// UserVersioned keys users on (user_id, valid_from); every level change is a new row.
	UserVersioned UserPolicy = "versioned"
	// UserFirstWriter never updates a user after its first insert.
	UserFirstWriter UserPolicy = "first-writer"
)

const (
	// DefaultPlayPage is the page value of a song-play event in the event log.
	DefaultPlayPage = "NextSong"
	// DefaultNullUserSentinel replaces a null user id during cleansing.
	DefaultNullUserSentinel = 0
)

// ErrInvalidOptions is returned when warehouse options fail validation.
var ErrInvalidOptions = errors.New("invalid warehouse options")

// Options configures the schema shape and the transformation semantics.
// The same Options must be used to provision and to transform: the user policy and the
// referential mode both change the shape of d_users and f_songplays.
type Options struct {
	Dialect     Dialect
	Referential ReferentialMode
	UserPolicy  UserPolicy

	// PlayPage is the event page value that marks a song play.
	PlayPage string

	// Recreate drops relations before creating them. When false, relations are created
	// only if missing and their columns are verified against the declared shape.
	Recreate bool
}

// DefaultOptions returns the reference configuration: Redshift, strict references,
// overwrite-on-conflict users.
func DefaultOptions() Options {
	return Options{
		Dialect:     DialectRedshift,
		Referential: ReferentialStrict,
		UserPolicy:  UserOverwrite,
		PlayPage:    DefaultPlayPage,
		Recreate:    true,
	}
}

// Validate checks that every option holds a known value.
func (o Options) Validate() error {
	switch o.Dialect {
	case DialectRedshift, DialectPostgres:
	default:
		return fmt.Errorf("%w: unknown dialect %q", ErrInvalidOptions, o.Dialect)
	}

	switch o.Referential {
	case ReferentialStrict, ReferentialLenient:
	default:
		return fmt.Errorf("%w: unknown referential mode %q", ErrInvalidOptions, o.Referential)
	}

	switch o.UserPolicy {
	case UserOverwrite, UserVersioned, UserFirstWriter:
	default:
		return fmt.Errorf("%w: unknown user policy %q", ErrInvalidOptions, o.UserPolicy)
	}

	if strings.TrimSpace(o.PlayPage) == "" {
		return fmt.Errorf("%w: play page cannot be empty", ErrInvalidOptions)
	}

	return nil
}

// ParseDialect parses a dialect name (case-insensitive).
func ParseDialect(s string) (Dialect, error) {
	d := Dialect(strings.ToLower(strings.TrimSpace(s)))
	switch d {
	case DialectRedshift, DialectPostgres:
		return d, nil
	}

	return "", fmt.Errorf("%w: unknown dialect %q (valid: redshift, postgres)", ErrInvalidOptions, s)
}

// ParseReferentialMode parses a referential mode name (case-insensitive).
func ParseReferentialMode(s string) (ReferentialMode, error) {
	m := ReferentialMode(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case ReferentialStrict, ReferentialLenient:
		return m, nil
	}

	return "", fmt.Errorf("%w: unknown referential mode %q (valid: strict, lenient)", ErrInvalidOptions, s)
}

// ParseUserPolicy parses a user policy name (case-insensitive). "first_writer" is accepted as an alias.
func ParseUserPolicy(s string) (UserPolicy, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")

	p := UserPolicy(normalized)
	switch p {
	case UserOverwrite, UserVersioned, UserFirstWriter:
		return p, nil
	}

	return "", fmt.Errorf(
		"%w: unknown user policy %q (valid: overwrite, versioned, first-writer)",
		ErrInvalidOptions, s,
	)
}
