// Package migrations embeds the run-log schema migrations and validates them before use.
//
// Migration files follow the strict naming standard 001_name.up.sql / 001_name.down.sql.
// A Catalog rejects malformed names, unpaired files, sequence gaps and files whose content
// changed after the first validation.
package migrations

import (
	"crypto/sha256"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed *.sql
var embedded embed.FS

// filenameRegex matches 001_migration_name.up.sql or 001_migration_name.down.sql.
var filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// ErrNoMigrations is returned when the catalog holds no migration files.
var ErrNoMigrations = errors.New("no migration files found")

type (
	// Catalog is a validated set of migration files.
	Catalog struct {
		fs        fs.FS
		checksums map[string]string // filename -> checksum
	}

	// Info is the parsed form of a migration filename.
	Info struct {
		Sequence  int
		Name      string
		Direction string // "up" or "down"
		Filename  string
	}
)

// New creates a Catalog over filesystem. Pass nil to use the embedded migrations.
func New(filesystem fs.FS) *Catalog {
	if filesystem == nil {
		filesystem = embedded
	}

	return &Catalog{
		fs:        filesystem,
		checksums: make(map[string]string),
	}
}

// FS returns the migration filesystem.
func (c *Catalog) FS() fs.FS {
	return c.fs
}

// Source returns a golang-migrate source driver reading the catalog.
func (c *Catalog) Source() (source.Driver, error) {
	drv, err := iofs.New(c.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	return drv, nil
}

// List returns the migration files that conform to the naming standard, sorted.
// 001_name.down.sql sorts before 001_name.up.sql, which sorts before 002_*.
func (c *Catalog) List() ([]string, error) {
	entries, err := fs.ReadDir(c.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if filepath.Ext(name) == ".sql" && filenameRegex.MatchString(name) {
			files = append(files, name)
		}
	}

	sort.Strings(files)

	return files, nil
}

// Validate checks naming, up/down pairing, sequence continuity and, from the second call
// on, that no file changed since the previous call.
func (c *Catalog) Validate() error {
	files, err := c.List()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return ErrNoMigrations
	}

	infos := make([]*Info, 0, len(files))

	for _, file := range files {
		info, err := Parse(file)
		if err != nil {
			return fmt.Errorf("filename validation failed for %s: %w", file, err)
		}

		infos = append(infos, info)
	}

	if err := validatePairing(infos); err != nil {
		return err
	}

	if err := validateSequence(infos); err != nil {
		return err
	}

	sums := make(map[string]string, len(files))

	for _, file := range files {
		content, err := c.Content(file)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file, err)
		}

		sum := checksum(content)
		if stored, ok := c.checksums[file]; ok && stored != sum {
			return fmt.Errorf("checksum mismatch for %s: file has been modified", file)
		}

		sums[file] = sum
	}

	c.checksums = sums

	return nil
}

// Content returns the content of one migration file.
func (c *Catalog) Content(filename string) ([]byte, error) {
	return fs.ReadFile(c.fs, filename)
}

// MaxVersion returns the highest sequence number in the catalog, or 0 when it is empty.
func (c *Catalog) MaxVersion() int {
	files, err := c.List()
	if err != nil {
		return 0
	}

	maxSequence := 0

	for _, file := range files {
		if info, err := Parse(file); err == nil && info.Sequence > maxSequence {
			maxSequence = info.Sequence
		}
	}

	return maxSequence
}

// Parse parses a migration filename.
func Parse(filename string) (*Info, error) {
	matches := filenameRegex.FindStringSubmatch(filename)
	if len(matches) != 4 {
		return nil, fmt.Errorf(
			"invalid migration filename format: %s (expected: 001_name.up.sql or 001_name.down.sql)",
			filename,
		)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid sequence number in filename %s: %w", filename, err)
	}

	return &Info{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

// validatePairing ensures every up migration has a down migration and vice versa.
func validatePairing(infos []*Info) error {
	pairs := make(map[string]map[string]bool) // 001_name -> direction -> present

	for _, info := range infos {
		key := fmt.Sprintf("%03d_%s", info.Sequence, info.Name)
		if pairs[key] == nil {
			pairs[key] = make(map[string]bool)
		}

		pairs[key][info.Direction] = true
	}

	keys := make([]string, 0, len(pairs))
	for key := range pairs {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	for _, key := range keys {
		directions := pairs[key]
		if !directions["up"] {
			return fmt.Errorf("orphaned down migration: missing up migration for %s", key)
		}

		if !directions["down"] {
			return fmt.Errorf("orphaned up migration: missing down migration for %s", key)
		}
	}

	return nil
}

// validateSequence ensures sequence numbers start at 001 with no gaps.
func validateSequence(infos []*Info) error {
	seen := make(map[int]bool)

	var sequences []int

	for _, info := range infos {
		if !seen[info.Sequence] {
			seen[info.Sequence] = true
			sequences = append(sequences, info.Sequence)
		}
	}

	sort.Ints(sequences)

	if len(sequences) == 0 {
		return nil
	}

	if sequences[0] != 1 {
		return fmt.Errorf("migration sequence should start with 001, but found %03d", sequences[0])
	}

	for i := 1; i < len(sequences); i++ {
		if expected := sequences[i-1] + 1; sequences[i] != expected {
			return fmt.Errorf("gap in migration sequence: expected %03d, found %03d", expected, sequences[i])
		}
	}

	return nil
}

func checksum(content []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(content))
}
