package warehouse

import (
	"strings"
)

// CreateSQL renders the CREATE TABLE statement of t for dialect d.
func (t Table) CreateSQL(d Dialect, ifNotExists bool) string {
	var b strings.Builder

	b.WriteString("CREATE TABLE ")

	if ifNotExists {
		b.WriteString("IF NOT EXISTS ")
	}

	b.WriteString(t.Name)
	b.WriteString(" (\n")

	lines := make([]string, 0, len(t.Columns)+len(t.ForeignKeys)+1)
	for _, c := range t.Columns {
		lines = append(lines, "  "+c.definition(d))
	}

	// Postgres enforces primary keys, which staging must not do.
	if len(t.PrimaryKey) > 0 && (!t.Staging || d == DialectRedshift) {
		lines = append(lines, "  PRIMARY KEY ("+strings.Join(t.PrimaryKey, ", ")+")")
	}

	for _, fk := range t.ForeignKeys {
		lines = append(lines, "  FOREIGN KEY ("+strings.Join(fk.Columns, ", ")+") REFERENCES "+
			fk.RefTable+" ("+strings.Join(fk.RefColumns, ", ")+")")
	}

	b.WriteString(strings.Join(lines, ",\n"))
	b.WriteString("\n)")

	if d == DialectRedshift && t.DistStyleAll {
		b.WriteString(" DISTSTYLE ALL")
	}

	b.WriteString(";")

	return b.String()
}

// DropSQL renders the DROP TABLE statement of t.
func (t Table) DropSQL() string {
	return "DROP TABLE IF EXISTS " + t.Name + ";"
}

func (c Column) definition(d Dialect) string {
	parts := []string{c.Name, c.Type}

	if c.Identity {
		if d == DialectRedshift {
			parts = append(parts, "IDENTITY(0, 1)")
		} else {
			parts = append(parts, "GENERATED BY DEFAULT AS IDENTITY")
		}
	}

	if c.NotNull {
		parts = append(parts, "NOT NULL")
	}

	if d == DialectRedshift {
		if c.DistKey {
			parts = append(parts, "DISTKEY")
		}

		if c.SortKey {
			parts = append(parts, "SORTKEY")
		}
	}

	return strings.Join(parts, " ")
}
