package warehouse

import "strings"

// Relation names.
const (
	StagingEvents = "stg_events"
	StagingSongs  = "stg_songs"
	DimUsers      = "d_users"
	DimSongs      = "d_songs"
	DimArtists    = "d_artists"
	DimTimes      = "d_times"
	FactSongplays = "f_songplays"
)

// ColumnKind groups SQL types by how a JSON value is converted for them.
type ColumnKind int

// Column kinds.
const (
	KindText ColumnKind = iota
	KindInteger
	KindNumeric
	KindTimestamp
)

type (
	// Column is a declared column of a relation.
	Column struct {
		Name    string
		Type    string
		Kind    ColumnKind
		NotNull bool

		// Identity marks a generated surrogate key.
		Identity bool
		// DistKey and SortKey are Redshift column attributes; other dialects ignore them.
		DistKey bool
		SortKey bool
	}

	// ForeignKey is a table-level reference to another relation.
	ForeignKey struct {
		Columns    []string
		RefTable   string
		RefColumns []string
	}

	// Table is a declared relation.
	Table struct {
		Name        string
		Columns     []Column
		PrimaryKey  []string
		ForeignKeys []ForeignKey

		// Staging relations never enforce keys: they must accept duplicates and garbage.
		Staging bool
		// DistStyleAll replicates small dimensions to every Redshift node.
		DistStyleAll bool
	}
)

// Column returns the column with the given name (case-insensitive).
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}

	return Column{}, false
}

// ColumnNames returns the declared column names in order.
func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}

	return names
}

// loadableColumns returns the columns a bulk load writes to (every non-identity column).
func (t Table) loadableColumns() []Column {
	cols := make([]Column, 0, len(t.Columns))
	for _, c := range t.Columns {
		if !c.Identity {
			cols = append(cols, c)
		}
	}

	return cols
}

func text(name string, size string) Column {
	return Column{Name: name, Type: "varchar(" + size + ")", Kind: KindText}
}

func integer(name, typ string) Column {
	return Column{Name: name, Type: typ, Kind: KindInteger}
}

func numeric(name string) Column {
	return Column{Name: name, Type: "numeric", Kind: KindNumeric}
}

func timestamp(name string) Column {
	return Column{Name: name, Type: "timestamp", Kind: KindTimestamp}
}

func required(c Column) Column {
	c.NotNull = true
	return c
}

// StagingEventsTable mirrors one raw event-log record. Column order is the order a
// JSONPaths manifest must list its paths in.
func StagingEventsTable() Table {
	return Table{
		Name:    StagingEvents,
		Staging: true,
		Columns: []Column{
			text("artist", "200"),
			required(text("auth", "10")),
			text("firstName", "80"),
			{Name: "gender", Type: "character", Kind: KindText},
			integer("itemInSession", "integer"),
			text("lastName", "100"),
			numeric("length"),
			required(text("level", "10")),
			text("location", "200"),
			required(text("method", "4")),
			required(text("page", "20")),
			numeric("registration"),
			integer("sessionId", "integer"),
			text("song", "200"),
			required(integer("status", "integer")),
			required(integer("ts", "bigint")),
			text("userAgent", "200"),
			integer("userId", "integer"),
		},
		PrimaryKey: []string{"sessionId", "itemInSession"},
	}
}

// StagingSongsTable mirrors one song-catalog record; JSON keys equal column names.
func StagingSongsTable() Table {
	return Table{
		Name:    StagingSongs,
		Staging: true,
		Columns: []Column{
			required(text("artist_id", "18")),
			numeric("artist_latitude"),
			text("artist_location", "200"),
			numeric("artist_longitude"),
			required(text("artist_name", "200")),
			required(numeric("duration")),
			required(integer("num_songs", "integer")),
			text("song_id", "18"),
			required(text("title", "200")),
			integer("year", "smallint"),
		},
		PrimaryKey: []string{"song_id"},
	}
}

// StagingTables returns the staging relations in creation order.
func StagingTables() []Table {
	return []Table{StagingEventsTable(), StagingSongsTable()}
}

// UsersTable returns d_users for the given policy. Under UserVersioned the key is
// (user_id, valid_from).
func UsersTable(policy UserPolicy) Table {
	t := Table{
		Name:         DimUsers,
		DistStyleAll: true,
		Columns: []Column{
			required(integer("user_id", "integer")),
		},
		PrimaryKey: []string{"user_id"},
	}

	if policy == UserVersioned {
		t.Columns = append(t.Columns, required(timestamp("valid_from")))
		t.PrimaryKey = []string{"user_id", "valid_from"}
	}

	t.Columns = append(t.Columns,
		text("first_name", "80"),
		text("last_name", "100"),
		Column{Name: "gender", Type: "character", Kind: KindText},
		required(text("level", "10")),
	)

	return t
}

// ArtistsTable returns d_artists.
func ArtistsTable() Table {
	return Table{
		Name:         DimArtists,
		DistStyleAll: true,
		Columns: []Column{
			required(text("artist_id", "18")),
			required(text("name", "200")),
			text("location", "200"),
			numeric("latitude"),
			numeric("longitude"),
		},
		PrimaryKey: []string{"artist_id"},
	}
}

// SongsTable returns d_songs. In strict mode artist_id references d_artists.
func SongsTable(mode ReferentialMode) Table {
	artistID := required(text("artist_id", "18"))
	songID := required(text("song_id", "18"))
	songID.DistKey = true

	t := Table{
		Name: DimSongs,
		Columns: []Column{
			songID,
			required(text("title", "200")),
			artistID,
			integer("year", "integer"),
			numeric("duration"),
		},
		PrimaryKey: []string{"song_id"},
	}

	if mode == ReferentialStrict {
		t.ForeignKeys = []ForeignKey{
			{Columns: []string{"artist_id"}, RefTable: DimArtists, RefColumns: []string{"artist_id"}},
		}
	}

	return t
}

// TimesTable returns d_times, keyed on the start time truncated to whole seconds.
func TimesTable() Table {
	startTime := required(timestamp("start_time"))
	startTime.SortKey = true

	return Table{
		Name:         DimTimes,
		DistStyleAll: true,
		Columns: []Column{
			startTime,
			integer("hour", "smallint"),
			required(integer("day", "smallint")),
			required(integer("week", "smallint")),
			required(integer("month", "smallint")),
			required(integer("year", "smallint")),
			required(integer("weekday", "smallint")),
		},
		PrimaryKey: []string{"start_time"},
	}
}

// SongplaysTable returns f_songplays for the given options.
//
// The level column is a snapshot of the user's subscription level at play time. It is
// kept on the fact under every user policy because d_users.level is overwritten (or
// frozen) under the non-versioned policies.
func SongplaysTable(mode ReferentialMode, policy UserPolicy) Table {
	strict := mode == ReferentialStrict

	ref := func(c Column) Column {
		if strict {
			c.NotNull = true
		}

		return c
	}

	startTime := ref(timestamp("start_time"))
	startTime.SortKey = true
	songID := ref(text("song_id", "18"))
	songID.DistKey = true

	cols := []Column{
		{Name: "songplay_id", Type: "bigint", Kind: KindInteger, NotNull: true, Identity: true},
		startTime,
		ref(integer("user_id", "integer")),
	}

	if policy == UserVersioned {
		cols = append(cols, ref(timestamp("user_valid_from")))
	}

	cols = append(cols,
		text("level", "10"),
		songID,
		ref(text("artist_id", "18")),
		integer("session_id", "integer"),
		integer("item_in_session", "integer"),
		text("location", "200"),
		text("user_agent", "200"),
	)

	t := Table{
		Name:       FactSongplays,
		Columns:    cols,
		PrimaryKey: []string{"songplay_id"},
	}

	if !strict {
		return t
	}

	userRef := ForeignKey{Columns: []string{"user_id"}, RefTable: DimUsers, RefColumns: []string{"user_id"}}
	if policy == UserVersioned {
		userRef = ForeignKey{
			Columns:    []string{"user_id", "user_valid_from"},
			RefTable:   DimUsers,
			RefColumns: []string{"user_id", "valid_from"},
		}
	}

	t.ForeignKeys = []ForeignKey{
		{Columns: []string{"start_time"}, RefTable: DimTimes, RefColumns: []string{"start_time"}},
		userRef,
		{Columns: []string{"song_id"}, RefTable: DimSongs, RefColumns: []string{"song_id"}},
		{Columns: []string{"artist_id"}, RefTable: DimArtists, RefColumns: []string{"artist_id"}},
	}

	return t
}

// DimensionalTables returns the dimensions and the fact in creation order
// (referenced relations first).
func DimensionalTables(opts Options) []Table {
	return []Table{
		UsersTable(opts.UserPolicy),
		ArtistsTable(),
		SongsTable(opts.Referential),
		TimesTable(),
		SongplaysTable(opts.Referential, opts.UserPolicy),
	}
}

// LookupTable returns the declared relation with the given name.
func LookupTable(name string, opts Options) (Table, bool) {
	all := append(StagingTables(), DimensionalTables(opts)...)
	for _, t := range all {
		if t.Name == name {
			return t, true
		}
	}

	return Table{}, false
}
