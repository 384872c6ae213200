package warehouse

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// startTimeExpr converts the epoch-millisecond event timestamp to a UTC timestamp truncated
// to whole seconds, the grain of d_times.
const startTimeExpr = `TIMESTAMP 'epoch' + (e.ts / 1000) * INTERVAL '1 second'`

// validFromExpr keeps the millisecond grain of the event timestamp, so two level
// observations within one second open distinct user versions.
const validFromExpr = `TIMESTAMP 'epoch' + e.ts * INTERVAL '1 millisecond'`

const insertArtistsSQL = `INSERT INTO d_artists (artist_id, name, location, latitude, longitude)
SELECT src.artist_id, src.artist_name, src.artist_location, src.artist_latitude, src.artist_longitude
FROM (
    SELECT s.artist_id, s.artist_name, s.artist_location, s.artist_latitude, s.artist_longitude,
           ROW_NUMBER() OVER (PARTITION BY s.artist_id ORDER BY s.artist_name, s.artist_location, s.song_id) AS rn
    FROM stg_songs s
    WHERE s.artist_id IS NOT NULL
) src
WHERE src.rn = 1
  AND NOT EXISTS (SELECT 1 FROM d_artists a WHERE a.artist_id = src.artist_id)`

const insertSongsSQL = `INSERT INTO d_songs (song_id, title, artist_id, year, duration)
SELECT src.song_id, src.title, src.artist_id, src.year, src.duration
FROM (
    SELECT s.song_id, s.title, s.artist_id, s.year, s.duration,
           ROW_NUMBER() OVER (PARTITION BY s.song_id ORDER BY s.title, s.artist_id) AS rn
    FROM stg_songs s
    WHERE s.song_id IS NOT NULL
) src
WHERE src.rn = 1
  AND NOT EXISTS (SELECT 1 FROM d_songs d WHERE d.song_id = src.song_id)`

const insertTimesSQL = `INSERT INTO d_times (start_time, hour, day, week, month, year, weekday)
SELECT src.start_time,
       EXTRACT(hour FROM src.start_time),
       EXTRACT(day FROM src.start_time),
       EXTRACT(week FROM src.start_time),
       EXTRACT(month FROM src.start_time),
       EXTRACT(year FROM src.start_time),
       EXTRACT(dow FROM src.start_time)
FROM (
    SELECT DISTINCT ` + startTimeExpr + ` AS start_time
    FROM stg_events e
) src
WHERE NOT EXISTS (SELECT 1 FROM d_times t WHERE t.start_time = src.start_time)`

// userObservationSQL returns one observation per user: the latest one when latest is
// true, otherwise the earliest. Ties on ts are broken by itemInSession.
func userObservationSQL(latest bool) string {
	order := "e.ts ASC, e.itemInSession ASC"
	if latest {
		order = "e.ts DESC, e.itemInSession DESC"
	}

	return `SELECT obs.user_id, obs.first_name, obs.last_name, obs.gender, obs.level
FROM (
    SELECT e.userId AS user_id, e.firstName AS first_name, e.lastName AS last_name, e.gender, e.level,
           ROW_NUMBER() OVER (PARTITION BY e.userId ORDER BY ` + order + `) AS rn
    FROM stg_events e
    WHERE e.userId IS NOT NULL
) obs
WHERE obs.rn = 1`
}

func updateUsersSQL() string {
	return `UPDATE d_users
SET first_name = latest.first_name,
    last_name = latest.last_name,
    gender = latest.gender,
    level = latest.level
FROM (
` + userObservationSQL(true) + `
) latest
WHERE d_users.user_id = latest.user_id
  AND (d_users.level <> latest.level
    OR COALESCE(d_users.first_name, '') <> COALESCE(latest.first_name, '')
    OR COALESCE(d_users.last_name, '') <> COALESCE(latest.last_name, '')
    OR COALESCE(d_users.gender, '') <> COALESCE(latest.gender, ''))`
}

func insertUsersSQL(latest bool) string {
	return `INSERT INTO d_users (user_id, first_name, last_name, gender, level)
SELECT src.user_id, src.first_name, src.last_name, src.gender, src.level
FROM (
` + userObservationSQL(latest) + `
) src
WHERE NOT EXISTS (SELECT 1 FROM d_users u WHERE u.user_id = src.user_id)`
}

// insertUserVersionsSQL appends a version for every level change. Stored versions take part
// in change detection, so an observation repeating the current stored level adds nothing.
const insertUserVersionsSQL = `INSERT INTO d_users (user_id, valid_from, first_name, last_name, gender, level)
SELECT v.user_id, v.valid_from, v.first_name, v.last_name, v.gender, v.level
FROM (
    SELECT c.user_id, c.valid_from, c.first_name, c.last_name, c.gender, c.level,
           ROW_NUMBER() OVER (PARTITION BY c.user_id, c.valid_from ORDER BY c.item DESC) AS rn
    FROM (
        SELECT x.user_id, x.valid_from, x.item, x.stored, x.first_name, x.last_name, x.gender, x.level,
               LAG(x.level) OVER (PARTITION BY x.user_id ORDER BY x.valid_from, x.item) AS prev_level
        FROM (
            SELECT u.user_id, u.valid_from, -1 AS item, 1 AS stored,
                   u.first_name, u.last_name, u.gender, u.level
            FROM d_users u
            UNION ALL
            SELECT e.userId, ` + validFromExpr + `, e.itemInSession, 0,
                   e.firstName, e.lastName, e.gender, e.level
            FROM stg_events e
            WHERE e.userId IS NOT NULL
        ) x
    ) c
    WHERE c.stored = 0
      AND (c.prev_level IS NULL OR c.prev_level <> c.level)
) v
WHERE v.rn = 1
  AND NOT EXISTS (SELECT 1 FROM d_users u WHERE u.user_id = v.user_id AND u.valid_from = v.valid_from)`

// playCandidatesSQL selects one fact candidate per play event whose song title and artist
// name both match a staged catalog record exactly. The fact location is the catalog's
// artist location. $1 is the play page value.
func playCandidatesSQL(policy UserPolicy) string {
	versionCol, versionJoin := "", ""

	if policy == UserVersioned {
		versionCol = `
           ver.valid_from AS user_valid_from,`
		versionJoin = `
    LEFT JOIN (
        SELECT u.user_id, u.valid_from,
               LEAD(u.valid_from) OVER (PARTITION BY u.user_id ORDER BY u.valid_from) AS valid_to
        FROM d_users u
    ) ver ON ver.user_id = e.userId
         AND ver.valid_from <= ` + validFromExpr + `
         AND (ver.valid_to IS NULL OR ` + validFromExpr + ` < ver.valid_to)`
	}

	return `SELECT m.*
FROM (
    SELECT ` + startTimeExpr + ` AS start_time,
           e.userId AS user_id,` + versionCol + `
           e.level AS level,
           s.song_id AS song_id,
           s.artist_id AS artist_id,
           e.sessionId AS session_id,
           e.itemInSession AS item_in_session,
           s.artist_location AS location,
           e.userAgent AS user_agent,
           ROW_NUMBER() OVER (
               PARTITION BY e.sessionId, e.itemInSession, e.userId, e.ts
               ORDER BY s.song_id, s.artist_id, s.artist_location) AS rn
    FROM stg_events e
    JOIN stg_songs s ON s.artist_name = e.artist AND s.title = e.song
                    AND s.song_id IS NOT NULL AND s.artist_id IS NOT NULL` + versionJoin + `
    WHERE e.page = $1
) m
WHERE m.rn = 1`
}

// newPlaysSQL restricts the candidates to plays not yet in the fact, by natural key.
func newPlaysSQL(policy UserPolicy) string {
	return `SELECT p.*
FROM (
` + playCandidatesSQL(policy) + `
) p
WHERE NOT EXISTS (
    SELECT 1 FROM f_songplays f
    WHERE f.session_id = p.session_id AND f.item_in_session = p.item_in_session
)`
}

func insertSongplaysSQL(policy UserPolicy) string {
	cols := "start_time, user_id, level, song_id, artist_id, session_id, item_in_session, location, user_agent"
	if policy == UserVersioned {
		cols = "start_time, user_id, user_valid_from, level, song_id, artist_id, session_id, item_in_session, location, user_agent"
	}

	return `INSERT INTO f_songplays (` + cols + `)
SELECT ` + cols + `
FROM (
` + newPlaysSQL(policy) + `
) n`
}

// orphanPlaysSQL counts new plays with a user, time, song or artist reference that has no
// dimension row.
func orphanPlaysSQL(policy UserPolicy) string {
	userMissing := `NOT EXISTS (SELECT 1 FROM d_users u WHERE u.user_id = n.user_id)`
	if policy == UserVersioned {
		userMissing = `n.user_valid_from IS NULL`
	}

	return `SELECT COUNT(*)
FROM (
` + newPlaysSQL(policy) + `
) n
WHERE ` + userMissing + `
   OR NOT EXISTS (SELECT 1 FROM d_times t WHERE t.start_time = n.start_time)
   OR NOT EXISTS (SELECT 1 FROM d_songs s WHERE s.song_id = n.song_id)
   OR NOT EXISTS (SELECT 1 FROM d_artists a WHERE a.artist_id = n.artist_id)`
}

// countPlaysSQL counts distinct play events, keyed the way candidates are collapsed.
const countPlaysSQL = `SELECT COUNT(*) FROM (
    SELECT DISTINCT e.sessionId, e.itemInSession, e.userId, e.ts
    FROM stg_events e
    WHERE e.page = $1
) p`

type (
	// Derivation is one transform/insert operation and the relation it writes.
	Derivation struct {
		Name     string
		Relation string
		Run      func(ctx context.Context) (int64, error)
	}

	// PlayStats compares the play events in staging with those matched against the catalog.
	PlayStats struct {
		Plays   int64
		Matched int64
	}

	// Transformer derives the dimensions and the fact from cleansed staging data.
	Transformer struct {
		db     DB
		opts   Options
		logger *slog.Logger
	}
)

// JoinMisses returns the play events that produce no fact row because their artist and
// title have no catalog match.
func (s PlayStats) JoinMisses() int64 {
	return s.Plays - s.Matched
}

// NewTransformer creates a Transformer. A nil logger discards output.
func NewTransformer(db DB, opts Options, logger *slog.Logger) (*Transformer, error) {
	if db == nil {
		return nil, ErrNoDatabase
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = discardLogger()
	}

	return &Transformer{db: db, opts: opts, logger: logger}, nil
}

// Derivations returns the derivations in dependency order: artists, songs, times, users,
// then the fact.
func (t *Transformer) Derivations() []Derivation {
	return []Derivation{
		{Name: "derive artists", Relation: DimArtists, Run: t.DeriveArtists},
		{Name: "derive songs", Relation: DimSongs, Run: t.DeriveSongs},
		{Name: "derive times", Relation: DimTimes, Run: t.DeriveTimes},
		{Name: "derive users", Relation: DimUsers, Run: t.DeriveUsers},
		{Name: "derive songplays", Relation: FactSongplays, Run: t.DeriveSongplays},
	}
}

// Transform runs every derivation in order and returns the total rows written.
func (t *Transformer) Transform(ctx context.Context) (int64, error) {
	var total int64

	for _, d := range t.Derivations() {
		rows, err := d.Run(ctx)
		if err != nil {
			return 0, err
		}

		total += rows
	}

	return total, nil
}

// DeriveArtists inserts catalog artists not yet present. Existing artists are never updated.
func (t *Transformer) DeriveArtists(ctx context.Context) (int64, error) {
	return t.run(ctx, DimArtists, Statement{Name: "insert artists", Relation: DimArtists, SQL: insertArtistsSQL})
}

// DeriveSongs inserts catalog songs not yet present. Existing songs are never updated.
func (t *Transformer) DeriveSongs(ctx context.Context) (int64, error) {
	return t.run(ctx, DimSongs, Statement{Name: "insert songs", Relation: DimSongs, SQL: insertSongsSQL})
}

// DeriveTimes inserts one row per distinct event timestamp not yet present, with calendar
// parts computed in UTC. Weekday counts from Sunday = 0.
func (t *Transformer) DeriveTimes(ctx context.Context) (int64, error) {
	return t.run(ctx, DimTimes, Statement{Name: "insert times", Relation: DimTimes, SQL: insertTimesSQL})
}

// DeriveUsers applies the configured user policy.
func (t *Transformer) DeriveUsers(ctx context.Context) (int64, error) {
	switch t.opts.UserPolicy {
	case UserVersioned:
		return t.run(ctx, DimUsers,
			Statement{Name: "insert user versions", Relation: DimUsers, SQL: insertUserVersionsSQL})
	case UserFirstWriter:
		return t.run(ctx, DimUsers,
			Statement{Name: "insert new users", Relation: DimUsers, SQL: insertUsersSQL(false)})
	default:
		return t.run(ctx, DimUsers,
			Statement{Name: "update changed users", Relation: DimUsers, SQL: updateUsersSQL()},
			Statement{Name: "insert new users", Relation: DimUsers, SQL: insertUsersSQL(true)},
		)
	}
}

// DeriveSongplays inserts one fact row per matched play event not yet recorded. In strict
// mode the insert is refused when any new play references a missing dimension row.
func (t *Transformer) DeriveSongplays(ctx context.Context) (int64, error) {
	start := time.Now()

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify(FactSongplays, err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	if t.opts.Referential == ReferentialStrict {
		var orphans int64
		if err := tx.QueryRowContext(ctx, orphanPlaysSQL(t.opts.UserPolicy), t.opts.PlayPage).Scan(&orphans); err != nil {
			return 0, classify(FactSongplays, err)
		}

		if orphans > 0 {
			return 0, &ReferentialViolationError{
				Relation:   FactSongplays,
				Constraint: "dimension references",
				Orphans:    orphans,
			}
		}
	}

	res, err := tx.ExecContext(ctx, insertSongplaysSQL(t.opts.UserPolicy), t.opts.PlayPage)
	if err != nil {
		return 0, classify(FactSongplays, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		rows = 0
	}

	if err := tx.Commit(); err != nil {
		return 0, classify(FactSongplays, err)
	}

	t.logger.Info("Derivation complete",
		slog.String("relation", FactSongplays),
		slog.Int64("rows", rows),
		slog.Duration("duration", time.Since(start)),
	)

	return rows, nil
}

// PlayStats counts play events in staging and how many of them match the catalog.
func (t *Transformer) PlayStats(ctx context.Context) (PlayStats, error) {
	var stats PlayStats

	if err := t.db.QueryRowContext(ctx, countPlaysSQL, t.opts.PlayPage).Scan(&stats.Plays); err != nil {
		return PlayStats{}, fmt.Errorf("failed to count play events: %w", err)
	}

	matched := `SELECT COUNT(*) FROM (
` + playCandidatesSQL(UserOverwrite) + `
) c`

	if err := t.db.QueryRowContext(ctx, matched, t.opts.PlayPage).Scan(&stats.Matched); err != nil {
		return PlayStats{}, fmt.Errorf("failed to count matched plays: %w", err)
	}

	return stats, nil
}

func (t *Transformer) run(ctx context.Context, relation string, stmts ...Statement) (int64, error) {
	start := time.Now()

	rows, err := execStatements(ctx, t.db, t.logger, stmts...)
	if err != nil {
		return 0, err
	}

	t.logger.Info("Derivation complete",
		slog.String("relation", relation),
		slog.Int64("rows", rows),
		slog.Duration("duration", time.Since(start)),
	)

	return rows, nil
}
