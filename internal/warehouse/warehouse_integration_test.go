package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/correlator-io/songplays/internal/config"
	"github.com/correlator-io/songplays/internal/objectstore"
)

// firstPlay is 2018-11-03 01:19:13.796 UTC.
const firstPlay int64 = 1541207953796

var eventPaths = []string{
	"$.artist", "$.auth", "$.firstName", "$.gender", "$.itemInSession", "$.lastName",
	"$.length", "$.level", "$.location", "$.method", "$.page", "$.registration",
	"$.sessionId", "$.song", "$.status", "$.ts", "$.userAgent", "$.userId",
}

type (
	testEvent struct {
		User    string // empty for a logged-out event
		Level   string
		Page    string
		Artist  string
		Song    string
		Session int
		Item    int
		TS      int64
	}

	testSong struct {
		ID, Title, ArtistID, ArtistName, Location string
	}

	testWarehouse struct {
		db          *sql.DB
		provisioner *Provisioner
		loader      *BulkLoader
		cleanser    *Cleanser
		transformer *Transformer
	}
)

func (e testEvent) JSON() string {
	nullable := func(s string) string {
		if s == "" {
			return "null"
		}

		return strconv.Quote(s)
	}

	return fmt.Sprintf(`{"artist":%s,"auth":"Logged In","firstName":"Kaylee","gender":"F",`+
		`"itemInSession":%d,"lastName":"Summers","length":218.93179,"level":%q,`+
		`"location":"Phoenix-Mesa-Scottsdale, AZ","method":"PUT","page":%q,`+
		`"registration":1.540344794796E12,"sessionId":%d,"song":%s,"status":200,"ts":%d,`+
		`"userAgent":"Mozilla/5.0","userId":%q}`,
		nullable(e.Artist), e.Item, e.Level, e.Page, e.Session, nullable(e.Song), e.TS, e.User)
}

func (s testSong) JSON() string {
	return fmt.Sprintf(`{"num_songs": 1, "artist_id": %q, "artist_latitude": null, "artist_longitude": null, `+
		`"artist_location": %q, "artist_name": %q, "song_id": %q, "title": %q, "duration": 218.93179, "year": 0}`,
		s.ArtistID, s.Location, s.ArtistName, s.ID, s.Title)
}

func play(user, level, artist, song string, session, item int, ts int64) testEvent {
	return testEvent{User: user, Level: level, Page: "play", Artist: artist, Song: song, Session: session, Item: item, TS: ts}
}

// writeSources lays out a log_data directory, a song_data directory with one object per
// song record, and a JSONPaths manifest for the events. Repeated records land in separate
// objects.
func writeSources(t *testing.T, events []testEvent, songs []testSong) (Source, Source) {
	t.Helper()

	root := t.TempDir()
	logDir := filepath.Join(root, "log_data")
	songDir := filepath.Join(root, "song_data")

	require.NoError(t, os.MkdirAll(logDir, 0o750))
	require.NoError(t, os.MkdirAll(songDir, 0o750))

	lines := make([]string, len(events))
	for i, e := range events {
		lines[i] = e.JSON()
	}

	require.NoError(t, os.WriteFile(filepath.Join(logDir, "2018-11-03-events.json"),
		[]byte(strings.Join(lines, "\n")+"\n"), 0o600))

	for i, s := range songs {
		name := fmt.Sprintf("%02d-%s.json", i, s.ID)
		require.NoError(t, os.WriteFile(filepath.Join(songDir, name), []byte(s.JSON()), 0o600))
	}

	quoted := make([]string, len(eventPaths))
	for i, p := range eventPaths {
		quoted[i] = strconv.Quote(p)
	}

	manifest := filepath.Join(root, "log_json_path.json")
	require.NoError(t, os.WriteFile(manifest,
		[]byte(`{"jsonpaths": [`+strings.Join(quoted, ", ")+`]}`), 0o600))

	return EventSource(logDir, manifest), SongSource(songDir)
}

func newTestWarehouse(t *testing.T, db *sql.DB, opts Options) *testWarehouse {
	t.Helper()

	provisioner, err := NewProvisioner(db, opts, nil)
	require.NoError(t, err)

	loader, err := NewBulkLoader(db, objectstore.NewDirStore(), nil)
	require.NoError(t, err)

	cleanser, err := NewCleanser(db, DefaultRules(), nil)
	require.NoError(t, err)

	transformer, err := NewTransformer(db, opts, nil)
	require.NoError(t, err)

	return &testWarehouse{
		db:          db,
		provisioner: provisioner,
		loader:      loader,
		cleanser:    cleanser,
		transformer: transformer,
	}
}

func (w *testWarehouse) provision(ctx context.Context, t *testing.T) {
	t.Helper()

	_, err := w.provisioner.ProvisionStaging(ctx)
	require.NoError(t, err)

	_, err = w.provisioner.ProvisionDimensional(ctx)
	require.NoError(t, err)
}

// elt loads staging from fresh sources, cleanses it and runs every derivation.
func (w *testWarehouse) elt(ctx context.Context, t *testing.T, events []testEvent, songs []testSong) {
	t.Helper()

	eventSrc, songSrc := writeSources(t, events, songs)

	n, err := w.loader.Load(ctx, eventSrc)
	require.NoError(t, err)
	assert.Equal(t, int64(len(events)), n)

	n, err = w.loader.Load(ctx, songSrc)
	require.NoError(t, err)
	assert.Equal(t, int64(len(songs)), n)

	_, err = w.cleanser.Cleanse(ctx)
	require.NoError(t, err)

	_, err = w.transformer.Transform(ctx)
	require.NoError(t, err)
}

// reloadStaging empties the staging relations and keeps the dimensional model.
func (w *testWarehouse) reloadStaging(ctx context.Context, t *testing.T) {
	t.Helper()

	_, err := w.provisioner.ProvisionStaging(ctx)
	require.NoError(t, err)
}

func (w *testWarehouse) count(ctx context.Context, t *testing.T, query string, args ...any) int64 {
	t.Helper()

	var n int64
	require.NoError(t, w.db.QueryRowContext(ctx, query, args...).Scan(&n))

	return n
}

func postgresOptions(policy UserPolicy) Options {
	return Options{
		Dialect:     DialectPostgres,
		Referential: ReferentialStrict,
		UserPolicy:  policy,
		PlayPage:    "play",
		Recreate:    true,
	}
}

func TestWarehouseIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	catalog := []testSong{{ID: "S1", Title: "T", ArtistID: "A1", ArtistName: "A", Location: "Chicago, IL"}}

	t.Run("end to end", func(t *testing.T) {
		w := newTestWarehouse(t, testDB.Connection, postgresOptions(UserOverwrite))
		w.provision(ctx, t)
		w.elt(ctx, t, []testEvent{
			play("7", "free", "A", "T", 139, 0, firstPlay),
			play("8", "free", "B", "X", 140, 0, firstPlay+1000),
		}, catalog)

		assert.Equal(t, int64(1), w.count(ctx, t, `SELECT COUNT(*) FROM f_songplays`))

		var (
			userID, sessionID                 int64
			songID, artistID, level, location string
		)

		err := w.db.QueryRowContext(ctx,
			`SELECT user_id, song_id, artist_id, level, session_id, location FROM f_songplays`).
			Scan(&userID, &songID, &artistID, &level, &sessionID, &location)
		require.NoError(t, err)
		assert.Equal(t, int64(7), userID)
		assert.Equal(t, "S1", songID)
		assert.Equal(t, "A1", artistID)
		assert.Equal(t, "free", level)
		assert.Equal(t, int64(139), sessionID)
		assert.Equal(t, "Chicago, IL", location)

		var hour, day, week, month, year, weekday int

		err = w.db.QueryRowContext(ctx,
			`SELECT hour, day, week, month, year, weekday FROM d_times
			 WHERE start_time = TIMESTAMP '2018-11-03 01:19:13'`).
			Scan(&hour, &day, &week, &month, &year, &weekday)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 3, 44, 11, 2018, 6}, []int{hour, day, week, month, year, weekday})

		assert.Equal(t, int64(2), w.count(ctx, t, `SELECT COUNT(*) FROM d_times`))
		assert.Equal(t, int64(2), w.count(ctx, t, `SELECT COUNT(*) FROM d_users`))
		assert.Equal(t, int64(1), w.count(ctx, t, `SELECT COUNT(*) FROM d_artists`))
		assert.Equal(t, int64(1), w.count(ctx, t, `SELECT COUNT(*) FROM d_songs`))

		stats, err := w.transformer.PlayStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, PlayStats{Plays: 2, Matched: 1}, stats)
		assert.Equal(t, int64(1), stats.JoinMisses())
	})

	t.Run("artist listed under several names matches each name", func(t *testing.T) {
		w := newTestWarehouse(t, testDB.Connection, postgresOptions(UserOverwrite))
		w.provision(ctx, t)
		w.elt(ctx, t, []testEvent{play("7", "free", "A feat. B", "U", 139, 0, firstPlay)}, []testSong{
			{ID: "S1", Title: "T", ArtistID: "A1", ArtistName: "A"},
			{ID: "S2", Title: "U", ArtistID: "A1", ArtistName: "A feat. B"},
		})

		var name string
		require.NoError(t, w.db.QueryRowContext(ctx, `SELECT name FROM d_artists WHERE artist_id = 'A1'`).Scan(&name))
		assert.Equal(t, "A", name)

		assert.Equal(t, int64(1), w.count(ctx, t,
			`SELECT COUNT(*) FROM f_songplays WHERE song_id = 'S2' AND artist_id = 'A1'`))

		stats, err := w.transformer.PlayStats(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.JoinMisses())
	})

	t.Run("repeated catalog records are tolerated", func(t *testing.T) {
		w := newTestWarehouse(t, testDB.Connection, postgresOptions(UserOverwrite))
		w.provision(ctx, t)
		w.elt(ctx, t, []testEvent{
			play("7", "free", "A", "T", 139, 0, firstPlay),
			play("7", "free", "B", "T", 139, 1, firstPlay+1000),
			play("7", "free", "A feat. B", "U", 139, 2, firstPlay+2000),
		}, []testSong{
			{ID: "S1", Title: "T", ArtistID: "A1", ArtistName: "A"},
			{ID: "S1", Title: "T", ArtistID: "A1", ArtistName: "A"},
			{ID: "S2", Title: "U", ArtistID: "A1", ArtistName: "A feat. B"},
			{ID: "S3", Title: "T", ArtistID: "A2", ArtistName: "B"},
		})

		assert.Equal(t, int64(3), w.count(ctx, t, `SELECT COUNT(*) FROM d_songs`))
		assert.Equal(t, int64(2), w.count(ctx, t, `SELECT COUNT(*) FROM d_artists`))
		assert.Equal(t, int64(3), w.count(ctx, t, `SELECT COUNT(*) FROM f_songplays`))
		assert.Equal(t, int64(1), w.count(ctx, t,
			`SELECT COUNT(*) FROM f_songplays WHERE item_in_session = 0 AND song_id = 'S1' AND artist_id = 'A1'`))
		assert.Equal(t, int64(1), w.count(ctx, t,
			`SELECT COUNT(*) FROM f_songplays WHERE item_in_session = 1 AND song_id = 'S3' AND artist_id = 'A2'`))

		stats, err := w.transformer.PlayStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, PlayStats{Plays: 3, Matched: 3}, stats)
	})

	t.Run("repeated play event counts once", func(t *testing.T) {
		w := newTestWarehouse(t, testDB.Connection, postgresOptions(UserOverwrite))
		w.provision(ctx, t)
		w.elt(ctx, t, []testEvent{
			play("7", "free", "A", "T", 139, 0, firstPlay),
			play("7", "free", "A", "T", 139, 0, firstPlay),
			play("7", "free", "B", "X", 139, 1, firstPlay+1000),
		}, catalog)

		assert.Equal(t, int64(1), w.count(ctx, t, `SELECT COUNT(*) FROM f_songplays`))

		stats, err := w.transformer.PlayStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, PlayStats{Plays: 2, Matched: 1}, stats)
		assert.Equal(t, int64(1), stats.JoinMisses())
	})

	t.Run("rerun over unchanged staging writes nothing", func(t *testing.T) {
		w := newTestWarehouse(t, testDB.Connection, postgresOptions(UserOverwrite))
		w.provision(ctx, t)
		w.elt(ctx, t, []testEvent{play("7", "free", "A", "T", 139, 0, firstPlay)}, catalog)

		for _, d := range w.transformer.Derivations() {
			rows, err := d.Run(ctx)
			require.NoError(t, err, d.Name)
			assert.Zero(t, rows, d.Name)
		}

		assert.Equal(t, int64(1), w.count(ctx, t, `SELECT COUNT(*) FROM f_songplays`))
	})

	t.Run("overwrite keeps the latest level", func(t *testing.T) {
		w := newTestWarehouse(t, testDB.Connection, postgresOptions(UserOverwrite))
		w.provision(ctx, t)
		w.elt(ctx, t, []testEvent{play("7", "free", "A", "T", 139, 0, firstPlay)}, catalog)

		w.reloadStaging(ctx, t)
		w.elt(ctx, t, []testEvent{play("7", "paid", "A", "T", 139, 1, firstPlay+60_000)}, catalog)

		var level string
		require.NoError(t, w.db.QueryRowContext(ctx, `SELECT level FROM d_users WHERE user_id = 7`).Scan(&level))
		assert.Equal(t, "paid", level)
		assert.Equal(t, int64(1), w.count(ctx, t, `SELECT COUNT(*) FROM d_users`))

		// The fact keeps the level observed at play time.
		assert.Equal(t, int64(1), w.count(ctx, t, `SELECT COUNT(*) FROM f_songplays WHERE level = 'free'`))
		assert.Equal(t, int64(1), w.count(ctx, t, `SELECT COUNT(*) FROM f_songplays WHERE level = 'paid'`))
	})

	t.Run("overwrite within one load takes the later observation", func(t *testing.T) {
		w := newTestWarehouse(t, testDB.Connection, postgresOptions(UserOverwrite))
		w.provision(ctx, t)
		w.elt(ctx, t, []testEvent{
			play("7", "free", "A", "T", 139, 0, firstPlay),
			play("7", "paid", "A", "T", 139, 1, firstPlay+60_000),
		}, catalog)

		var level string
		require.NoError(t, w.db.QueryRowContext(ctx, `SELECT level FROM d_users WHERE user_id = 7`).Scan(&level))
		assert.Equal(t, "paid", level)
		assert.Equal(t, int64(1), w.count(ctx, t, `SELECT COUNT(*) FROM d_users WHERE user_id = 7`))
	})

	t.Run("first writer keeps the first level", func(t *testing.T) {
		w := newTestWarehouse(t, testDB.Connection, postgresOptions(UserFirstWriter))
		w.provision(ctx, t)
		w.elt(ctx, t, []testEvent{
			play("7", "free", "A", "T", 139, 0, firstPlay),
			play("7", "paid", "A", "T", 139, 1, firstPlay+60_000),
		}, catalog)

		var level string
		require.NoError(t, w.db.QueryRowContext(ctx, `SELECT level FROM d_users WHERE user_id = 7`).Scan(&level))
		assert.Equal(t, "free", level)
	})

	t.Run("versioned users match the fact snapshot", func(t *testing.T) {
		w := newTestWarehouse(t, testDB.Connection, postgresOptions(UserVersioned))
		w.provision(ctx, t)
		w.elt(ctx, t, []testEvent{
			play("7", "free", "A", "T", 139, 0, firstPlay),
			play("7", "paid", "A", "T", 139, 1, firstPlay+3_600_000),
		}, catalog)

		assert.Equal(t, int64(2), w.count(ctx, t, `SELECT COUNT(*) FROM d_users WHERE user_id = 7`))
		assert.Equal(t, int64(2), w.count(ctx, t, `SELECT COUNT(*) FROM f_songplays`))
		assert.Equal(t, int64(2), w.count(ctx, t, `
			SELECT COUNT(*) FROM f_songplays f
			JOIN d_users u ON u.user_id = f.user_id AND u.valid_from = f.user_valid_from
			WHERE u.level = f.level`))

		rows, err := w.transformer.DeriveUsers(ctx)
		require.NoError(t, err)
		assert.Zero(t, rows)
	})

	t.Run("versioned level change within one second", func(t *testing.T) {
		second := firstPlay - firstPlay%1000

		w := newTestWarehouse(t, testDB.Connection, postgresOptions(UserVersioned))
		w.provision(ctx, t)
		w.elt(ctx, t, []testEvent{
			play("7", "free", "A", "T", 139, 0, second),
			play("7", "paid", "A", "T", 139, 1, second+500),
		}, catalog)

		assert.Equal(t, int64(1), w.count(ctx, t, `SELECT COUNT(*) FROM d_times`))
		assert.Equal(t, int64(2), w.count(ctx, t, `SELECT COUNT(*) FROM d_users WHERE user_id = 7`))
		assert.Equal(t, int64(2), w.count(ctx, t, `SELECT COUNT(*) FROM f_songplays`))
		assert.Equal(t, int64(2), w.count(ctx, t, `
			SELECT COUNT(*) FROM f_songplays f
			JOIN d_users u ON u.user_id = f.user_id AND u.valid_from = f.user_valid_from
			WHERE u.level = f.level`))
	})

	t.Run("null user is replaced once", func(t *testing.T) {
		w := newTestWarehouse(t, testDB.Connection, postgresOptions(UserOverwrite))
		w.provision(ctx, t)

		loggedOut := testEvent{Level: "free", Page: "Home", Session: 52, Item: 0, TS: firstPlay - 5000}
		eventSrc, songSrc := writeSources(t, []testEvent{loggedOut, play("7", "free", "A", "T", 139, 0, firstPlay)}, catalog)

		_, err := w.loader.Load(ctx, eventSrc)
		require.NoError(t, err)
		_, err = w.loader.Load(ctx, songSrc)
		require.NoError(t, err)

		assert.Equal(t, int64(1), w.count(ctx, t, `SELECT COUNT(*) FROM stg_events WHERE userId IS NULL`))

		rows, err := w.cleanser.Cleanse(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), rows)

		rows, err = w.cleanser.Cleanse(ctx)
		require.NoError(t, err)
		assert.Zero(t, rows)

		assert.Equal(t, int64(1), w.count(ctx, t, `SELECT COUNT(*) FROM stg_events WHERE userId = $1`,
			DefaultNullUserSentinel))

		_, err = w.transformer.Transform(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), w.count(ctx, t, `SELECT COUNT(*) FROM d_users WHERE user_id = $1`,
			DefaultNullUserSentinel))
	})

	t.Run("empty staging derives nothing", func(t *testing.T) {
		w := newTestWarehouse(t, testDB.Connection, postgresOptions(UserOverwrite))
		w.provision(ctx, t)

		rows, err := w.transformer.Transform(ctx)
		require.NoError(t, err)
		assert.Zero(t, rows)

		stats, err := w.transformer.PlayStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, PlayStats{}, stats)

		for _, rel := range []string{DimUsers, DimArtists, DimSongs, DimTimes, FactSongplays} {
			assert.Zero(t, w.count(ctx, t, `SELECT COUNT(*) FROM `+rel), rel)
		}
	})

	t.Run("malformed record aborts the load", func(t *testing.T) {
		w := newTestWarehouse(t, testDB.Connection, postgresOptions(UserOverwrite))
		w.provision(ctx, t)

		eventSrc, _ := writeSources(t, []testEvent{play("7", "free", "A", "T", 139, 0, firstPlay)}, nil)

		dir, err := os.ReadDir(eventSrc.Location)
		require.NoError(t, err)
		require.Len(t, dir, 1)

		name := filepath.Join(eventSrc.Location, dir[0].Name())
		f, err := os.OpenFile(name, os.O_APPEND|os.O_WRONLY, 0o600)
		require.NoError(t, err)
		_, err = f.WriteString(`{"artist": "A", "ts": `)
		require.NoError(t, err)
		require.NoError(t, f.Close())

		_, err = w.loader.Load(ctx, eventSrc)
		require.Error(t, err)

		var loadErr *BulkLoadError
		require.ErrorAs(t, err, &loadErr)
		assert.Equal(t, StagingEvents, loadErr.Relation)
		assert.Equal(t, 2, loadErr.Record)

		assert.Zero(t, w.count(ctx, t, `SELECT COUNT(*) FROM stg_events`))
	})

	t.Run("existing schema is verified instead of recreated", func(t *testing.T) {
		w := newTestWarehouse(t, testDB.Connection, postgresOptions(UserOverwrite))
		w.provision(ctx, t)
		w.elt(ctx, t, []testEvent{play("7", "free", "A", "T", 139, 0, firstPlay)}, catalog)

		keep := postgresOptions(UserOverwrite)
		keep.Recreate = false

		kept := newTestWarehouse(t, testDB.Connection, keep)
		kept.provision(ctx, t)

		_, err := kept.provisioner.Verify(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), w.count(ctx, t, `SELECT COUNT(*) FROM f_songplays`))

		changed := postgresOptions(UserVersioned)
		changed.Recreate = false

		conflicting := newTestWarehouse(t, testDB.Connection, changed)

		_, err = conflicting.provisioner.ProvisionDimensional(ctx)

		var conflict *SchemaConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, DimUsers, conflict.Relation)
	})

	t.Run("context cancellation stops a derivation", func(t *testing.T) {
		w := newTestWarehouse(t, testDB.Connection, postgresOptions(UserOverwrite))
		w.provision(ctx, t)

		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := w.transformer.DeriveArtists(cancelled)
		require.ErrorIs(t, err, context.Canceled)
	})
}
