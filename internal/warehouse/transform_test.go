package warehouse

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerivationsOrder(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	db, _, err := sqlmock.New()
	require.NoError(t, err)

	defer func() { _ = db.Close() }()

	tr, err := NewTransformer(db, DefaultOptions(), nil)
	require.NoError(t, err)

	var relations []string
	for _, d := range tr.Derivations() {
		relations = append(relations, d.Relation)
	}

	assert.Equal(t, []string{DimArtists, DimSongs, DimTimes, DimUsers, FactSongplays}, relations)
}

func TestTransform(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()

	expectDimensions := func(mock sqlmock.Sqlmock) {
		for _, rel := range []string{"d_artists", "d_songs", "d_times"} {
			mock.ExpectBegin()
			mock.ExpectExec("INSERT INTO " + rel).WillReturnResult(sqlmock.NewResult(0, 10))
			mock.ExpectCommit()
		}
	}

	t.Run("overwrite users in strict mode", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)

		defer func() { _ = db.Close() }()

		expectDimensions(mock)

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE d_users").WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectExec("INSERT INTO d_users").WillReturnResult(sqlmock.NewResult(0, 5))
		mock.ExpectCommit()

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*)")).
			WithArgs("NextSong").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectExec("INSERT INTO f_songplays").
			WithArgs("NextSong").
			WillReturnResult(sqlmock.NewResult(0, 3))
		mock.ExpectCommit()

		tr, err := NewTransformer(db, DefaultOptions(), nil)
		require.NoError(t, err)

		rows, err := tr.Transform(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(40), rows)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("orphaned plays abort the fact insert", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)

		defer func() { _ = db.Close() }()

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*)")).
			WithArgs("NextSong").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
		mock.ExpectRollback()

		tr, err := NewTransformer(db, DefaultOptions(), nil)
		require.NoError(t, err)

		rows, err := tr.DeriveSongplays(ctx)
		assert.Zero(t, rows)

		var refErr *ReferentialViolationError
		require.ErrorAs(t, err, &refErr)
		assert.Equal(t, FactSongplays, refErr.Relation)
		assert.Equal(t, int64(2), refErr.Orphans)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("enforced foreign key is a referential violation", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)

		defer func() { _ = db.Close() }()

		opts := DefaultOptions()
		opts.Referential = ReferentialLenient

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO f_songplays").
			WillReturnError(&pq.Error{Code: "23503", Constraint: "f_songplays_start_time_fkey"})
		mock.ExpectRollback()

		tr, err := NewTransformer(db, opts, nil)
		require.NoError(t, err)

		_, err = tr.DeriveSongplays(ctx)
		assert.ErrorIs(t, err, ErrReferentialViolation)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("first-writer users never update", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)

		defer func() { _ = db.Close() }()

		opts := DefaultOptions()
		opts.UserPolicy = UserFirstWriter

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("ORDER BY e.ts ASC, e.itemInSession ASC")).
			WillReturnResult(sqlmock.NewResult(0, 4))
		mock.ExpectCommit()

		tr, err := NewTransformer(db, opts, nil)
		require.NoError(t, err)

		rows, err := tr.DeriveUsers(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(4), rows)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("versioned users append versions", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)

		defer func() { _ = db.Close() }()

		opts := DefaultOptions()
		opts.UserPolicy = UserVersioned

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO d_users (user_id, valid_from,")).
			WillReturnResult(sqlmock.NewResult(0, 6))
		mock.ExpectCommit()

		tr, err := NewTransformer(db, opts, nil)
		require.NoError(t, err)

		rows, err := tr.DeriveUsers(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(6), rows)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failure stops the remaining derivations", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)

		defer func() { _ = db.Close() }()

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO d_artists").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO d_songs").WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		tr, err := NewTransformer(db, DefaultOptions(), nil)
		require.NoError(t, err)

		_, err = tr.Transform(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "d_songs: disk full")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPlayStats(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	defer func() { _ = db.Close() }()

	opts := DefaultOptions()
	opts.PlayPage = "play"

	mock.ExpectQuery(regexp.QuoteMeta("SELECT DISTINCT e.sessionId, e.itemInSession, e.userId, e.ts")).
		WithArgs("play").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery(regexp.QuoteMeta("JOIN stg_songs s ON s.artist_name = e.artist AND s.title = e.song")).
		WithArgs("play").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	tr, err := NewTransformer(db, opts, nil)
	require.NoError(t, err)

	stats, err := tr.PlayStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PlayStats{Plays: 2, Matched: 1}, stats)
	assert.Equal(t, int64(1), stats.JoinMisses())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSongplaySQL(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("joins on exact title and artist name", func(t *testing.T) {
		sql := insertSongplaysSQL(UserOverwrite)

		assert.Contains(t, sql, "JOIN stg_songs s ON s.artist_name = e.artist AND s.title = e.song")
		assert.Contains(t, sql, "s.artist_location AS location")
		assert.NotContains(t, sql, "d_artists")
		assert.Contains(t, sql, "WHERE e.page = $1")
		assert.Contains(t, sql, "f.session_id = p.session_id AND f.item_in_session = p.item_in_session")
		assert.NotContains(t, sql, "user_valid_from")
	})

	t.Run("versioned plays resolve the user version", func(t *testing.T) {
		sql := insertSongplaysSQL(UserVersioned)

		assert.Contains(t, sql, "user_valid_from")
		assert.Contains(t, sql, "LEAD(u.valid_from)")
		assert.Contains(t, sql, "ver.valid_from <= "+validFromExpr)
		assert.Contains(t, insertUserVersionsSQL, "SELECT e.userId, "+validFromExpr)
	})

	t.Run("orphan check for versioned users", func(t *testing.T) {
		assert.Contains(t, orphanPlaysSQL(UserVersioned), "n.user_valid_from IS NULL")
		assert.Contains(t, orphanPlaysSQL(UserOverwrite), "NOT EXISTS (SELECT 1 FROM d_users u WHERE u.user_id = n.user_id)")
	})

	t.Run("orphan check covers every dimension", func(t *testing.T) {
		sql := orphanPlaysSQL(UserOverwrite)

		assert.Contains(t, sql, "FROM d_times t WHERE t.start_time = n.start_time")
		assert.Contains(t, sql, "FROM d_songs s WHERE s.song_id = n.song_id")
		assert.Contains(t, sql, "FROM d_artists a WHERE a.artist_id = n.artist_id")
	})
}

func TestOperationLogging(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	defer func() { _ = db.Close() }()

	var buf bytes.Buffer

	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO d_artists").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE stg_events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tr, err := NewTransformer(db, DefaultOptions(), logger)
	require.NoError(t, err)

	_, err = tr.DeriveArtists(context.Background())
	require.NoError(t, err)

	cleanser, err := NewCleanser(db, DefaultRules(), logger)
	require.NoError(t, err)

	_, err = cleanser.Cleanse(context.Background())
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"msg":"Derivation complete","relation":"d_artists","rows":3`)
	assert.Contains(t, out, `"msg":"Cleanse rule applied","rule":"null user sentinel"`)
	assert.NoError(t, mock.ExpectationsWereMet())
}
