package store

import (
	"errors"
	"io"
	"io/fs"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arturoeanton/barnstaff/internal/domain"
	"github.com/arturoeanton/barnstaff/internal/port"
)

func TestBuildSelect(t *testing.T) {
	sq, err := buildSelect(port.Query{
		Collection: "tasks",
		Filters:    []port.Filter{port.Eq("task_date", "2026-10-19"), port.NotNull("assigned_to")},
		Order:      []port.Order{port.Asc("sort_order"), port.Desc("created_at")},
		Limit:      50,
	})
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT "id", "template_id", "title", "shift", "sort_order", "task_date", "status", "assigned_to", "completed_at", "created_at" FROM "tasks"`+
			` WHERE "task_date" = $1 AND "assigned_to" IS NOT NULL ORDER BY "sort_order", "created_at" DESC LIMIT $2`,
		sq.text)
	assert.Equal(t, []any{"2026-10-19", 50}, sq.args)
}

func TestBuildSelect_ProjectionAlwaysHasID(t *testing.T) {
	sq, err := buildSelect(port.Query{
		Collection: "users",
		Columns:    []string{"display_name"},
		Filters:    []port.Filter{port.Eq("id", "u1"), {Column: "role", Op: port.OpNeq, Value: "Admin"}},
	})
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT "id", "display_name" FROM "users" WHERE "id"::text = $1 AND "role" IS DISTINCT FROM $2`,
		sq.text)
	require.Len(t, sq.cols, 2)
}

func TestBuildSelect_Rejects(t *testing.T) {
	tests := []struct {
		name string
		q    port.Query
		want error
	}{
		{"unknown collection", port.Query{Collection: "identities"}, port.ErrUnknownCollection},
		{"unknown column", port.Query{Collection: "users", Columns: []string{"password"}}, port.ErrInvalidRecord},
		{"unknown filter", port.Query{Collection: "users", Filters: []port.Filter{port.Eq("1=1; --", 1)}}, port.ErrInvalidRecord},
		{"unknown order", port.Query{Collection: "users", Order: []port.Order{port.Asc("nope")}}, port.ErrInvalidRecord},
		{"unknown op", port.Query{Collection: "users", Filters: []port.Filter{{Column: "role", Op: "like"}}}, port.ErrInvalidRecord},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := buildSelect(tt.q)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestBuildInsert(t *testing.T) {
	sq, err := buildInsert("messages", domain.Record{"user_id": "u1", "content": "hi"}, false)
	require.NoError(t, err)
	assert.Equal(t,
		`INSERT INTO "messages" ("content", "user_id") VALUES ($1, $2) RETURNING "id", "user_id", "content", "created_at"`,
		sq.text)
	assert.Equal(t, []any{"hi", "u1"}, sq.args)

	_, err = buildInsert("messages", domain.Record{"content": "hi", "created_at": "2020-01-01"}, false)
	assert.ErrorIs(t, err, port.ErrInvalidRecord)
}

func TestBuildInsert_Upsert(t *testing.T) {
	sq, err := buildInsert("users", domain.Record{"id": "u1", "email": "a@barn.test"}, true)
	require.NoError(t, err)
	assert.Equal(t,
		`INSERT INTO "users" ("email", "id") VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET "email" = EXCLUDED."email"`+
			` RETURNING "id", "email", "display_name", "role", "created_at"`,
		sq.text)

	sq, err = buildInsert("users", domain.Record{"id": "u1"}, true)
	require.NoError(t, err)
	assert.Contains(t, sq.text, `ON CONFLICT (id) DO UPDATE SET "id" = EXCLUDED."id"`)

	sq, err = buildInsert("locations", domain.Record{"name": "Stall 1"}, true)
	require.NoError(t, err)
	assert.NotContains(t, sq.text, "ON CONFLICT")
}

func TestBuildUpdate(t *testing.T) {
	sq, err := buildUpdate("tasks", "t1", domain.Record{"id": "other", "status": "Done", "completed_at": "2026-10-19T07:00:00Z"})
	require.NoError(t, err)
	assert.Equal(t,
		`UPDATE "tasks" SET "completed_at" = $1, "status" = $2 WHERE id::text = $3 RETURNING "id", "template_id", "title", "shift", "sort_order", "task_date", "status", "assigned_to", "completed_at", "created_at"`,
		sq.text)
	assert.Equal(t, []any{"2026-10-19T07:00:00Z", "Done", "t1"}, sq.args)

	_, err = buildUpdate("tasks", "t1", domain.Record{"id": "t1"})
	assert.ErrorIs(t, err, port.ErrInvalidRecord)
}

func TestNormalize(t *testing.T) {
	day := time.Date(2026, 10, 19, 0, 0, 0, 0, time.FixedZone("X", 3600))
	assert.Equal(t, "2026-10-19", normalize(column{kind: kindDate}, day))
	assert.Equal(t, day.UTC(), normalize(column{kind: kindTime}, day))
	assert.Equal(t, "abc", normalize(column{kind: kindUUID}, []byte("abc")))
	assert.Equal(t, int64(3), normalize(column{kind: kindInt}, int64(3)))
	assert.Nil(t, normalize(column{kind: kindText}, nil))
}

func TestClassify(t *testing.T) {
	err := classify(&pq.Error{Code: "23505", Message: "duplicate key"})
	assert.ErrorIs(t, err, port.ErrInvalidRecord)

	err = classify(&pq.Error{Code: "22P02", Message: "invalid input syntax"})
	assert.ErrorIs(t, err, port.ErrInvalidRecord)

	other := errors.New("connection refused")
	assert.Equal(t, other, classify(other))
}

func TestParseNotification(t *testing.T) {
	ev, err := ParseNotification(`{"collection":"horses","type":"UPDATE","record_id":"h1","at":"2026-10-19T07:00:00.5+00:00"}`)
	require.NoError(t, err)
	assert.Equal(t, "horses", ev.Collection)
	assert.Equal(t, domain.EventUpdate, ev.Type)
	assert.Equal(t, "h1", ev.RecordID)
	assert.Equal(t, 2026, ev.At.Year())

	_, err = ParseNotification(`{"collection":"horses","type":"TRUNCATE"}`)
	assert.Error(t, err)
	_, err = ParseNotification(`{"type":"INSERT"}`)
	assert.Error(t, err)
	_, err = ParseNotification(`not json`)
	assert.Error(t, err)
}

func TestCollections(t *testing.T) {
	names := Collections()
	assert.Contains(t, names, "messages")
	assert.NotContains(t, names, "identities")
	assert.NotContains(t, names, "auth_sessions")
	assert.IsNonDecreasing(t, names)
}

func TestMigrationSource(t *testing.T) {
	src, err := migrationSource()
	require.NoError(t, err)
	defer src.Close()

	first, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)

	up, name, err := src.ReadUp(first)
	require.NoError(t, err)
	upSQL, err := io.ReadAll(up)
	require.NoError(t, up.Close())
	require.NoError(t, err)
	assert.Equal(t, "init", name)
	for _, table := range Collections() {
		assert.Contains(t, string(upSQL), "CREATE TABLE IF NOT EXISTS "+table+" (")
	}

	down, _, err := src.ReadDown(first)
	require.NoError(t, err)
	downSQL, err := io.ReadAll(down)
	require.NoError(t, down.Close())
	require.NoError(t, err)
	for _, table := range Collections() {
		assert.Contains(t, string(downSQL), "DROP TABLE IF EXISTS "+table+";")
	}

	_, err = src.Next(first)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}
