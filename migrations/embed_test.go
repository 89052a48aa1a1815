package migrations

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingExec struct {
	sql  []string
	fail string
}

func (r *recordingExec) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	if r.fail != "" && strings.Contains(sql, r.fail) {
		return pgconn.CommandTag{}, errors.New("syntax error")
	}
	r.sql = append(r.sql, sql)
	return pgconn.CommandTag{}, nil
}

func TestApplyRunsFilesInOrder(t *testing.T) {
	db := &recordingExec{}
	names, err := Apply(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_init.sql", "002_change_feed.sql", "003_request_version.sql"}, names)
	require.Len(t, db.sql, 3)
	assert.Contains(t, db.sql[0], "ride_requests_active_uniq")
	assert.Contains(t, db.sql[1], "pg_notify")
	assert.Contains(t, db.sql[2], "ride_requests_touch")
}

func TestApplyStopsOnError(t *testing.T) {
	db := &recordingExec{fail: "notify_row_change"}
	_, err := Apply(context.Background(), db)
	assert.ErrorContains(t, err, "002_change_feed.sql")
}
