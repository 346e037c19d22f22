package migrations

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingExecer struct {
	statements []string
}

func (r *recordingExecer) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	r.statements = append(r.statements, sql)
	return pgconn.CommandTag{}, nil
}

func TestApplyRunsEveryMigrationInOrder(t *testing.T) {
	names, err := Names()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_initial.up.sql", names[0])

	rec := &recordingExecer{}
	require.NoError(t, Apply(context.Background(), rec))
	require.Len(t, rec.statements, len(names))
	assert.True(t, strings.Contains(rec.statements[0], "CREATE TABLE mail_accounts"))
}
