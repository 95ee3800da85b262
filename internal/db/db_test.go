package db

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRows(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE tasks SET state=$1")).
		WithArgs("aborted").
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	n, err := New(mock).ExecRows(context.Background(), "UPDATE tasks SET state=$1", "aborted")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryRowNoRows(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM users WHERE username=$1")).
		WithArgs("nobody").
		WillReturnError(pgx.ErrNoRows)

	var id int64
	err = New(mock).QueryRow(context.Background(), "SELECT id FROM users WHERE username=$1", "nobody").Scan(&id)
	assert.True(t, IsNotFound(err))
	assert.ErrorIs(t, WrapNotFound(err), ErrNotFound)
}

func TestWrapNotFound(t *testing.T) {
	assert.NoError(t, WrapNotFound(nil))

	other := errors.New("connection reset")
	wrapped := WrapNotFound(other)
	assert.ErrorIs(t, wrapped, other)
	assert.False(t, IsNotFound(wrapped))
}
