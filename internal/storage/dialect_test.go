package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestRebind(t *testing.T) {
	q := "SELECT * FROM threads WHERE owner_id = ? LIMIT ? OFFSET ?"
	assert.Equal(t, q, SQLite.Rebind(q))
	assert.Equal(t, "SELECT * FROM threads WHERE owner_id = $1 LIMIT $2 OFFSET $3", Postgres.Rebind(q))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.False(t, IsUniqueViolation(nil))
	assert.False(t, IsUniqueViolation(errors.New("disk I/O error")))
	assert.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})))
	assert.False(t, IsUniqueViolation(&pq.Error{Code: "23503"}))
	assert.True(t, IsUniqueViolation(errors.New("constraint failed: UNIQUE constraint failed: threads.id (1555)")))
}
