package storage

import (
	"errors"
	"strings"

	"github.com/lib/pq"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// ErrConflict is returned by compare-and-set updates whose expected version is stale.
	ErrConflict = errors.New("version conflict")
)

// IsUniqueViolation reports whether err is a primary key or unique constraint violation.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
