package repository

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrStale is returned when a guarded update matched no row because the row
	// was no longer in the expected state.
	ErrStale = errors.New("repository: row not in expected state")
	// ErrDuplicateEvent is returned when a webhook event id was already recorded.
	ErrDuplicateEvent = errors.New("repository: duplicate event")
)

const uniqueViolation = "23505"

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
