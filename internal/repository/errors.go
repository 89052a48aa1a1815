package repository

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rideshare/internal/model"
)

var ErrNotFound = model.ErrNotFound

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
