package db

import (
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5"
)

// ErrNoRows is the store-neutral miss sentinel. Both repository
// implementations translate their driver's not-found error into it, so
// callers never import a driver package just to classify a lookup miss.
var ErrNoRows = errors.New("no rows in result set")

// IsNoRows reports whether err means the row does not exist. Raw driver
// sentinels are matched too, for scan paths that return without translating.
func IsNoRows(err error) bool {
	return err != nil && (errors.Is(err, ErrNoRows) ||
		errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, pgx.ErrNoRows))
}
