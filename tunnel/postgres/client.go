// Package postgres provides a durable tunnel config store backed by a
// Postgres database.
package postgres

import (
	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
)

type Client struct {
	db *sqlx.DB
}

func NewClient(db *sqlx.DB) Client {
	return Client{db}
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
