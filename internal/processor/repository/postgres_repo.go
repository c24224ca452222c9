package repository

import (
	"context"
	"database/sql"

	"github.com/mpinyaz/mdws/pkg/contracts/events"
)

// PostgresRepo persiste cotações em um banco Postgres
// DB: conexão com o banco de dados
type PostgresRepo struct {
	DB *sql.DB
}

// NewPostgresRepo retorna uma instância de repositório Postgres
func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{DB: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS quotes_latest (
	asset      TEXT             NOT NULL,
	ticker     TEXT             NOT NULL,
	kind       TEXT             NOT NULL,
	exchange   TEXT             NOT NULL DEFAULT '',
	bid_size   DOUBLE PRECISION NOT NULL DEFAULT 0,
	bid_price  DOUBLE PRECISION NOT NULL DEFAULT 0,
	mid_price  DOUBLE PRECISION NOT NULL DEFAULT 0,
	ask_size   DOUBLE PRECISION NOT NULL DEFAULT 0,
	ask_price  DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_size  DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_price DOUBLE PRECISION NOT NULL DEFAULT 0,
	quoted_at  TIMESTAMPTZ      NOT NULL,
	source     TEXT             NOT NULL DEFAULT '',
	PRIMARY KEY (asset, ticker)
);

CREATE TABLE IF NOT EXISTS quotes_history (
	id         BIGSERIAL PRIMARY KEY,
	asset      TEXT             NOT NULL,
	ticker     TEXT             NOT NULL,
	kind       TEXT             NOT NULL,
	exchange   TEXT             NOT NULL DEFAULT '',
	bid_size   DOUBLE PRECISION NOT NULL DEFAULT 0,
	bid_price  DOUBLE PRECISION NOT NULL DEFAULT 0,
	mid_price  DOUBLE PRECISION NOT NULL DEFAULT 0,
	ask_size   DOUBLE PRECISION NOT NULL DEFAULT 0,
	ask_price  DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_size  DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_price DOUBLE PRECISION NOT NULL DEFAULT 0,
	quoted_at  TIMESTAMPTZ      NOT NULL,
	source     TEXT             NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS quotes_history_instrument_idx
	ON quotes_history (asset, ticker, quoted_at DESC);
`

// EnsureSchema cria as tabelas se ainda não existirem
func (r *PostgresRepo) EnsureSchema(ctx context.Context) error {
	_, err := r.DB.ExecContext(ctx, schema)
	return err
}

func quoteArgs(q events.Quote) []any {
	return []any{
		string(q.Asset), q.Ticker, q.Kind, q.Exchange,
		q.BidSize, q.BidPrice, q.MidPrice, q.AskSize, q.AskPrice, q.LastSize, q.LastPrice,
		q.Timestamp, q.Source,
	}
}

// UpsertLatest grava a última cotação do instrumento em quotes_latest
// Cotações mais antigas que a persistida são ignoradas (entrega fora de ordem)
func (r *PostgresRepo) UpsertLatest(ctx context.Context, q events.Quote) error {
	const stmt = `
		INSERT INTO quotes_latest
		  (asset, ticker, kind, exchange, bid_size, bid_price, mid_price, ask_size, ask_price, last_size, last_price, quoted_at, source)
		VALUES
		  ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (asset, ticker) DO UPDATE SET
		  kind       = EXCLUDED.kind,
		  exchange   = EXCLUDED.exchange,
		  bid_size   = EXCLUDED.bid_size,
		  bid_price  = EXCLUDED.bid_price,
		  mid_price  = EXCLUDED.mid_price,
		  ask_size   = EXCLUDED.ask_size,
		  ask_price  = EXCLUDED.ask_price,
		  last_size  = EXCLUDED.last_size,
		  last_price = EXCLUDED.last_price,
		  quoted_at  = EXCLUDED.quoted_at,
		  source     = EXCLUDED.source
		WHERE quotes_latest.quoted_at <= EXCLUDED.quoted_at
	`
	_, err := r.DB.ExecContext(ctx, stmt, quoteArgs(q)...)
	return err
}

// InsertHistory insere a cotação no histórico (quotes_history)
func (r *PostgresRepo) InsertHistory(ctx context.Context, q events.Quote) error {
	const stmt = `
		INSERT INTO quotes_history
		  (asset, ticker, kind, exchange, bid_size, bid_price, mid_price, ask_size, ask_price, last_size, last_price, quoted_at, source)
		VALUES
		  ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`
	_, err := r.DB.ExecContext(ctx, stmt, quoteArgs(q)...)
	return err
}
