package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpinyaz/mdws/pkg/contracts/events"
	"github.com/mpinyaz/mdws/pkg/contracts/subscriptions"
)

var sample = events.Quote{
	Asset: subscriptions.Crypto, Ticker: "btcusd", Kind: events.KindQuote, Exchange: "bitfinex",
	BidSize: 0.4, BidPrice: 64000.1, MidPrice: 64000.15, AskSize: 0.2, AskPrice: 64000.2,
	Timestamp: time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC), Source: "tiingo",
}

func sampleArgs() []driver.Value {
	return []driver.Value{"crypto", "btcusd", "Q", "bitfinex", 0.4, 64000.1, 64000.15, 0.2, 64000.2, 0.0, 0.0, sample.Timestamp, "tiingo"}
}

func TestPostgresRepo_EnsureSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS quotes_latest`).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, NewPostgresRepo(db).EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_UpsertLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO quotes_latest .* ON CONFLICT \(asset, ticker\) DO UPDATE`).
		WithArgs(sampleArgs()...).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewPostgresRepo(db).UpsertLatest(context.Background(), sample))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_InsertHistory(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO quotes_history`).
		WithArgs(sampleArgs()...).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO quotes_history`).
		WillReturnError(errors.New("connection reset"))

	repo := NewPostgresRepo(db)
	require.NoError(t, repo.InsertHistory(context.Background(), sample))
	assert.EqualError(t, repo.InsertHistory(context.Background(), sample), "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}
