package repo

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpinyaz/mdws/pkg/contracts/subscriptions"
)

var cols = []string{"asset", "ticker", "kind", "exchange",
	"bid_size", "bid_price", "mid_price", "ask_size", "ask_price", "last_size", "last_price",
	"quoted_at", "source"}

func TestReadRepo_Latest(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ts := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM quotes_latest`).
		WithArgs("crypto", "btcusd").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("crypto", "btcusd", "T", "binance", 0.0, 0.0, 0.0, 0.0, 0.0, 0.5, 64000.5, ts, "tiingo"))

	r := &ReadRepo{DB: db}
	q, err := r.Latest(context.Background(), subscriptions.Crypto, "btcusd")
	require.NoError(t, err)
	assert.Equal(t, subscriptions.Crypto, q.Asset)
	assert.Equal(t, "binance", q.Exchange)
	assert.Equal(t, 64000.5, q.LastPrice)
	assert.True(t, ts.Equal(q.Timestamp))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadRepo_LatestNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`FROM quotes_latest`).
		WithArgs("forex", "eurusd").
		WillReturnRows(sqlmock.NewRows(cols))

	r := &ReadRepo{DB: db}
	_, err = r.Latest(context.Background(), subscriptions.Forex, "eurusd")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestReadRepo_History(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ts := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM quotes_history`).
		WithArgs("equity", "aapl", 2).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("equity", "aapl", "T", "", 0.0, 0.0, 0.0, 0.0, 0.0, 100.0, 190.2, ts.Add(time.Second), "tiingo").
			AddRow("equity", "aapl", "Q", "", 100.0, 190.0, 190.1, 200.0, 190.2, 0.0, 0.0, ts, "tiingo"))

	r := &ReadRepo{DB: db}
	hist, err := r.History(context.Background(), subscriptions.Equity, "aapl", 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "T", hist[0].Kind)
	assert.Equal(t, 190.1, hist[1].MidPrice)
	assert.NoError(t, mock.ExpectationsWereMet())
}
