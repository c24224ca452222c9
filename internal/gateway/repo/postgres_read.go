package repo

import (
	"context"
	"database/sql"

	"github.com/mpinyaz/mdws/pkg/contracts/events"
	"github.com/mpinyaz/mdws/pkg/contracts/subscriptions"
)

type ReadRepo struct {
	DB *sql.DB
}

const quoteColumns = `asset, ticker, kind, exchange,
		bid_size, bid_price, mid_price, ask_size, ask_price, last_size, last_price,
		quoted_at, source`

type scanner interface {
	Scan(dest ...any) error
}

func scanQuote(s scanner) (events.Quote, error) {
	var q events.Quote
	var asset string
	err := s.Scan(&asset, &q.Ticker, &q.Kind, &q.Exchange,
		&q.BidSize, &q.BidPrice, &q.MidPrice, &q.AskSize, &q.AskPrice, &q.LastSize, &q.LastPrice,
		&q.Timestamp, &q.Source)
	if err != nil {
		return q, err
	}
	q.Asset, err = subscriptions.ParseAssetClass(asset)
	return q, err
}

// Latest retorna a última cotação persistida; sql.ErrNoRows quando não existe
func (r *ReadRepo) Latest(ctx context.Context, asset subscriptions.AssetClass, ticker string) (events.Quote, error) {
	const q = `
		SELECT ` + quoteColumns + `
		FROM quotes_latest
		WHERE asset = $1 AND ticker = $2;
	`
	return scanQuote(r.DB.QueryRowContext(ctx, q, string(asset), ticker))
}

// History retorna as cotações mais recentes primeiro
func (r *ReadRepo) History(ctx context.Context, asset subscriptions.AssetClass, ticker string, limit int) ([]events.Quote, error) {
	const q = `
		SELECT ` + quoteColumns + `
		FROM quotes_history
		WHERE asset = $1 AND ticker = $2
		ORDER BY quoted_at DESC
		LIMIT $3;
	`
	rows, err := r.DB.QueryContext(ctx, q, string(asset), ticker, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []events.Quote{}
	for rows.Next() {
		qt, err := scanQuote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, qt)
	}
	return out, rows.Err()
}
