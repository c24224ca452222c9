package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/mpinyaz/mdws/pkg/contracts/subscriptions"
)

// Registry guarda as assinaturas de todos os gateways no Redis
//
// Layout:
//   - client:{<clientID>}:<asset>  SET de tickers do cliente
//   - symbol:{<asset>}:<ticker>    SET de clientIDs inscritos no ticker
//
// Um ticker está ativo enquanto sua chave symbol existir (SET vazio é removido pelo Redis).
type Registry struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Registry {
	return &Registry{rdb: rdb}
}

func clientKey(clientID string, asset subscriptions.AssetClass) string {
	return fmt.Sprintf("client:{%s}:%s", clientID, asset)
}

func symbolKey(asset subscriptions.AssetClass, ticker string) string {
	return fmt.Sprintf("symbol:{%s}:%s", asset, ticker)
}

func symbolPrefix(asset subscriptions.AssetClass) string {
	return fmt.Sprintf("symbol:{%s}:", asset)
}

func toInterfaceSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// Add registra os tickers para o cliente e retorna os que ganharam o primeiro assinante
// SADD + SCARD rodam em MULTI/EXEC: apenas um chamador observa a transição 0 -> 1
func (r *Registry) Add(
	ctx context.Context,
	clientID string,
	asset subscriptions.AssetClass,
	tickers []string,
) ([]string, error) {
	if len(tickers) == 0 {
		return nil, nil
	}

	added := make([]*redis.IntCmd, len(tickers))
	cards := make([]*redis.IntCmd, len(tickers))

	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, clientKey(clientID, asset), toInterfaceSlice(tickers)...)
		for i, t := range tickers {
			added[i] = p.SAdd(ctx, symbolKey(asset, t), clientID)
			cards[i] = p.SCard(ctx, symbolKey(asset, t))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("registry add: %w", err)
	}

	var activated []string
	for i, t := range tickers {
		if added[i].Val() == 1 && cards[i].Val() == 1 {
			activated = append(activated, t)
		}
	}
	return activated, nil
}

// Remove retira os tickers do cliente e retorna os que perderam o último assinante
func (r *Registry) Remove(
	ctx context.Context,
	clientID string,
	asset subscriptions.AssetClass,
	tickers []string,
) ([]string, error) {
	if len(tickers) == 0 {
		return nil, nil
	}

	removed := make([]*redis.IntCmd, len(tickers))
	cards := make([]*redis.IntCmd, len(tickers))

	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SRem(ctx, clientKey(clientID, asset), toInterfaceSlice(tickers)...)
		for i, t := range tickers {
			removed[i] = p.SRem(ctx, symbolKey(asset, t), clientID)
			cards[i] = p.SCard(ctx, symbolKey(asset, t))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("registry remove: %w", err)
	}

	var deactivated []string
	for i, t := range tickers {
		if removed[i].Val() == 1 && cards[i].Val() == 0 {
			deactivated = append(deactivated, t)
		}
	}
	return deactivated, nil
}

// RemoveClient limpa todas as assinaturas do cliente (desconexão)
func (r *Registry) RemoveClient(ctx context.Context, clientID string) (map[subscriptions.AssetClass][]string, error) {
	out := make(map[subscriptions.AssetClass][]string)
	for _, asset := range subscriptions.AssetClasses() {
		tickers, err := r.rdb.SMembers(ctx, clientKey(clientID, asset)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return out, fmt.Errorf("registry members: %w", err)
		}

		deactivated, err := r.Remove(ctx, clientID, asset, tickers)
		if err != nil {
			return out, err
		}
		if len(deactivated) > 0 {
			out[asset] = deactivated
		}

		if err := r.rdb.Del(ctx, clientKey(clientID, asset)).Err(); err != nil {
			return out, fmt.Errorf("registry del: %w", err)
		}
	}
	return out, nil
}

// Subscriptions retorna os tickers do cliente por classe
func (r *Registry) Subscriptions(ctx context.Context, clientID string) (map[subscriptions.AssetClass][]string, error) {
	out := make(map[subscriptions.AssetClass][]string)
	for _, asset := range subscriptions.AssetClasses() {
		tickers, err := r.rdb.SMembers(ctx, clientKey(clientID, asset)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("registry members: %w", err)
		}
		if len(tickers) > 0 {
			out[asset] = tickers
		}
	}
	return out, nil
}

// Subscribers conta os clientes inscritos em um ticker
func (r *Registry) Subscribers(ctx context.Context, asset subscriptions.AssetClass, ticker string) (int64, error) {
	n, err := r.rdb.SCard(ctx, symbolKey(asset, ticker)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("registry scard: %w", err)
	}
	return n, nil
}

// ActiveTickers lista os tickers com ao menos um assinante (usado pelo worker ao iniciar)
func (r *Registry) ActiveTickers(ctx context.Context, asset subscriptions.AssetClass) ([]string, error) {
	prefix := symbolPrefix(asset)
	var out []string
	iter := r.rdb.Scan(ctx, 0, prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("registry scan: %w", err)
	}
	return out, nil
}

func (r *Registry) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}
