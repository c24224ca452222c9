package subscriptions

import (
	"errors"
	"fmt"
)

// AssetClass identifica a categoria do instrumento (forex, equity, crypto)
// Conjunto fechado: qualquer outro valor é rejeitado na serialização
type AssetClass string

const (
	Forex  AssetClass = "forex"
	Equity AssetClass = "equity"
	Crypto AssetClass = "crypto"
)

var ErrInvalidAssetClass = errors.New("invalid asset class")

// endpoint do fornecedor para cada classe
var feedName = map[AssetClass]string{
	Forex:  "fx",
	Equity: "iex",
	Crypto: "crypto",
}

// AssetClasses retorna as classes suportadas na ordem canônica
func AssetClasses() []AssetClass {
	return []AssetClass{Forex, Equity, Crypto}
}

// ParseAssetClass converte a tag de wire em AssetClass
func ParseAssetClass(s string) (AssetClass, error) {
	a := AssetClass(s)
	if !a.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidAssetClass, s)
	}
	return a, nil
}

// AssetClassFromFeed resolve a classe a partir do nome do feed (fx, iex, crypto)
func AssetClassFromFeed(feed string) (AssetClass, error) {
	for a, f := range feedName {
		if f == feed {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: unknown feed %q", ErrInvalidAssetClass, feed)
}

func (a AssetClass) Valid() bool {
	_, ok := feedName[a]
	return ok
}

func (a AssetClass) String() string { return string(a) }

// Feed retorna o path do endpoint upstream da classe
func (a AssetClass) Feed() string { return feedName[a] }

func (a AssetClass) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAssetClass, string(a))
	}
	return []byte(a), nil
}

func (a *AssetClass) UnmarshalText(b []byte) error {
	parsed, err := ParseAssetClass(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
