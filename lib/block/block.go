// Package block defines the interface required for all blockchain or network connections.
package block

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tarancss/cargo/lib/block/ethereum"
	"github.com/tarancss/cargo/lib/block/types"
	"github.com/tarancss/cargo/lib/config"
)

// Chain is an interface that contains the required methods. Every method that reaches the node takes a context so the
// caller can bound or cancel it.
type Chain interface {
	// member-type methods
	Name() string
	Endpoint() string
	MaxBlocks() int // number of block hashes kept to detect reorganisations
	AvgBlock() int  // average block mining rate in seconds
	// methods
	Close()
	BlockNumber(ctx context.Context) (uint64, error)
	GetBlock(ctx context.Context, number uint64) (types.Block, error)
	GetBlockByHash(ctx context.Context, hash string) (types.Block, error)
	Receipt(ctx context.Context, hash string) (types.Receipt, error)
	SubscribeHeads(ctx context.Context, ch chan<- types.Header) (types.Subscription, error)
	Call(ctx context.Context, to string, data []byte) ([]byte, error)
	EstimateGas(ctx context.Context, from, to string, data []byte) (uint64, error)
	Nonce(ctx context.Context, account string) (uint64, error)
	Send(ctx context.Context, key *ecdsa.PrivateKey, to string, data []byte, nonce uint64) (types.Receipt, error)
}

// Init loads all the clients read from the config to blockchains into a map. All configured networks are
// ethereum-type networks.
func Init(bc []config.BlockConfig, timeout time.Duration) (m map[string]Chain, err error) {
	m = make(map[string]Chain)

	for _, b := range bc {
		var c *ethereum.Ethereum

		if c, err = ethereum.Init(b.Name, b.Node, b.Secret, b.MaxBlocks, b.AvgBlock, timeout); err != nil {
			End(m)

			return nil, fmt.Errorf("[%s] %w", b.Name, err)
		}

		m[b.Name] = c

		log.Printf("[%s] Blockchain client connected to %s", b.Name, b.Node)
	}

	return m, nil
}

// Get returns the chain called name from the map.
func Get(m map[string]Chain, name string) (Chain, error) {
	c, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownChainType, name)
	}

	return c, nil
}

// SameProvider tells whether both chains are served by the same node, in which case they share account nonces.
func SameProvider(a, b Chain) bool {
	return a == b || a.Endpoint() == b.Endpoint()
}

// End closes gracefully all the blockchain clients opened.
func End(bc map[string]Chain) {
	for _, c := range bc {
		c.Close()
	}
}
