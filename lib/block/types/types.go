// Package types common blockchain types.
package types

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// ZeroAddress is the lowercase hex of the zero address. A hand-off to it marks the final delivery of an order.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// Trans contains a simplified number of transaction fields. To is empty for contract creation transactions.
type Trans struct {
	Block uint64 `json:"block"`
	Hash  string `json:"hash"`
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
	Input []byte `json:"input,omitempty"`
}

// Log is an event log entry of a receipt.
type Log struct {
	Address string        `json:"address"`
	Topics  []common.Hash `json:"topics"`
	Data    []byte        `json:"data"`
	Index   uint          `json:"index"`
}

// Receipt contains the fields of a transaction receipt used by the services. Contract is only informed when the
// transaction created a contract.
type Receipt struct {
	Hash     string `json:"hash"`
	Block    uint64 `json:"block"`
	Status   uint64 `json:"status"`
	Contract string `json:"contract,omitempty"`
	Logs     []Log  `json:"logs"`
}

// Block contains a simplified list of block fields.
type Block struct {
	Number uint64  `json:"number"`
	Hash   string  `json:"hash"`
	PHash  string  `json:"parentHash"`
	TS     uint64  `json:"timestamp"`
	Tx     []Trans `json:"transactions"`
}

// Header is a new block announced by a subscription.
type Header struct {
	Number uint64 `json:"number"`
	Hash   string `json:"hash"`
}

// Subscription is a stream of events delivered by the chain client. Err is closed when Unsubscribe is called.
type Subscription interface {
	Err() <-chan error
	Unsubscribe()
}

// Receipt status values.
const (
	ReceiptFailed  uint64 = 0
	ReceiptSuccess uint64 = 1
)

// Error codes.
var (
	ErrNoBlock          = errors.New("block not available yet")
	ErrNoTrx            = errors.New("transaction not found")
	ErrNoSubscription   = errors.New("chain client does not support subscriptions")
	ErrReverted         = errors.New("transaction reverted")
	ErrExecution        = errors.New("execution reverted")
	ErrReceiptTimeout   = errors.New("transaction not mined in time")
	ErrBadAddress       = errors.New("malformed address")
	ErrNoContract       = errors.New("receipt does not contain a contract address")
	ErrUnknownChainType = errors.New("blockchain interface not defined")
)
