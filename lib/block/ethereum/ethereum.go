// Package ethereum implements the chain interface for ethereum networks over go-ethereum's RPC client.
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/tarancss/cargo/lib/block/types"
)

// headBuffer is the capacity of the channel receiving new heads from the node.
const headBuffer = 16

// defaultWait bounds the wait for a receipt when the chain has no block timing configured.
const defaultWait = 2 * time.Minute

// Ethereum implements a connection to an ethereum-type chain.
type Ethereum struct {
	c       *ethclient.Client
	name    string
	node    string
	mb      int
	avg     int
	timeout time.Duration // single RPC call
	wait    time.Duration // receipt of a sent transaction

	l  sync.Mutex
	id *big.Int // chain id, loaded on first use
}

// Init returns a connection to an ethereum node, using secret ("user:password") for basic authentication if necessary.
// maxBlocks is required to indicate how many block hashes are kept to detect reorganisations and avgBlock is the
// average time between blocks in seconds.
func Init(name, node, secret string, maxBlocks, avgBlock int, timeout time.Duration) (*Ethereum, error) {
	var opts []rpc.ClientOption
	if secret != "" {
		opts = append(opts, rpc.WithHeader("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(secret))))
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	rc, err := rpc.DialOptions(ctx, node, opts...)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to ethereum blockchain in %s: %w", node, err)
	}

	return &Ethereum{
		c:       ethclient.NewClient(rc),
		name:    name,
		node:    node,
		mb:      maxBlocks,
		avg:     avgBlock,
		timeout: timeout,
		wait:    receiptWait(maxBlocks, avgBlock, timeout),
	}, nil
}

// receiptWait is the time a sent transaction has to be mined: maxBlocks average blocks, and never less than an RPC
// timeout.
func receiptWait(maxBlocks, avgBlock int, timeout time.Duration) time.Duration {
	w := time.Duration(maxBlocks*avgBlock) * time.Second
	if w <= 0 {
		w = defaultWait
	}

	if w < timeout {
		w = timeout
	}

	return w
}

// Name returns the configured name of the chain.
func (e *Ethereum) Name() string {
	return e.name
}

// Endpoint returns the node url.
func (e *Ethereum) Endpoint() string {
	return e.node
}

// MaxBlocks returns how many block hashes are kept for reorganisation checks.
func (e *Ethereum) MaxBlocks() int {
	return e.mb
}

// AvgBlock returns the average time to mine a block in seconds.
func (e *Ethereum) AvgBlock() int {
	return e.avg
}

// Close ends a connection
func (e *Ethereum) Close() {
	e.c.Close()
}

// rpcCtx bounds a single RPC call with the configured timeout.
func (e *Ethereum) rpcCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.timeout)
}

func (e *Ethereum) chainID(ctx context.Context) (*big.Int, error) {
	e.l.Lock()
	defer e.l.Unlock()

	if e.id != nil {
		return e.id, nil
	}

	cctx, cancel := e.rpcCtx(ctx)
	defer cancel()

	id, err := e.c.ChainID(cctx)
	if err != nil {
		return nil, fmt.Errorf("cannot get chain id: %w", err)
	}

	e.id = id

	return id, nil
}

// BlockNumber returns the current height of the chain.
func (e *Ethereum) BlockNumber(ctx context.Context) (uint64, error) {
	cctx, cancel := e.rpcCtx(ctx)
	defer cancel()

	return e.c.BlockNumber(cctx)
}

// GetBlock returns the block with all its transactions, or types.ErrNoBlock if it has not been mined yet.
func (e *Ethereum) GetBlock(ctx context.Context, number uint64) (types.Block, error) {
	cctx, cancel := e.rpcCtx(ctx)
	defer cancel()

	b, err := e.c.BlockByNumber(cctx, new(big.Int).SetUint64(number))
	if err != nil {
		if errors.Is(err, geth.NotFound) {
			return types.Block{}, types.ErrNoBlock
		}

		return types.Block{}, fmt.Errorf("cannot get block %d: %w", number, err)
	}

	return e.toBlock(ctx, b), nil
}

// GetBlockByHash returns the block identified by hash, or types.ErrNoBlock if the node does not know it.
func (e *Ethereum) GetBlockByHash(ctx context.Context, hash string) (types.Block, error) {
	cctx, cancel := e.rpcCtx(ctx)
	defer cancel()

	b, err := e.c.BlockByHash(cctx, common.HexToHash(hash))
	if err != nil {
		if errors.Is(err, geth.NotFound) {
			return types.Block{}, types.ErrNoBlock
		}

		return types.Block{}, fmt.Errorf("cannot get block %s: %w", hash, err)
	}

	return e.toBlock(ctx, b), nil
}

func (e *Ethereum) toBlock(ctx context.Context, b *gethtypes.Block) types.Block {
	blk := types.Block{
		Number: b.NumberU64(),
		Hash:   b.Hash().Hex(),
		PHash:  b.ParentHash().Hex(),
		TS:     b.Time(),
		Tx:     make([]types.Trans, 0, len(b.Transactions())),
	}

	var signer gethtypes.Signer
	if id, err := e.chainID(ctx); err == nil {
		signer = gethtypes.LatestSignerForChainID(id)
	}

	for _, tx := range b.Transactions() {
		t := types.Trans{Block: blk.Number, Hash: tx.Hash().Hex(), Input: tx.Data()}
		if tx.To() != nil {
			t.To = Hex(*tx.To())
		}

		if signer != nil {
			if from, err := gethtypes.Sender(signer, tx); err == nil {
				t.From = Hex(from)
			}
		}

		blk.Tx = append(blk.Tx, t)
	}

	return blk
}

// Receipt returns the receipt of the transaction hash, or types.ErrNoTrx if it is not known.
func (e *Ethereum) Receipt(ctx context.Context, hash string) (types.Receipt, error) {
	cctx, cancel := e.rpcCtx(ctx)
	defer cancel()

	r, err := e.c.TransactionReceipt(cctx, common.HexToHash(hash))
	if err != nil {
		if errors.Is(err, geth.NotFound) {
			return types.Receipt{}, types.ErrNoTrx
		}

		return types.Receipt{}, fmt.Errorf("cannot get receipt %s: %w", hash, err)
	}

	return toReceipt(r), nil
}

// SubscribeHeads pushes the headers of new blocks to ch. Nodes reached over HTTP do not support subscriptions and
// return types.ErrNoSubscription.
func (e *Ethereum) SubscribeHeads(ctx context.Context, ch chan<- types.Header) (types.Subscription, error) {
	raw := make(chan *gethtypes.Header, headBuffer)

	sub, err := e.c.SubscribeNewHead(ctx, raw)
	if err != nil {
		if errors.Is(err, rpc.ErrNotificationsUnsupported) {
			return nil, types.ErrNoSubscription
		}

		return nil, fmt.Errorf("cannot subscribe to new heads: %w", err)
	}

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()

		for {
			select {
			case h := <-raw:
				select {
				case ch <- types.Header{Number: h.Number.Uint64(), Hash: h.Hash().Hex()}:
				case <-quit:
					return nil
				}
			case err := <-sub.Err():
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}

// Call executes a read-only contract call against the latest block.
func (e *Ethereum) Call(ctx context.Context, to string, data []byte) ([]byte, error) {
	if !common.IsHexAddress(to) {
		return nil, fmt.Errorf("%w: %s", types.ErrBadAddress, to)
	}

	addr := common.HexToAddress(to)

	cctx, cancel := e.rpcCtx(ctx)
	defer cancel()

	out, err := e.c.CallContract(cctx, geth.CallMsg{To: &addr, Data: data}, nil)
	if reverted(err) {
		return nil, fmt.Errorf("%w: %v", types.ErrExecution, err) //nolint:errorlint // cause
	}

	return out, err
}

// reverted tells whether err is the answer of a node to a call that reverted, as opposed to a failure reaching it.
func reverted(err error) bool {
	var re rpc.Error
	if !errors.As(err, &re) {
		return false
	}

	return re.ErrorCode() == 3 || strings.Contains(strings.ToLower(re.Error()), "revert") //nolint:gomnd // EIP-1474
}

// EstimateGas returns the gas needed by a transaction from 'from' to contract 'to' (empty for deploys) carrying data.
// A call that would revert fails here.
func (e *Ethereum) EstimateGas(ctx context.Context, from, to string, data []byte) (uint64, error) {
	msg, err := callMsg(from, to, data)
	if err != nil {
		return 0, err
	}

	cctx, cancel := e.rpcCtx(ctx)
	defer cancel()

	gas, err := e.c.EstimateGas(cctx, msg)
	if err != nil {
		return 0, fmt.Errorf("estimate gas: %w", err)
	}

	return gas, nil
}

// Nonce returns the number of transactions sent by account as of the latest block.
func (e *Ethereum) Nonce(ctx context.Context, account string) (uint64, error) {
	if !common.IsHexAddress(account) {
		return 0, fmt.Errorf("%w: %s", types.ErrBadAddress, account)
	}

	cctx, cancel := e.rpcCtx(ctx)
	defer cancel()

	return e.c.NonceAt(cctx, common.HexToAddress(account), nil)
}

// Send signs with key a transaction to contract 'to' carrying data and using nonce, submits it and waits until it is
// mined. An empty 'to' deploys a contract; its address is returned in the receipt. A mined but failed transaction
// returns its receipt and types.ErrReverted, and one not mined within maxBlocks average blocks types.ErrReceiptTimeout.
func (e *Ethereum) Send(ctx context.Context, key *ecdsa.PrivateKey, to string, data []byte,
	nonce uint64) (types.Receipt, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)

	msg, err := callMsg(from.Hex(), to, data)
	if err != nil {
		return types.Receipt{}, err
	}

	id, err := e.chainID(ctx)
	if err != nil {
		return types.Receipt{}, err
	}

	gas, err := e.EstimateGas(ctx, from.Hex(), to, data)
	if err != nil {
		return types.Receipt{}, err
	}

	cctx, cancel := e.rpcCtx(ctx)
	defer cancel()

	price, err := e.c.SuggestGasPrice(cctx)
	if err != nil {
		return types.Receipt{}, fmt.Errorf("gas price: %w", err)
	}

	tx := gethtypes.NewTx(&gethtypes.LegacyTx{Nonce: nonce, To: msg.To, Gas: gas, GasPrice: price, Data: data})

	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(id), key)
	if err != nil {
		return types.Receipt{}, fmt.Errorf("sign transaction: %w", err)
	}

	if err = e.c.SendTransaction(cctx, signed); err != nil {
		return types.Receipt{}, fmt.Errorf("send transaction: %w", err)
	}

	wctx, wcancel := context.WithTimeout(ctx, e.wait)
	defer wcancel()

	r, err := bind.WaitMined(wctx, e.c, signed)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		err = types.ErrReceiptTimeout
	}

	if err != nil {
		return types.Receipt{Hash: signed.Hash().Hex()}, fmt.Errorf("wait for transaction %s: %w",
			signed.Hash().Hex(), err)
	}

	rec := toReceipt(r)
	if r.Status == gethtypes.ReceiptStatusFailed {
		return rec, fmt.Errorf("%w: %s", types.ErrReverted, rec.Hash)
	}

	return rec, nil
}

// callMsg builds the message for a call or transaction. An empty 'to' stands for a contract creation.
func callMsg(from, to string, data []byte) (geth.CallMsg, error) {
	msg := geth.CallMsg{Data: data}

	if from != "" {
		if !common.IsHexAddress(from) {
			return msg, fmt.Errorf("%w: %s", types.ErrBadAddress, from)
		}

		msg.From = common.HexToAddress(from)
	}

	if to != "" {
		if !common.IsHexAddress(to) {
			return msg, fmt.Errorf("%w: %s", types.ErrBadAddress, to)
		}

		a := common.HexToAddress(to)
		msg.To = &a
	}

	return msg, nil
}

// Hex returns the lowercase hex form of an address, the form used for addresses in the store.
func Hex(a common.Address) string {
	return strings.ToLower(a.Hex())
}

func toReceipt(r *gethtypes.Receipt) types.Receipt {
	rec := types.Receipt{
		Hash:   r.TxHash.Hex(),
		Status: r.Status,
		Logs:   make([]types.Log, 0, len(r.Logs)),
	}

	if r.BlockNumber != nil {
		rec.Block = r.BlockNumber.Uint64()
	}

	if r.ContractAddress != (common.Address{}) {
		rec.Contract = Hex(r.ContractAddress)
	}

	for _, l := range r.Logs {
		rec.Logs = append(rec.Logs, types.Log{Address: Hex(l.Address), Topics: l.Topics, Data: l.Data, Index: l.Index})
	}

	return rec
}
