// Package blocktest implements an in-memory chain satisfying block.Chain, used by the tests of the services.
package blocktest

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"

	"github.com/tarancss/cargo/lib/block/types"
	"github.com/tarancss/cargo/lib/contract"
	cargoevent "github.com/tarancss/cargo/lib/event"
)

// ErrReverted is returned by calls to contracts the chain does not know.
var ErrReverted = types.ErrExecution

// CallFunc answers read-only calls to a contract.
type CallFunc func(data []byte) ([]byte, error)

// Tx describes a transaction to be mined. An empty To is a contract creation deploying Contract.
type Tx struct {
	From     string
	To       string
	Input    []byte
	Logs     []types.Log
	Contract string
	Failed   bool
}

// Sent records a transaction submitted through Send.
type Sent struct {
	From  string
	To    string
	Data  []byte
	Nonce uint64
	Hash  string
}

type sub struct {
	ch   chan types.Header
	fail chan error
}

// Chain is an in-memory chain. The zero value is not usable, call New.
type Chain struct {
	name string
	node string
	mb   int
	avg  int

	mu         sync.Mutex
	seq        int64
	blocks     []types.Block
	receipts   map[string]types.Receipt
	calls      map[string]CallFunc
	incentives map[string][2]*big.Int
	nonces     map[string]uint64
	subs       []*sub
	sent       []Sent
	noSub      bool
	sendErr    func(to string, data []byte) error
	sendHold   func(to string, data []byte) bool
}

// New returns a chain holding only its genesis block.
func New(name, node string) *Chain {
	c := &Chain{
		name:       name,
		node:       node,
		mb:         4,
		receipts:   make(map[string]types.Receipt),
		calls:      make(map[string]CallFunc),
		incentives: make(map[string][2]*big.Int),
		nonces:     make(map[string]uint64),
	}
	c.blocks = []types.Block{{Number: 0, Hash: c.hash(), PHash: common.Hash{}.Hex()}}

	return c
}

func (c *Chain) hash() string {
	c.seq++

	return crypto.Keccak256Hash([]byte(fmt.Sprintf("%s-%d", c.name, c.seq))).Hex()
}

// WithoutSubscriptions makes SubscribeHeads fail as it does over HTTP.
func (c *Chain) WithoutSubscriptions() *Chain {
	c.noSub = true

	return c
}

// WithMaxBlocks sets the number of block hashes kept to detect reorganisations.
func (c *Chain) WithMaxBlocks(n int) *Chain {
	c.mb = n

	return c
}

// HoldSends makes Send wait for its context to be done, when f returns true, as a node that never mines the
// transaction.
func (c *Chain) HoldSends(f func(to string, data []byte) bool) {
	c.mu.Lock()
	c.sendHold = f
	c.mu.Unlock()
}

// FailSends makes Send return the error returned by f, when not nil.
func (c *Chain) FailSends(f func(to string, data []byte) error) {
	c.mu.Lock()
	c.sendErr = f
	c.mu.Unlock()
}

// Mine appends a block with txs and announces it to the subscribers.
func (c *Chain) Mine(txs ...Tx) types.Block {
	c.mu.Lock()
	defer c.mu.Unlock()

	parent := c.blocks[len(c.blocks)-1]
	b := types.Block{Number: parent.Number + 1, Hash: c.hash(), PHash: parent.Hash, TS: parent.TS + 1}

	for i, tx := range txs {
		t := types.Trans{Block: b.Number, Hash: c.hash(), From: lower(tx.From), To: lower(tx.To), Input: tx.Input}
		b.Tx = append(b.Tx, t)

		r := types.Receipt{Hash: t.Hash, Block: b.Number, Status: types.ReceiptSuccess, Contract: lower(tx.Contract)}
		if tx.Failed {
			r.Status = types.ReceiptFailed
		}

		for j, l := range tx.Logs {
			l.Index = uint(i*100 + j)
			r.Logs = append(r.Logs, l)
		}

		c.receipts[t.Hash] = r
	}

	c.blocks = append(c.blocks, b)

	for _, s := range c.subs {
		select {
		case s.ch <- types.Header{Number: b.Number, Hash: b.Hash}:
		default:
		}
	}

	return b
}

// Reorg replaces the blocks from number on with new ones, keeping their transactions.
func (c *Chain) Reorg(number uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := number; i < uint64(len(c.blocks)); i++ {
		c.blocks[i].Hash = c.hash()
		if i > number {
			c.blocks[i].PHash = c.blocks[i-1].Hash
		}
	}
}

// BreakSubscriptions ends every live subscription with err.
func (c *Chain) BreakSubscriptions(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.subs {
		s.fail <- err
	}

	c.subs = nil
}

// Subscriptions returns the number of live subscriptions.
func (c *Chain) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.subs)
}

// OnCall registers the answers of contract addr to read-only calls.
func (c *Chain) OnCall(addr string, f CallFunc) {
	c.mu.Lock()
	c.calls[lower(addr)] = f
	c.mu.Unlock()
}

// AddPlatformContract makes addr answer the introspection calls of a platform contract with the given prefix, and
// the incentive queries set with SetIncentive.
func (c *Chain) AddPlatformContract(addr, prefix string) {
	supports := contract.Introspection.Methods["supportsInterface"]
	getPrefix := contract.Introspection.Methods["getDkargoPrefix"]
	incentives := contract.Service.Methods["incentives"]

	c.OnCall(addr, func(data []byte) ([]byte, error) {
		if len(data) < 4 {
			return nil, ErrReverted
		}

		switch string(data[:4]) {
		case string(supports.ID):
			return supports.Outputs.Pack(true)
		case string(getPrefix.ID):
			return getPrefix.Outputs.Pack(prefix)
		case string(incentives.ID):
			args, err := incentives.Inputs.Unpack(data[4:])
			if err != nil {
				return nil, err
			}

			a, _ := args[0].(common.Address)

			c.mu.Lock()
			v, ok := c.incentives[lower(a.Hex())]
			c.mu.Unlock()

			if !ok {
				v = [2]*big.Int{new(big.Int), new(big.Int)}
			}

			return incentives.Outputs.Pack(v[0], v[1])
		}

		return nil, ErrReverted
	})
}

// SetIncentive sets the incentives returned for addr by the platform contracts.
func (c *Chain) SetIncentive(addr string, total, settle int64) {
	c.mu.Lock()
	c.incentives[lower(addr)] = [2]*big.Int{big.NewInt(total), big.NewInt(settle)}
	c.mu.Unlock()
}

// SetNonce sets the next nonce of account.
func (c *Chain) SetNonce(account string, nonce uint64) {
	c.mu.Lock()
	c.nonces[lower(account)] = nonce
	c.mu.Unlock()
}

// Sent returns the transactions submitted so far.
func (c *Chain) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]Sent(nil), c.sent...)
}

// Name returns the chain name.
func (c *Chain) Name() string { return c.name }

// Endpoint returns the node the chain was created with.
func (c *Chain) Endpoint() string { return c.node }

// MaxBlocks returns how many block hashes are kept for reorganisation checks.
func (c *Chain) MaxBlocks() int { return c.mb }

// AvgBlock returns zero, so services poll without waiting.
func (c *Chain) AvgBlock() int { return c.avg }

// Close does nothing.
func (c *Chain) Close() {}

// BlockNumber returns the number of the last mined block.
func (c *Chain) BlockNumber(_ context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.blocks[len(c.blocks)-1].Number, nil
}

// GetBlock returns block number or types.ErrNoBlock.
func (c *Chain) GetBlock(_ context.Context, number uint64) (types.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if number >= uint64(len(c.blocks)) {
		return types.Block{}, types.ErrNoBlock
	}

	return c.blocks[number], nil
}

// GetBlockByHash returns the block identified by hash or types.ErrNoBlock.
func (c *Chain) GetBlockByHash(_ context.Context, hash string) (types.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, b := range c.blocks {
		if b.Hash == hash {
			return b, nil
		}
	}

	return types.Block{}, types.ErrNoBlock
}

// Receipt returns the receipt of a mined transaction or types.ErrNoTrx.
func (c *Chain) Receipt(_ context.Context, hash string) (types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.receipts[hash]
	if !ok {
		return types.Receipt{}, types.ErrNoTrx
	}

	return r, nil
}

// SubscribeHeads announces every block mined from now on.
func (c *Chain) SubscribeHeads(_ context.Context, ch chan<- types.Header) (types.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.noSub {
		return nil, types.ErrNoSubscription
	}

	s := &sub{ch: make(chan types.Header, 64), fail: make(chan error, 1)} //nolint:gomnd // buffered heads
	c.subs = append(c.subs, s)

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer c.unsubscribe(s)

		for {
			select {
			case h := <-s.ch:
				select {
				case ch <- h:
				case <-quit:
					return nil
				}
			case err := <-s.fail:
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}

func (c *Chain) unsubscribe(s *sub) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, x := range c.subs {
		if x == s {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)

			return
		}
	}
}

// Call answers with the CallFunc registered for 'to', or ErrReverted.
func (c *Chain) Call(_ context.Context, to string, data []byte) ([]byte, error) {
	c.mu.Lock()
	f, ok := c.calls[lower(to)]
	c.mu.Unlock()

	if !ok {
		return nil, ErrReverted
	}

	return f(data)
}

// EstimateGas returns a flat amount of gas.
func (c *Chain) EstimateGas(_ context.Context, _, _ string, _ []byte) (uint64, error) {
	return 21000, nil //nolint:gomnd // transfer gas
}

// Nonce returns the next nonce of account.
func (c *Chain) Nonce(_ context.Context, account string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.nonces[lower(account)], nil
}

// Send records the transaction and returns a successful receipt. Contract creations return the address derived from
// the sender and nonce.
func (c *Chain) Send(ctx context.Context, key *ecdsa.PrivateKey, to string, data []byte,
	nonce uint64) (types.Receipt, error) {
	c.mu.Lock()
	hold := c.sendHold
	c.mu.Unlock()

	if hold != nil && hold(lower(to), data) {
		<-ctx.Done()

		return types.Receipt{}, fmt.Errorf("%w: %v", types.ErrReceiptTimeout, ctx.Err()) //nolint:errorlint // cause
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	from := crypto.PubkeyToAddress(key.PublicKey)

	if c.sendErr != nil {
		if err := c.sendErr(lower(to), data); err != nil {
			return types.Receipt{}, err
		}
	}

	s := Sent{From: lower(from.Hex()), To: lower(to), Data: data, Nonce: nonce, Hash: c.hash()}
	c.sent = append(c.sent, s)

	if nonce+1 > c.nonces[s.From] {
		c.nonces[s.From] = nonce + 1
	}

	r := types.Receipt{Hash: s.Hash, Block: c.blocks[len(c.blocks)-1].Number + 1, Status: types.ReceiptSuccess}
	if to == "" {
		r.Contract = lower(crypto.CreateAddress(from, nonce).Hex())
	}

	return r, nil
}

// table decodes and encodes the events of the service contract.
var table = cargoevent.NewTable(contract.Service) //nolint:gochecknoglobals // immutable

// EventLog builds a log of event name emitted by addr. Arguments are given in declaration order: addresses as hex
// strings and integers as int64 or *big.Int.
func EventLog(addr, name string, args ...interface{}) types.Log {
	e, ok := table.Entry(name)
	if !ok {
		panic("unknown event " + name)
	}

	if len(args) != len(e.Inputs) {
		panic(fmt.Sprintf("event %s takes %d arguments", name, len(e.Inputs)))
	}

	l := types.Log{Address: lower(addr), Topics: []common.Hash{e.Sig}}

	var data []interface{}

	for i, in := range e.Inputs {
		v := args[i]

		switch x := v.(type) {
		case string:
			v = common.HexToAddress(x)
		case int:
			v = big.NewInt(int64(x))
		case int64:
			v = big.NewInt(x)
		case uint64:
			v = new(big.Int).SetUint64(x)
		}

		if !in.Indexed {
			data = append(data, v)

			continue
		}

		switch x := v.(type) {
		case common.Address:
			l.Topics = append(l.Topics, common.BytesToHash(x.Bytes()))
		case *big.Int:
			l.Topics = append(l.Topics, common.BigToHash(x))
		}
	}

	packed, err := e.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		panic(err)
	}

	l.Data = packed

	return l
}

// HandoffLog builds an OrderTransferred log.
func HandoffLog(addr, order, from, to string, seq uint64) types.Log {
	return EventLog(addr, cargoevent.OrderTransferred, order, from, to, seq)
}

// UpdateOrderCodeInput returns the call data of an updateOrderCode transaction.
func UpdateOrderCodeInput(order string, seq, code int64) []byte {
	data, err := contract.UpdateOrderCode(order, big.NewInt(seq), big.NewInt(code))
	if err != nil {
		panic(err)
	}

	return data
}

// SubmitOrderCreateInput returns the call data of a submitOrderCreate transaction.
func SubmitOrderCreateInput() []byte {
	data, _ := contract.SubmitOrderCreate()

	return data
}

func lower(s string) string {
	return strings.ToLower(s)
}
