// Package event classifies and decodes the event logs emitted by platform transactions.
//
// A Table is derived once from a contract ABI and maps every event to its input schema and topic signature. Decode
// selects, from the method selector of a transaction, which events are expected and returns every log of the receipt
// matching them, in log order.
package event

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	log "github.com/sirupsen/logrus"

	"github.com/tarancss/cargo/lib/block/types"
)

// Event names.
const (
	CompanyRegistered   = "CompanyRegistered"
	CompanyUnregistered = "CompanyUnregistered"
	Settled             = "Settled"
	OrderTransferred    = "OrderTransferred"
	IncentiveUpdated    = "IncentiveUpdated"
	OrderCreated        = "OrderCreated"
	OrderPayed          = "OrderPayed"
)

// ErrBadHandoff is returned when an OrderTransferred event does not carry the expected arguments.
var ErrBadHandoff = errors.New("malformed hand-off event")

// Entry describes one event of the table.
type Entry struct {
	Name   string
	Inputs abi.Arguments
	Proto  string      // canonical prototype, ie. "Settled(address,uint256,uint256)"
	Sig    common.Hash // first topic of the logs of this event
}

// Table is the event signature table of a contract.
type Table struct {
	entries []Entry
	byName  map[string]int
}

// NewTable builds the table for all the events declared in a.
func NewTable(a abi.ABI) *Table {
	names := make([]string, 0, len(a.Events))
	for n := range a.Events {
		names = append(names, n)
	}

	sort.Strings(names)

	t := &Table{entries: make([]Entry, 0, len(names)), byName: make(map[string]int, len(names))}

	for _, n := range names {
		ev := a.Events[n]

		ts := make([]string, 0, len(ev.Inputs))
		for _, in := range ev.Inputs {
			ts = append(ts, in.Type.String())
		}

		proto := ev.RawName + "(" + strings.Join(ts, ",") + ")"

		t.byName[ev.RawName] = len(t.entries)
		t.entries = append(t.entries, Entry{
			Name:   ev.RawName,
			Inputs: ev.Inputs,
			Proto:  proto,
			Sig:    crypto.Keccak256Hash([]byte(proto)),
		})
	}

	return t
}

// Entries returns the entries of the table sorted by name.
func (t *Table) Entries() []Entry {
	return t.entries
}

// Entry returns the entry of the event called name.
func (t *Table) Entry(name string) (Entry, bool) {
	i, ok := t.byName[name]
	if !ok {
		return Entry{}, false
	}

	return t.entries[i], true
}

// Args returns the decoded arguments of every log of event name found in logs, preserving log order. Logs that
// cannot be decoded are logged and skipped.
func (t *Table) Args(name string, logs []types.Log) []map[string]interface{} {
	e, ok := t.Entry(name)
	if !ok {
		return nil
	}

	var indexed abi.Arguments

	for _, in := range e.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}

	var rets []map[string]interface{}

	for _, l := range logs {
		if len(l.Topics) == 0 || l.Topics[0] != e.Sig {
			continue
		}

		args := make(map[string]interface{}, len(e.Inputs))

		if err := abi.ParseTopicsIntoMap(args, indexed, l.Topics[1:]); err != nil {
			log.Warnf("Cannot decode topics of %s log %d from %s: %v", name, l.Index, l.Address, err)

			continue
		}

		if err := e.Inputs.NonIndexed().UnpackIntoMap(args, l.Data); err != nil {
			log.Warnf("Cannot decode data of %s log %d from %s: %v", name, l.Index, l.Address, err)

			continue
		}

		rets = append(rets, args)
	}

	return rets
}

// Decoded is an event found in a receipt.
type Decoded struct {
	Name string
	Args map[string]interface{}
}

// selector returns the method id of a function signature.
func selector(sig string) [4]byte {
	var s [4]byte

	copy(s[:], crypto.Keccak256([]byte(sig))[:4])

	return s
}

// dispatch maps the method selectors of platform transactions to the events they are expected to emit, in the order
// they are extracted.
var dispatch = map[[4]byte][]string{ //nolint:gochecknoglobals // lookup table
	selector("register(address)"):                        {CompanyRegistered},
	selector("unregister(address)"):                      {CompanyUnregistered},
	selector("settle(address)"):                          {Settled},
	selector("markOrderPayed(address)"):                  {OrderPayed},
	selector("updateOrderCode(address,uint256,uint256)"): {OrderTransferred, IncentiveUpdated},
	selector("submitOrderCreate()"):                      {OrderCreated, OrderTransferred},
}

// Expected returns the events expected for a transaction with the given call data, or nil for unknown selectors.
func Expected(input []byte) []string {
	if len(input) < 4 {
		return nil
	}

	var s [4]byte

	copy(s[:], input[:4])

	return dispatch[s]
}

// Decode returns the events emitted in logs by a transaction with call data input. Unknown selectors yield no events.
func (t *Table) Decode(input []byte, logs []types.Log) []Decoded {
	var ds []Decoded

	for _, name := range Expected(input) {
		for _, args := range t.Args(name, logs) {
			ds = append(ds, Decoded{Name: name, Args: args})
		}
	}

	return ds
}

// Handoff is an order moving from one company to another at a transport sequence number. A hand-off To the zero
// address is the final delivery.
type Handoff struct {
	Net   string `json:"net"`
	Order string `json:"order"`
	From  string `json:"from"`
	To    string `json:"to"`
	Seq   uint64 `json:"transportid"`
	Block uint64 `json:"block"`
}

// ToHandoff converts a decoded OrderTransferred event. Addresses are lowercased.
func ToHandoff(d Decoded) (Handoff, error) {
	if d.Name != OrderTransferred {
		return Handoff{}, fmt.Errorf("%w: event %s", ErrBadHandoff, d.Name)
	}

	var h Handoff

	for k, dst := range map[string]*string{"order": &h.Order, "from": &h.From, "to": &h.To} {
		a, ok := d.Args[k].(common.Address)
		if !ok {
			return Handoff{}, fmt.Errorf("%w: missing %s", ErrBadHandoff, k)
		}

		*dst = strings.ToLower(a.Hex())
	}

	seq, ok := d.Args["transportid"].(*big.Int)
	if !ok || !seq.IsUint64() || seq.Sign() <= 0 {
		return Handoff{}, fmt.Errorf("%w: invalid transportid %v", ErrBadHandoff, d.Args["transportid"])
	}

	h.Seq = seq.Uint64()

	return h, nil
}
