package store

import (
	"fmt"
	"sort"
)

// Checkpoint contains the last block fully processed for a network, together with the hashes of the latest blocks
// used to check new blocks are chained.
type Checkpoint struct {
	Net   string   `json:"net" bson:"nettype"`
	Block uint64   `json:"block" bson:"blockNumber"`
	Bh    []string `json:"bh" bson:"bh"`   // last block hashes, revolving
	Bhi   int      `json:"bhi" bson:"bhi"` // index to last block's hash in Bh
}

// WorkItem is a hand-off of an order from company From to company To at transport sequence Seq. Executed is set when
// the next hand-off of the order is recorded.
type WorkItem struct {
	Order    string `json:"order" bson:"order"`
	From     string `json:"from" bson:"from"`
	To       string `json:"to" bson:"to"`
	Seq      uint64 `json:"transportid" bson:"transportid"`
	Block    uint64 `json:"blocknumber" bson:"blocknumber"`
	Executed bool   `json:"executed" bson:"executed"`
}

// AccountStatus is the dispatch status of a managed account.
type AccountStatus int

// Account statuses.
const (
	Idle AccountStatus = iota
	Proceeding
)

// String returns the name of the status as stored and returned to clients.
func (s AccountStatus) String() string {
	switch s {
	case Idle:
		return "idle"
	case Proceeding:
		return "proceeding"
	}

	return fmt.Sprintf("AccountStatus(%d)", int(s))
}

// ParseStatus returns the status called name.
func ParseStatus(name string) (AccountStatus, error) {
	switch name {
	case "idle":
		return Idle, nil
	case "proceeding":
		return Proceeding, nil
	}

	return Idle, fmt.Errorf("%w: status %q", ErrInvalid, name)
}

// Account is a managed account whose keystore password is kept by the service. Cmd is the last command dispatched.
type Account struct {
	Addr   string        `json:"account"`
	Passwd string        `json:"passwd"`
	Cmd    string        `json:"cmdName"`
	Status AccountStatus `json:"status"`
}

// Well known delivery codes of an order.
var Codes = []int{10, 20, 30, 40, 60, 70} //nolint:gochecknoglobals // constant list

// OrderMap maps the platform id of an order to its contract. Codes holds the transport sequence number at which each
// delivery code was reached.
type OrderMap struct {
	OriginID string         `json:"originId"`
	Addr     string         `json:"address"`
	Latest   int            `json:"latest"`
	Codes    map[int]uint64 `json:"codes,omitempty"`
}

// TransportIDs returns the transport sequence numbers reached for the known codes, ordered by code.
func (o OrderMap) TransportIDs() []uint64 {
	keys := make([]int, 0, len(o.Codes))
	for k := range o.Codes {
		keys = append(keys, k)
	}

	sort.Ints(keys)

	ids := make([]uint64, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, o.Codes[k])
	}

	return ids
}
