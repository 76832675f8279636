// Package memory implements the store interface in process memory. Data is lost when the process ends.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/tarancss/cargo/lib/store"
	"github.com/tarancss/cargo/lib/util"
)

type workKey struct {
	order string
	seq   uint64
}

// Memory implements an in-memory database.
type Memory struct {
	l        sync.Mutex
	cps      map[string]store.Checkpoint
	works    map[workKey]store.WorkItem
	accounts map[string]store.Account
	orders   map[string]store.OrderMap // by contract address
}

// New returns an empty database.
func New() *Memory {
	return &Memory{
		cps:      make(map[string]store.Checkpoint),
		works:    make(map[workKey]store.WorkItem),
		accounts: make(map[string]store.Account),
		orders:   make(map[string]store.OrderMap),
	}
}

// Close does nothing.
func (m *Memory) Close() error {
	return nil
}

// LoadCheckpoint returns the checkpoint of net or store.ErrDataNotFound.
func (m *Memory) LoadCheckpoint(_ context.Context, net string) (store.Checkpoint, error) {
	m.l.Lock()
	defer m.l.Unlock()

	cp, ok := m.cps[net]
	if !ok {
		return store.Checkpoint{}, store.ErrDataNotFound
	}

	cp.Bh = append([]string(nil), cp.Bh...)

	return cp, nil
}

// SaveCheckpoint creates or replaces the checkpoint of cp.Net.
func (m *Memory) SaveCheckpoint(_ context.Context, cp store.Checkpoint) error {
	m.l.Lock()
	defer m.l.Unlock()

	cp.Bh = append([]string(nil), cp.Bh...)
	m.cps[cp.Net] = cp

	return nil
}

// CountWork returns the number of work items.
func (m *Memory) CountWork(_ context.Context) (int64, error) {
	m.l.Lock()
	defer m.l.Unlock()

	return int64(len(m.works)), nil
}

// InsertWork saves a new work item, or returns store.ErrDuplicated if its order already has one at w.Seq.
func (m *Memory) InsertWork(_ context.Context, w store.WorkItem) error {
	m.l.Lock()
	defer m.l.Unlock()

	k := workKey{order: strings.ToLower(w.Order), seq: w.Seq}
	if _, ok := m.works[k]; ok {
		return store.ErrDuplicated
	}

	m.works[k] = w

	return nil
}

// MarkExecuted sets executed on the item of order handed to 'to' at seq.
func (m *Memory) MarkExecuted(_ context.Context, order, to string, seq uint64) error {
	m.l.Lock()
	defer m.l.Unlock()

	k := workKey{order: strings.ToLower(order), seq: seq}

	w, ok := m.works[k]
	if !ok || !strings.EqualFold(w.To, to) {
		return store.ErrDataNotFound
	}

	w.Executed = true
	m.works[k] = w

	return nil
}

// PurgeWork deletes the items recorded in block and returns how many were deleted.
func (m *Memory) PurgeWork(_ context.Context, block uint64) (int64, error) {
	m.l.Lock()
	defer m.l.Unlock()

	var n int64

	for k, w := range m.works {
		if w.Block == block {
			delete(m.works, k)
			n++
		}
	}

	return n, nil
}

// PendingWork returns the unexecuted items handed to company ordered by block, order and sequence.
func (m *Memory) PendingWork(_ context.Context, company string) ([]store.WorkItem, error) {
	m.l.Lock()
	defer m.l.Unlock()

	var ws []store.WorkItem

	for _, w := range m.works {
		if !w.Executed && strings.EqualFold(w.To, company) {
			ws = append(ws, w)
		}
	}

	sort.Slice(ws, func(i, j int) bool {
		if ws[i].Block != ws[j].Block {
			return ws[i].Block < ws[j].Block
		}

		if ws[i].Order != ws[j].Order {
			return ws[i].Order < ws[j].Order
		}

		return ws[i].Seq < ws[j].Seq
	})

	return ws, nil
}

// AddAccount saves a new idle account, or returns store.ErrDuplicated.
func (m *Memory) AddAccount(_ context.Context, a store.Account) error {
	m.l.Lock()
	defer m.l.Unlock()

	k := strings.ToLower(a.Addr)
	if _, ok := m.accounts[k]; ok {
		return store.ErrDuplicated
	}

	a.Addr = k
	a.Status = store.Idle
	m.accounts[k] = a

	return nil
}

// RemoveAccount deletes an account or returns store.ErrDataNotFound.
func (m *Memory) RemoveAccount(_ context.Context, addr string) error {
	m.l.Lock()
	defer m.l.Unlock()

	k := strings.ToLower(addr)
	if _, ok := m.accounts[k]; !ok {
		return store.ErrDataNotFound
	}

	delete(m.accounts, k)

	return nil
}

// CountAccounts returns how many accounts are stored for addr.
func (m *Memory) CountAccounts(_ context.Context, addr string) (int64, error) {
	m.l.Lock()
	defer m.l.Unlock()

	if _, ok := m.accounts[strings.ToLower(addr)]; ok {
		return 1, nil
	}

	return 0, nil
}

// GetAccount returns the account addr or store.ErrDataNotFound.
func (m *Memory) GetAccount(_ context.Context, addr string) (store.Account, error) {
	m.l.Lock()
	defer m.l.Unlock()

	a, ok := m.accounts[strings.ToLower(addr)]
	if !ok {
		return store.Account{}, store.ErrDataNotFound
	}

	return a, nil
}

// AcquireAccount sets an idle account to proceeding with command cmd. A proceeding account returns store.ErrBusy.
func (m *Memory) AcquireAccount(_ context.Context, addr, cmd string) error {
	m.l.Lock()
	defer m.l.Unlock()

	k := strings.ToLower(addr)

	a, ok := m.accounts[k]
	if !ok {
		return store.ErrDataNotFound
	}

	if a.Status != store.Idle {
		return store.ErrBusy
	}

	a.Status = store.Proceeding
	a.Cmd = cmd
	m.accounts[k] = a

	return nil
}

// ReleaseAccount sets an account back to idle.
func (m *Memory) ReleaseAccount(_ context.Context, addr string) error {
	m.l.Lock()
	defer m.l.Unlock()

	k := strings.ToLower(addr)

	a, ok := m.accounts[k]
	if !ok {
		return store.ErrDataNotFound
	}

	a.Status = store.Idle
	m.accounts[k] = a

	return nil
}

// SaveOrder saves a new order map, or returns store.ErrDuplicated when its origin id or address is already mapped.
func (m *Memory) SaveOrder(_ context.Context, o store.OrderMap) error {
	m.l.Lock()
	defer m.l.Unlock()

	k := strings.ToLower(o.Addr)
	if _, ok := m.orders[k]; ok {
		return store.ErrDuplicated
	}

	for _, x := range m.orders {
		if x.OriginID == o.OriginID {
			return store.ErrDuplicated
		}
	}

	o.Addr = k
	o.Codes = copyCodes(o.Codes)
	m.orders[k] = o

	return nil
}

// UpdateOrderCode sets the latest code of order addr and, for known codes, the sequence at which it was reached.
func (m *Memory) UpdateOrderCode(_ context.Context, addr string, code int, seq uint64) error {
	m.l.Lock()
	defer m.l.Unlock()

	k := strings.ToLower(addr)

	o, ok := m.orders[k]
	if !ok {
		return store.ErrDataNotFound
	}

	o.Latest = code
	o.Codes = copyCodes(o.Codes)

	if util.In(store.Codes, code) {
		o.Codes[code] = seq
	}

	m.orders[k] = o

	return nil
}

// FindOrderByID returns the order map of originID or store.ErrDataNotFound.
func (m *Memory) FindOrderByID(_ context.Context, originID string) (store.OrderMap, error) {
	m.l.Lock()
	defer m.l.Unlock()

	for _, o := range m.orders {
		if o.OriginID == originID {
			o.Codes = copyCodes(o.Codes)

			return o, nil
		}
	}

	return store.OrderMap{}, store.ErrDataNotFound
}

// FindOrderByAddress returns the order map of contract addr or store.ErrDataNotFound.
func (m *Memory) FindOrderByAddress(_ context.Context, addr string) (store.OrderMap, error) {
	m.l.Lock()
	defer m.l.Unlock()

	o, ok := m.orders[strings.ToLower(addr)]
	if !ok {
		return store.OrderMap{}, store.ErrDataNotFound
	}

	o.Codes = copyCodes(o.Codes)

	return o, nil
}

func copyCodes(c map[int]uint64) map[int]uint64 {
	r := make(map[int]uint64, len(c))
	for k, v := range c {
		r[k] = v
	}

	return r
}
