package monitor

import (
	"sync"

	"github.com/tarancss/cargo/lib/store"
)

// Cursor contains the progress of the monitoring of a network: the last block processed and the hashes of the latest
// blocks, used to check new blocks are chained.
type Cursor struct {
	l     sync.Mutex
	net   string
	Block uint64   // last block processed
	Bh    []string // contains the last blocks hashes (from Block to Block-maxBlocks+1)
	Bhi   int      // index to last block's hash in Bh
}

// NewCursor returns an empty cursor keeping n block hashes.
func NewCursor(net string, n int) *Cursor {
	if n < 1 {
		n = 1
	}

	return &Cursor{net: net, Bh: make([]string, n)}
}

// Chained checks if the supplied hash is the last block's hash. An empty cursor accepts any block.
func (c *Cursor) Chained(hash string) bool {
	c.l.Lock()
	defer c.l.Unlock()

	return c.Bh[c.Bhi] == hash || c.Bh[c.Bhi] == ""
}

// UpdateChain records block number with hash as the last block processed.
func (c *Cursor) UpdateChain(number uint64, hash string) {
	c.l.Lock()
	defer c.l.Unlock()

	c.Block = number
	c.Bhi++
	c.Bhi %= len(c.Bh)
	c.Bh[c.Bhi] = hash
}

// Rewind forgets the last block processed, so it can be processed again.
func (c *Cursor) Rewind() {
	c.l.Lock()
	defer c.l.Unlock()

	c.Bh[c.Bhi] = ""
	c.Bhi = (c.Bhi - 1 + len(c.Bh)) % len(c.Bh)

	if c.Block > 0 {
		c.Block--
	}
}

// ToStore returns a store.Checkpoint to be saved to store
func (c *Cursor) ToStore() store.Checkpoint {
	c.l.Lock()
	defer c.l.Unlock()

	return store.Checkpoint{
		Net:   c.net,
		Block: c.Block,
		Bh:    append([]string(nil), c.Bh...),
		Bhi:   c.Bhi,
	}
}

// FromStore loads the cursor with the values read from store. When the number of hashes kept changed since the
// checkpoint was saved only the last hash is kept.
func (c *Cursor) FromStore(cp store.Checkpoint) {
	c.l.Lock()
	defer c.l.Unlock()

	c.Block = cp.Block

	if len(cp.Bh) == len(c.Bh) && cp.Bhi >= 0 && cp.Bhi < len(cp.Bh) {
		copy(c.Bh, cp.Bh)
		c.Bhi = cp.Bhi

		return
	}

	for i := range c.Bh {
		c.Bh[i] = ""
	}

	c.Bhi = 0

	if cp.Bhi >= 0 && cp.Bhi < len(cp.Bh) {
		c.Bh[0] = cp.Bh[cp.Bhi]
	}
}
