package monitor

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/tarancss/cargo/lib/block/types"
	"github.com/tarancss/cargo/lib/contract"
	"github.com/tarancss/cargo/lib/event"
	"github.com/tarancss/cargo/lib/metrics"
	"github.com/tarancss/cargo/lib/store"
)

// processBlock processes the transactions of b and saves the checkpoint. Events that cannot be decoded are logged and
// skipped; a failure to reach the node or the store fails the block, which is then processed again.
func (m *Monitor) processBlock(ctx context.Context, b types.Block) error {
	if !m.cur.Chained(b.PHash) {
		log.Warnf("[%s] Block %d is not chained!! parent:%s", m.cfg.Net, b.Number, b.PHash)
		metrics.Reorgs.WithLabelValues(m.cfg.Net).Inc()
	}

	log.Debugf("[%s] Parsing block %d hash:%s txs:%d", m.cfg.Net, b.Number, b.Hash, len(b.Tx))

	for _, tx := range b.Tx {
		if err := m.processTx(ctx, tx); err != nil {
			return fmt.Errorf("block %d: %w", b.Number, err)
		}
	}

	m.cur.UpdateChain(b.Number, b.Hash)

	if err := m.db.SaveCheckpoint(ctx, m.cur.ToStore()); err != nil {
		m.cur.Rewind()

		return fmt.Errorf("cannot save checkpoint: %w", err)
	}

	m.next = b.Number + 1

	metrics.BlocksProcessed.WithLabelValues(m.cfg.Net).Inc()
	metrics.Checkpoint.WithLabelValues(m.cfg.Net).Set(float64(b.Number))

	return nil
}

// isPlatform tells whether addr is a platform contract. Only answers given by the contract are cached.
func (m *Monitor) isPlatform(ctx context.Context, addr string) (bool, error) {
	if ok, found := m.platform.Get(addr); found {
		return ok, nil
	}

	ok, err := contract.IsPlatform(ctx, m.c, addr)
	if err != nil {
		return false, fmt.Errorf("cannot check contract %s: %w", addr, err)
	}

	m.platform.Set(addr, ok)

	return ok, nil
}

// processTx decodes the events of a platform transaction.
func (m *Monitor) processTx(ctx context.Context, tx types.Trans) error {
	if tx.To == "" || event.Expected(tx.Input) == nil {
		return nil
	}

	ok, err := m.isPlatform(ctx, tx.To)
	if err != nil || !ok {
		return err
	}

	r, err := m.c.Receipt(ctx, tx.Hash)

	switch {
	case errors.Is(err, types.ErrNoTrx):
		log.Warnf("[%s] Receipt of %s not found", m.cfg.Net, tx.Hash)

		return nil
	case err != nil:
		return fmt.Errorf("cannot get receipt of %s: %w", tx.Hash, err)
	}

	for _, d := range m.table.Decode(tx.Input, r.Logs) {
		metrics.EventsDecoded.WithLabelValues(d.Name).Inc()

		if d.Name == event.OrderTransferred {
			if err = m.handoff(ctx, d, tx.Block); err != nil {
				return err
			}

			continue
		}

		log.WithFields(log.Fields(d.Args)).Infof("[%s] EVENT:[%s], BLOCK:[%d]", m.cfg.Net, d.Name, tx.Block)
	}

	return nil
}

// handoff applies a hand-off to the work ledger: the previous hand-off of the order is executed and, unless the order
// was delivered, a new work item is recorded. Both writes can be repeated when the block is processed again.
func (m *Monitor) handoff(ctx context.Context, d event.Decoded, block uint64) error {
	h, err := event.ToHandoff(d)
	if err != nil {
		log.Warnf("[%s] Skipping hand-off in block %d: %v", m.cfg.Net, block, err)

		return nil
	}

	h.Net, h.Block = m.cfg.Net, block

	log.WithFields(log.Fields{
		"order":       h.Order,
		"from":        h.From,
		"to":          h.To,
		"transportid": h.Seq,
	}).Infof("[%s] EVENT:[%s], BLOCK:[%d]", m.cfg.Net, event.OrderTransferred, block)

	if h.Seq != 1 {
		err = m.db.MarkExecuted(ctx, h.Order, h.From, h.Seq-1)

		switch {
		case errors.Is(err, store.ErrDataNotFound):
			log.Warnf("[%s] Not Found Previous Event! ORDER:[%s] COMPANY:[%s] TRANSPORTID:[%d]", m.cfg.Net, h.Order,
				h.From, h.Seq-1)
			metrics.CorrelationMisses.Inc()
		case err != nil:
			return fmt.Errorf("cannot execute work of order %s: %w", h.Order, err)
		}
	}

	if h.To != types.ZeroAddress {
		err = m.db.InsertWork(ctx, store.WorkItem{Order: h.Order, From: h.From, To: h.To, Seq: h.Seq, Block: block})

		switch {
		case errors.Is(err, store.ErrDuplicated):
			log.Warnf("[%s] Work of order %s at transportid %d already recorded", m.cfg.Net, h.Order, h.Seq)
		case err != nil:
			return fmt.Errorf("cannot record work of order %s: %w", h.Order, err)
		default:
			metrics.WorkCreated.Inc()
		}
	}

	if m.mb != nil {
		if err = m.mb.SendHandoff(m.cfg.Net, h); err != nil {
			log.Errorf("[%s] Cannot publish hand-off of order %s: %v", m.cfg.Net, h.Order, err)
		}
	}

	return nil
}
