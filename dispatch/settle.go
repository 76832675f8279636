package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/tarancss/cargo/lib/contract"
)

// settleIncentives pays the pending incentives of the recipients in tokens and then marks them settled in the
// service. Recipients with nothing pending are only marked settled. A recipient whose transfer fails is not marked.
func settleIncentives(d *Dispatcher, raw json.RawMessage) (*job, error) {
	var p struct {
		Service    string `json:"service"`
		Token      string `json:"token"`
		Recipients []item `json:"recipients"`
		Count      int    `json:"count"`
	}

	if ok, err := decode(raw, &p); !ok {
		if err != nil {
			return nil, err
		}

		return none("Settle"), nil
	}

	if err := counted(len(p.Recipients), p.Count); err != nil {
		return nil, err
	}

	service, err := contractAddr("service", p.Service)
	if err != nil {
		return nil, err
	}

	token, err := contractAddr("token", p.Token)
	if err != nil {
		return nil, err
	}

	for _, r := range p.Recipients {
		if _, err = contractAddr("recipient", r.Addr); err != nil {
			return nil, err
		}
	}

	return &job{exec: func(ctx context.Context, r *run) {
		var (
			payments []tx
			payees   []string
			settled  []string
		)

		for _, rc := range p.Recipients {
			_, pending, err := contract.Incentives(ctx, d.logistics, service, rc.Addr)
			if err != nil {
				r.count(false)
				log.Errorf("[%s] Cannot get incentives of %s: %v", d.logistics.Name(), rc.Addr, err)

				continue
			}

			if pending.Sign() == 0 {
				log.Debugf("[%s] Nothing to pay to %s, already settled", d.logistics.Name(), rc.Addr)

				settled = append(settled, rc.Addr)

				continue
			}

			data, err := contract.Transfer(rc.Addr, pending)
			if err != nil {
				r.count(false)
				log.Errorf("Cannot build transfer to %s: %v", rc.Addr, err)

				continue
			}

			payments = append(payments, tx{to: token, data: data,
				desc: fmt.Sprintf("TRANSFER [TO]: [%s], [AMOUNT]: [%s]", rc.Addr, pending)})
			payees = append(payees, rc.Addr)
		}

		for i, rec := range r.submit(ctx, d.token, payments) {
			if rec != nil {
				settled = append(settled, payees[i])
			}
		}

		marks := make([]tx, 0, len(settled))

		for _, a := range settled {
			data, err := contract.Settle(a)
			if err != nil {
				r.count(false)

				continue
			}

			marks = append(marks, tx{to: service, data: data, desc: fmt.Sprintf("SETTLE [RECIPIENT]: [%s]", a)})
		}

		r.submit(ctx, d.logistics, marks)
	}}, nil
}
