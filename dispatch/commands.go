package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"

	"github.com/tarancss/cargo/lib/block/types"
	"github.com/tarancss/cargo/lib/contract"
	"github.com/tarancss/cargo/lib/store"
)

// command is a route and the operation its requests must declare.
type command struct {
	op    string
	build func(d *Dispatcher, data json.RawMessage) (*job, error)
}

// commands run by Dispatch, by route name.
var commands = map[string]command{ //nolint:gochecknoglobals // lookup table
	"cmdAdminRegisterCompanies":   {"procAdminRegisterCompanies", registerCompanies(contract.Register)},
	"cmdAdminUnregisterCompanies": {"procAdminUnregisterCompanies", registerCompanies(contract.Unregister)},
	"cmdAdminMarkOrderPayments":   {"procAdminMarkOrderPayments", markOrderPayments},
	"cmdAdminSettleIncentives":    {"procAdminSettle", settleIncentives},
	"cmdCompanyDeploy":            {"procCompanyDeploy", deployCompany},
	"cmdCompanyLaunchOrders":      {"procCompanyLaunch", launchOrders},
	"cmdCompanyUpdateOrders":      {"procOrderUpdate", updateOrders},
	"cmdCompanyAddOperators":      {"procCompanyAddOperator", operators(contract.AddOperator)},
	"cmdCompanyRemoveOperators":   {"procCompanyRemoveOperators", operators(contract.RemoveOperator)},
	"cmdCompanySetInfos":          {"procCompanySetInfo", setCompanyInfo},
	"cmdOrdersDeploy":             {"procOrderDeploy", deployOrders},
	"cmdOrdersSubmit":             {"procOrderSubmit", submitOrders},
	"cmdOrderSetInfos":            {"procOrderSetInfo", setOrderInfo},
	"cmdTokenApprove":             {"procTokenApprove", approve},
	"cmdTokenBurn":                {"procTokenBurn", burn},
	"cmdTokenTransfer":            {"procTokenTransfer", transfer},
}

type item struct {
	Addr string `json:"addr"`
}

// amount is a token amount given as a JSON number or string, decimal or 0x hex.
type amount struct {
	*big.Int
}

func (a *amount) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)

	v, ok := new(big.Int).SetString(s, 0)
	if !ok || v.Sign() < 0 {
		return fmt.Errorf("invalid amount %s", b)
	}

	a.Int = v

	return nil
}

func (a amount) value() (*big.Int, error) {
	if a.Int == nil {
		return nil, fmt.Errorf("%w: missing amount", ErrParams)
	}

	return a.Int, nil
}

// decode unmarshals data into v. It returns false when the request carries no data.
func decode(data json.RawMessage, v interface{}) (bool, error) {
	switch strings.TrimSpace(string(data)) {
	case "", "null", `"none"`:
		return false, nil
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("%w: %v", ErrParams, err) //nolint:errorlint // wrap the sentinel
	}

	return true, nil
}

// counted checks a batch holds as many items as declared.
func counted(n, count int) error {
	if n != count {
		return fmt.Errorf("%w:[%d]", ErrCount, count)
	}

	return nil
}

// contractAddr validates and lowers the address of a target contract.
func contractAddr(name, s string) (string, error) {
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("%w: %s %q", ErrParams, name, s)
	}

	return strings.ToLower(s), nil
}

// none is the job of a request without data.
func none(op string) *job {
	log.Warnf("Not found Data to %s!", op)

	return &job{exec: func(context.Context, *run) {}}
}

func packed(data []byte, err error) ([]byte, error) {
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParams, err) //nolint:errorlint // wrap the sentinel
	}

	return data, nil
}

// registerCompanies builds register or unregister calls on the service for a list of companies.
func registerCompanies(pack func(string) ([]byte, error)) func(*Dispatcher, json.RawMessage) (*job, error) {
	return func(d *Dispatcher, raw json.RawMessage) (*job, error) {
		var p struct {
			Service   string `json:"service"`
			Companies []item `json:"companies"`
			Count     int    `json:"count"`
		}

		if ok, err := decode(raw, &p); !ok {
			if err != nil {
				return nil, err
			}

			return none("RegisterCompanies"), nil
		}

		if err := counted(len(p.Companies), p.Count); err != nil {
			return nil, err
		}

		service, err := contractAddr("service", p.Service)
		if err != nil {
			return nil, err
		}

		txs := make([]tx, 0, len(p.Companies))

		for _, c := range p.Companies {
			data, err := packed(pack(c.Addr))
			if err != nil {
				return nil, err
			}

			txs = append(txs, tx{to: service, data: data, desc: fmt.Sprintf("[COMPANY]: [%s]", c.Addr)})
		}

		return batch(d.logistics, txs, nil), nil
	}
}

func markOrderPayments(d *Dispatcher, raw json.RawMessage) (*job, error) {
	var p struct {
		Service string `json:"service"`
		Orders  []item `json:"orders"`
		Count   int    `json:"count"`
	}

	if ok, err := decode(raw, &p); !ok {
		if err != nil {
			return nil, err
		}

		return none("MarkOrderPayments"), nil
	}

	if err := counted(len(p.Orders), p.Count); err != nil {
		return nil, err
	}

	service, err := contractAddr("service", p.Service)
	if err != nil {
		return nil, err
	}

	txs := make([]tx, 0, len(p.Orders))

	for _, o := range p.Orders {
		data, err := packed(contract.MarkOrderPayed(o.Addr))
		if err != nil {
			return nil, err
		}

		txs = append(txs, tx{to: service, data: data, desc: fmt.Sprintf("[ORDER]: [%s]", o.Addr)})
	}

	return batch(d.logistics, txs, nil), nil
}

func deployCompany(d *Dispatcher, raw json.RawMessage) (*job, error) {
	var p struct {
		Service   string `json:"service"`
		Name      string `json:"name"`
		URL       string `json:"url"`
		Recipient string `json:"recipient"`
	}

	if ok, err := decode(raw, &p); !ok {
		if err != nil {
			return nil, err
		}

		return none("DeployCompany"), nil
	}

	code, err := contract.LoadBytecode(d.contracts, contract.CompanyArtifact)
	if err != nil {
		return nil, err
	}

	data, err := packed(contract.DeployCompany(code, p.Name, p.URL, p.Recipient, p.Service))
	if err != nil {
		return nil, err
	}

	t := tx{data: data, desc: fmt.Sprintf("COMPANY DEPLOY [NAME]: [%s]", p.Name)}

	return batch(d.logistics, []tx{t}, func(_ context.Context, rs []*types.Receipt) {
		if rs[0] != nil {
			log.Infof("COMPANY DEPLOY done! [NAME]: [%s] =>[ADDRESS]: [%s] =>[BLOCKNUMBER]: [%d]", p.Name,
				rs[0].Contract, rs[0].Block)
		}
	}), nil
}

type transport struct {
	Addr        string `json:"addr"`
	TransportID uint64 `json:"transportid"`
	Code        int    `json:"code"`
}

func launchOrders(d *Dispatcher, raw json.RawMessage) (*job, error) {
	var p struct {
		Company string      `json:"company"`
		Orders  []transport `json:"orders"`
		Count   int         `json:"count"`
	}

	if ok, err := decode(raw, &p); !ok {
		if err != nil {
			return nil, err
		}

		return none("Launch"), nil
	}

	if err := counted(len(p.Orders), p.Count); err != nil {
		return nil, err
	}

	company, err := contractAddr("company", p.Company)
	if err != nil {
		return nil, err
	}

	txs := make([]tx, 0, len(p.Orders))

	for _, o := range p.Orders {
		data, err := packed(contract.Launch(o.Addr, new(big.Int).SetUint64(o.TransportID)))
		if err != nil {
			return nil, err
		}

		txs = append(txs, tx{to: company, data: data,
			desc: fmt.Sprintf("LAUNCH [ORDER]: [%s], [TID]: [%d]", o.Addr, o.TransportID)})
	}

	return batch(d.logistics, txs, nil), nil
}

// updateOrders moves orders to new delivery codes and records the codes reached in the order map.
func updateOrders(d *Dispatcher, raw json.RawMessage) (*job, error) {
	var p struct {
		Company string      `json:"company"`
		Orders  []transport `json:"orders"`
		Count   int         `json:"count"`
	}

	if ok, err := decode(raw, &p); !ok {
		if err != nil {
			return nil, err
		}

		return none("UpdateOrder"), nil
	}

	if err := counted(len(p.Orders), p.Count); err != nil {
		return nil, err
	}

	company, err := contractAddr("company", p.Company)
	if err != nil {
		return nil, err
	}

	txs := make([]tx, 0, len(p.Orders))

	for _, o := range p.Orders {
		data, err := packed(contract.UpdateOrderCode(o.Addr, new(big.Int).SetUint64(o.TransportID),
			big.NewInt(int64(o.Code))))
		if err != nil {
			return nil, err
		}

		txs = append(txs, tx{to: company, data: data,
			desc: fmt.Sprintf("UPDATE [ORDER]: [%s], [TID]: [%d], [CODE]: [%d]", o.Addr, o.TransportID, o.Code)})
	}

	return batch(d.logistics, txs, func(ctx context.Context, rs []*types.Receipt) {
		for i, o := range p.Orders {
			if rs[i] == nil {
				continue
			}

			if err := d.db.UpdateOrderCode(ctx, strings.ToLower(o.Addr), o.Code, o.TransportID); err != nil {
				log.Warnf("Cannot update order map of %s: %v", o.Addr, err)
			}
		}
	}), nil
}

// operators builds the calls adding or removing operators of a company.
func operators(pack func(string) ([]byte, error)) func(*Dispatcher, json.RawMessage) (*job, error) {
	return func(d *Dispatcher, raw json.RawMessage) (*job, error) {
		var p struct {
			Company   string `json:"company"`
			Operators []item `json:"operators"`
			Count     int    `json:"count"`
		}

		if ok, err := decode(raw, &p); !ok {
			if err != nil {
				return nil, err
			}

			return none("Operators"), nil
		}

		if err := counted(len(p.Operators), p.Count); err != nil {
			return nil, err
		}

		company, err := contractAddr("company", p.Company)
		if err != nil {
			return nil, err
		}

		txs := make([]tx, 0, len(p.Operators))

		for _, o := range p.Operators {
			data, err := packed(pack(o.Addr))
			if err != nil {
				return nil, err
			}

			txs = append(txs, tx{to: company, data: data, desc: fmt.Sprintf("[OPERATOR]: [%s]", o.Addr)})
		}

		return batch(d.logistics, txs, nil), nil
	}
}

// setCompanyInfo sends one call per informed field.
func setCompanyInfo(d *Dispatcher, raw json.RawMessage) (*job, error) {
	var p struct {
		Company   string `json:"company"`
		Name      string `json:"name"`
		URL       string `json:"url"`
		Recipient string `json:"recipient"`
	}

	if ok, err := decode(raw, &p); !ok {
		if err != nil {
			return nil, err
		}

		return none("SetCompanyInfo"), nil
	}

	company, err := contractAddr("company", p.Company)
	if err != nil {
		return nil, err
	}

	var txs []tx

	if p.Name != "" {
		data, err := packed(contract.SetName(p.Name))
		if err != nil {
			return nil, err
		}

		txs = append(txs, tx{to: company, data: data, desc: fmt.Sprintf("[NAME]: [%s]", p.Name)})
	}

	if p.URL != "" {
		data, err := packed(contract.SetCompanyURL(p.URL))
		if err != nil {
			return nil, err
		}

		txs = append(txs, tx{to: company, data: data, desc: fmt.Sprintf("[URL]: [%s]", p.URL)})
	}

	if p.Recipient != "" {
		data, err := packed(contract.SetRecipient(p.Recipient))
		if err != nil {
			return nil, err
		}

		txs = append(txs, tx{to: company, data: data, desc: fmt.Sprintf("[RECIPIENT]: [%s]", p.Recipient)})
	}

	return batch(d.logistics, txs, nil), nil
}

type section struct {
	Addr      string `json:"addr"`
	Code      int    `json:"code"`
	Incentive amount `json:"incentive"`
}

type orderDeploy struct {
	OriginID string    `json:"originId"`
	URL      string    `json:"url"`
	Count    int       `json:"count"`
	Sections []section `json:"sections"`
}

// deployOrders deploys order contracts and maps the origin id of each deployed order to its address.
func deployOrders(d *Dispatcher, raw json.RawMessage) (*job, error) {
	var p struct {
		Service string        `json:"service"`
		Orders  []orderDeploy `json:"orders"`
		Count   int           `json:"count"`
	}

	if ok, err := decode(raw, &p); !ok {
		if err != nil {
			return nil, err
		}

		return none("DeployOrder"), nil
	}

	if err := counted(len(p.Orders), p.Count); err != nil {
		return nil, err
	}

	code, err := contract.LoadBytecode(d.contracts, contract.OrderArtifact)
	if err != nil {
		return nil, err
	}

	txs := make([]tx, 0, len(p.Orders))

	for i, o := range p.Orders {
		if len(o.Sections) != o.Count {
			return nil, fmt.Errorf("%w: order[%d]'s section count:[%d]", ErrCount, i, o.Count)
		}

		members := make([]string, len(o.Sections))
		codes := make([]*big.Int, len(o.Sections))
		incentives := make([]*big.Int, len(o.Sections))

		for j, s := range o.Sections {
			members[j] = s.Addr
			codes[j] = big.NewInt(int64(s.Code))

			if incentives[j], err = s.Incentive.value(); err != nil {
				return nil, err
			}
		}

		data, err := packed(contract.DeployOrder(code, o.URL, p.Service, members, codes, incentives))
		if err != nil {
			return nil, err
		}

		txs = append(txs, tx{data: data, desc: fmt.Sprintf("ORDER DEPLOY [URL]: [%s]", o.URL)})
	}

	return batch(d.logistics, txs, func(ctx context.Context, rs []*types.Receipt) {
		for i, o := range p.Orders {
			if rs[i] == nil {
				continue
			}

			log.Infof("ORDER DEPLOY done! [URL]: [%s] =>[ADDRESS]: [%s] =>[BLOCKNUMBER]: [%d]", o.URL,
				rs[i].Contract, rs[i].Block)

			if o.OriginID == "" {
				continue
			}

			m := store.OrderMap{OriginID: o.OriginID, Addr: rs[i].Contract}
			if err := d.db.SaveOrder(ctx, m); err != nil {
				log.Errorf("Cannot map order %s to %s: %v", o.OriginID, rs[i].Contract, err)
			}
		}
	}), nil
}

// submitOrders submits the creation of orders to the service.
func submitOrders(d *Dispatcher, raw json.RawMessage) (*job, error) {
	var p struct {
		Orders []item `json:"orders"`
		Count  int    `json:"count"`
	}

	if ok, err := decode(raw, &p); !ok {
		if err != nil {
			return nil, err
		}

		return none("SubmitOrder"), nil
	}

	if err := counted(len(p.Orders), p.Count); err != nil {
		return nil, err
	}

	data, err := packed(contract.SubmitOrderCreate())
	if err != nil {
		return nil, err
	}

	txs := make([]tx, 0, len(p.Orders))

	for _, o := range p.Orders {
		order, err := contractAddr("order", o.Addr)
		if err != nil {
			return nil, err
		}

		txs = append(txs, tx{to: order, data: data, desc: fmt.Sprintf("SUBMIT [ORDER]: [%s]", order)})
	}

	return batch(d.logistics, txs, nil), nil
}

func setOrderInfo(d *Dispatcher, raw json.RawMessage) (*job, error) {
	var p struct {
		Orders []struct {
			Addr string `json:"addr"`
			URL  string `json:"url"`
		} `json:"orders"`
		Count int `json:"count"`
	}

	if ok, err := decode(raw, &p); !ok {
		if err != nil {
			return nil, err
		}

		return none("SetOrderInfo"), nil
	}

	if err := counted(len(p.Orders), p.Count); err != nil {
		return nil, err
	}

	txs := make([]tx, 0, len(p.Orders))

	for _, o := range p.Orders {
		order, err := contractAddr("order", o.Addr)
		if err != nil {
			return nil, err
		}

		data, err := packed(contract.SetOrderURL(o.URL))
		if err != nil {
			return nil, err
		}

		txs = append(txs, tx{to: order, data: data, desc: fmt.Sprintf("[ORDER]: [%s], [URL]: [%s]", order, o.URL)})
	}

	return batch(d.logistics, txs, nil), nil
}

func approve(d *Dispatcher, raw json.RawMessage) (*job, error) {
	var p struct {
		Token   string `json:"token"`
		Spender string `json:"spender"`
		Amount  amount `json:"amount"`
	}

	if ok, err := decode(raw, &p); !ok {
		if err != nil {
			return nil, err
		}

		return none("Approve"), nil
	}

	token, err := contractAddr("token", p.Token)
	if err != nil {
		return nil, err
	}

	v, err := p.Amount.value()
	if err != nil {
		return nil, err
	}

	data, err := packed(contract.Approve(p.Spender, v))
	if err != nil {
		return nil, err
	}

	t := tx{to: token, data: data, desc: fmt.Sprintf("APPROVE [SPENDER]: [%s], [AMOUNT]: [%s]", p.Spender, v)}

	return batch(d.token, []tx{t}, nil), nil
}

func burn(d *Dispatcher, raw json.RawMessage) (*job, error) {
	var p struct {
		Token  string `json:"token"`
		Amount amount `json:"amount"`
	}

	if ok, err := decode(raw, &p); !ok {
		if err != nil {
			return nil, err
		}

		return none("Burn"), nil
	}

	token, err := contractAddr("token", p.Token)
	if err != nil {
		return nil, err
	}

	v, err := p.Amount.value()
	if err != nil {
		return nil, err
	}

	data, err := packed(contract.Burn(v))
	if err != nil {
		return nil, err
	}

	return batch(d.token, []tx{{to: token, data: data, desc: fmt.Sprintf("BURN [AMOUNT]: [%s]", v)}}, nil), nil
}

func transfer(d *Dispatcher, raw json.RawMessage) (*job, error) {
	var p struct {
		Token       string `json:"token"`
		Remittances []struct {
			Addr   string `json:"addr"`
			Amount amount `json:"amount"`
		} `json:"remittances"`
		Count int `json:"count"`
	}

	if ok, err := decode(raw, &p); !ok {
		if err != nil {
			return nil, err
		}

		return none("Transfer"), nil
	}

	if err := counted(len(p.Remittances), p.Count); err != nil {
		return nil, err
	}

	token, err := contractAddr("token", p.Token)
	if err != nil {
		return nil, err
	}

	txs := make([]tx, 0, len(p.Remittances))

	for _, r := range p.Remittances {
		v, err := r.Amount.value()
		if err != nil {
			return nil, err
		}

		data, err := packed(contract.Transfer(r.Addr, v))
		if err != nil {
			return nil, err
		}

		txs = append(txs, tx{to: token, data: data,
			desc: fmt.Sprintf("TRANSFER [TO]: [%s], [AMOUNT]: [%s]", r.Addr, v)})
	}

	return batch(d.token, txs, nil), nil
}
