package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/cargo/lib/block/blocktest"
	"github.com/tarancss/cargo/lib/contract"
	"github.com/tarancss/cargo/lib/store"
	"github.com/tarancss/cargo/lib/store/memory"
)

const (
	service = "0x5fbdb2315678afecb367f032d93f642f64180aa3"
	company = "0xe7f1725e7734ce288f8367e1bb143e90bb3f0512"
	token   = "0x9fe46736679d2d9a65f0992f2272de9f3c7fa6e0"
	compA   = "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"
	compB   = "0x3c44cdddb6a900fa2b585dd299e03d12fa4293bc"
	compC   = "0x90f79bf6eb2c4f870365e785982e1f101e93b906"
	passwd  = "secret"
)

type env struct {
	d        *Dispatcher
	db       store.DB
	keys     string
	account  string
	outcomes chan Outcome
}

func writeKey(t *testing.T, dir string) string {
	t.Helper()

	pk, err := crypto.GenerateKey()
	require.NoError(t, err)

	addr := crypto.PubkeyToAddress(pk.PublicKey)
	data, err := keystore.EncryptKey(&keystore.Key{Id: uuid.New(), Address: addr, PrivateKey: pk}, passwd,
		keystore.LightScryptN, keystore.LightScryptP)
	require.NoError(t, err)

	name := "UTC--2020-05-06T01-02-03.000000000Z--" + strings.TrimPrefix(strings.ToLower(addr.Hex()), "0x")
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o600))

	return strings.ToLower(addr.Hex())
}

// newEnv returns a dispatcher over a memory store with one listed account holding a key file.
func newEnv(t *testing.T, db store.DB, logistics, tok *blocktest.Chain, before func(context.Context, string, string)) *env {
	t.Helper()

	e := &env{db: db, keys: t.TempDir(), outcomes: make(chan Outcome, 8)}
	e.account = writeKey(t, e.keys)
	require.NoError(t, db.AddAccount(context.Background(), store.Account{Addr: e.account, Passwd: passwd}))

	contracts := t.TempDir()
	artifact := []byte(`{"bytecode":"6080604052"}`)
	require.NoError(t, os.WriteFile(filepath.Join(contracts, contract.OrderArtifact+".json"), artifact, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(contracts, contract.CompanyArtifact+".json"), artifact, 0o600))

	e.d = New(db, logistics, tok, e.keys, contracts, Hooks{
		Before: before,
		After:  func(_ context.Context, o Outcome) { e.outcomes <- o },
	})
	t.Cleanup(e.d.Close)

	return e
}

func (e *env) outcome(t *testing.T) Outcome {
	t.Helper()

	select {
	case o := <-e.outcomes:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("command did not finish")
	}

	return Outcome{}
}

func (e *env) status(t *testing.T) store.AccountStatus {
	t.Helper()

	a, err := e.db.GetAccount(context.Background(), e.account)
	require.NoError(t, err)

	return a.Status
}

func req(op, data string) Request {
	return Request{Operation: op, Data: json.RawMessage(data)}
}

func companies(addrs ...string) string {
	items := make([]string, len(addrs))
	for i, a := range addrs {
		items[i] = fmt.Sprintf(`{"addr":%q}`, a)
	}

	return fmt.Sprintf(`{"service":%q,"companies":[%s],"count":%d}`, service, strings.Join(items, ","), len(addrs))
}

func byNonce(s []blocktest.Sent) []blocktest.Sent {
	sort.Slice(s, func(i, j int) bool { return s[i].Nonce < s[j].Nonce })

	return s
}

func pack(t *testing.T) func([]byte, error) []byte {
	return func(data []byte, err error) []byte {
		t.Helper()
		require.NoError(t, err)

		return data
	}
}

func TestCommands(t *testing.T) {
	assert.Len(t, Commands(), 16)
}

type dupAccounts struct {
	*memory.Memory
}

func (dupAccounts) CountAccounts(context.Context, string) (int64, error) { return 2, nil }

func TestDispatchRejects(t *testing.T) {
	ctx := context.Background()
	c := blocktest.New("logistics", "ws://localhost:8546")

	tests := []struct {
		name    string
		db      store.DB
		cmd     string
		account func(e *env) string
		req     Request
		prepare func(e *env)
		err     error
	}{
		{name: "unknown command", cmd: "cmdFly", req: req("procFly", "{}"), err: ErrUnknownCommand},
		{
			name:    "no keystore",
			cmd:     "cmdAdminRegisterCompanies",
			account: func(*env) string { return compA },
			req:     req("procAdminRegisterCompanies", companies(compA)),
			err:     ErrNoKeystore,
		},
		{
			name:    "unlisted",
			cmd:     "cmdAdminRegisterCompanies",
			prepare: func(e *env) { require.NoError(t, e.db.RemoveAccount(ctx, e.account)) },
			req:     req("procAdminRegisterCompanies", companies(compA)),
			err:     ErrUnlisted,
		},
		{
			name: "duplicated",
			db:   dupAccounts{memory.New()},
			cmd:  "cmdAdminRegisterCompanies",
			req:  req("procAdminRegisterCompanies", companies(compA)),
			err:  ErrDuplicated,
		},
		{
			name:    "busy",
			cmd:     "cmdAdminRegisterCompanies",
			prepare: func(e *env) { require.NoError(t, e.db.AcquireAccount(ctx, e.account, "cmdTokenBurn")) },
			req:     req("procAdminRegisterCompanies", companies(compA)),
			err:     ErrBusy,
		},
		{
			name: "operation mismatch",
			cmd:  "cmdAdminRegisterCompanies",
			req:  req("procAdminUnregisterCompanies", companies(compA)),
			err:  ErrOperation,
		},
		{
			name: "count mismatch",
			cmd:  "cmdAdminRegisterCompanies",
			req: req("procAdminRegisterCompanies",
				fmt.Sprintf(`{"service":%q,"companies":[{"addr":%q}],"count":2}`, service, compA)),
			err: ErrCount,
		},
		{
			name: "bad address",
			cmd:  "cmdCompanyAddOperators",
			req: req("procCompanyAddOperator",
				fmt.Sprintf(`{"company":%q,"operators":[{"addr":"0x12"}],"count":1}`, company)),
			err: ErrParams,
		},
		{
			name: "missing amount",
			cmd:  "cmdTokenBurn",
			req:  req("procTokenBurn", fmt.Sprintf(`{"token":%q}`, token)),
			err:  ErrParams,
		},
		{
			name: "malformed data",
			cmd:  "cmdTokenBurn",
			req:  req("procTokenBurn", `{"token":1}`),
			err:  ErrParams,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			db := tc.db
			if db == nil {
				db = memory.New()
			}

			e := newEnv(t, db, c, c, nil)
			if tc.prepare != nil {
				tc.prepare(e)
			}

			account := e.account
			if tc.account != nil {
				account = tc.account(e)
			}

			err := e.d.Dispatch(ctx, tc.cmd, account, tc.req)
			assert.ErrorIs(t, err, tc.err)
		})
	}

	assert.Empty(t, c.Sent())
}

func TestRegisterCompanies(t *testing.T) {
	ctx := context.Background()
	c := blocktest.New("logistics", "ws://localhost:8546")
	e := newEnv(t, memory.New(), c, c, nil)
	p := pack(t)

	c.SetNonce(e.account, 5)

	// checksummed addresses are accepted
	err := e.d.Dispatch(ctx, "cmdAdminRegisterCompanies", common.HexToAddress(e.account).Hex(),
		req("procAdminRegisterCompanies", companies(compA, compB, compC)))
	require.NoError(t, err)

	o := e.outcome(t)
	assert.Equal(t, 3, o.Sent)
	assert.Zero(t, o.Failed)
	assert.NoError(t, o.Err)
	assert.NotEmpty(t, o.ID)
	assert.Equal(t, store.Idle, e.status(t))

	sent := byNonce(c.Sent())
	require.Len(t, sent, 3)

	want := map[string][]byte{
		compA: p(contract.Register(compA)),
		compB: p(contract.Register(compB)),
		compC: p(contract.Register(compC)),
	}

	// nonces are consecutive from the account nonce, and item i gets nonce+i
	for i, s := range sent {
		assert.Equal(t, uint64(5+i), s.Nonce)
		assert.Equal(t, e.account, s.From)
		assert.Equal(t, service, s.To)
	}

	assert.Equal(t, want[compA], sent[0].Data)
	assert.Equal(t, want[compB], sent[1].Data)
	assert.Equal(t, want[compC], sent[2].Data)

	a, err := e.db.GetAccount(ctx, e.account)
	require.NoError(t, err)
	assert.Equal(t, "cmdAdminRegisterCompanies", a.Cmd)
}

func TestFailedItem(t *testing.T) {
	ctx := context.Background()
	c := blocktest.New("logistics", "ws://localhost:8546")
	e := newEnv(t, memory.New(), c, c, nil)
	bad := pack(t)(contract.Unregister(compB))

	c.FailSends(func(_ string, data []byte) error {
		if bytes.Equal(data, bad) {
			return errors.New("execution reverted")
		}

		return nil
	})

	err := e.d.Dispatch(ctx, "cmdAdminUnregisterCompanies", e.account,
		req("procAdminUnregisterCompanies", companies(compA, compB, compC)))
	require.NoError(t, err)

	o := e.outcome(t)
	assert.Equal(t, 2, o.Sent)
	assert.Equal(t, 1, o.Failed)
	assert.Len(t, c.Sent(), 2)
	assert.Equal(t, store.Idle, e.status(t))
}

func TestUnminedItem(t *testing.T) {
	ctx := context.Background()
	c := blocktest.New("logistics", "ws://localhost:8546")
	e := newEnv(t, memory.New(), c, c, nil)
	e.d.txWait = 200 * time.Millisecond
	stuck := pack(t)(contract.Unregister(compB))

	c.HoldSends(func(_ string, data []byte) bool { return bytes.Equal(data, stuck) })

	err := e.d.Dispatch(ctx, "cmdAdminUnregisterCompanies", e.account,
		req("procAdminUnregisterCompanies", companies(compA, compB, compC)))
	require.NoError(t, err)

	o := e.outcome(t)
	assert.Equal(t, 2, o.Sent)
	assert.Equal(t, 1, o.Failed)
	assert.Equal(t, store.Idle, e.status(t))
}

func TestSingleFlight(t *testing.T) {
	ctx := context.Background()
	c := blocktest.New("logistics", "ws://localhost:8546")
	gate := make(chan struct{})
	e := newEnv(t, memory.New(), c, c, func(context.Context, string, string) { <-gate })

	r := req("procAdminMarkOrderPayments",
		fmt.Sprintf(`{"service":%q,"orders":[{"addr":%q}],"count":1}`, service, compA))

	require.NoError(t, e.d.Dispatch(ctx, "cmdAdminMarkOrderPayments", e.account, r))
	assert.Equal(t, store.Proceeding, e.status(t))

	err := e.d.Dispatch(ctx, "cmdAdminMarkOrderPayments", e.account, r)
	assert.ErrorIs(t, err, ErrBusy)

	close(gate)
	e.outcome(t)
	assert.Equal(t, store.Idle, e.status(t))

	require.NoError(t, e.d.Dispatch(ctx, "cmdAdminMarkOrderPayments", e.account, r))
	e.outcome(t)

	sent := byNonce(c.Sent())
	require.Len(t, sent, 2)
	assert.Equal(t, []uint64{0, 1}, []uint64{sent[0].Nonce, sent[1].Nonce})
}

func TestNoData(t *testing.T) {
	c := blocktest.New("logistics", "ws://localhost:8546")
	e := newEnv(t, memory.New(), c, c, nil)

	require.NoError(t, e.d.Dispatch(context.Background(), "cmdOrdersSubmit", e.account, req("procOrderSubmit", `"none"`)))

	o := e.outcome(t)
	assert.Zero(t, o.Sent+o.Failed)
	assert.Empty(t, c.Sent())
	assert.Equal(t, store.Idle, e.status(t))
}

func TestBadPassword(t *testing.T) {
	ctx := context.Background()
	c := blocktest.New("logistics", "ws://localhost:8546")
	db := memory.New()
	e := newEnv(t, db, c, c, nil)

	require.NoError(t, db.RemoveAccount(ctx, e.account))
	require.NoError(t, db.AddAccount(ctx, store.Account{Addr: e.account, Passwd: "wrong"}))

	require.NoError(t, e.d.Dispatch(ctx, "cmdOrdersSubmit", e.account,
		req("procOrderSubmit", fmt.Sprintf(`{"orders":[{"addr":%q}],"count":1}`, compA))))

	o := e.outcome(t)
	assert.Error(t, o.Err)
	assert.Empty(t, c.Sent())
	assert.Equal(t, store.Idle, e.status(t))
}

func settlement(recipients ...string) string {
	items := make([]string, len(recipients))
	for i, a := range recipients {
		items[i] = fmt.Sprintf(`{"addr":%q}`, a)
	}

	return fmt.Sprintf(`{"service":%q,"token":%q,"recipients":[%s],"count":%d}`, service, token,
		strings.Join(items, ","), len(recipients))
}

func TestSettleSameProvider(t *testing.T) {
	ctx := context.Background()
	logistics := blocktest.New("logistics", "ws://localhost:8546")
	tok := blocktest.New("token", "ws://localhost:8546")
	e := newEnv(t, memory.New(), logistics, tok, nil)
	p := pack(t)

	logistics.AddPlatformContract(service, contract.ServicePrefix)
	logistics.SetIncentive(compA, 300, 100)
	logistics.SetIncentive(compC, 50, 50)
	tok.SetNonce(e.account, 10)
	logistics.SetNonce(e.account, 99) // not read, the provider nonce was fetched from the token chain

	require.NoError(t, e.d.Dispatch(ctx, "cmdAdminSettleIncentives", e.account,
		req("procAdminSettle", settlement(compA, compB, compC))))

	o := e.outcome(t)
	assert.Equal(t, 5, o.Sent)
	assert.Zero(t, o.Failed)

	transfers := byNonce(tok.Sent())
	require.Len(t, transfers, 2)
	assert.Equal(t, uint64(10), transfers[0].Nonce)
	assert.Equal(t, p(contract.Transfer(compA, big.NewInt(100))), transfers[0].Data)
	assert.Equal(t, uint64(11), transfers[1].Nonce)
	assert.Equal(t, p(contract.Transfer(compC, big.NewInt(50))), transfers[1].Data)
	assert.Equal(t, token, transfers[0].To)

	// the nonce sequence continues on the logistics chain, B had nothing to pay
	marks := byNonce(logistics.Sent())
	require.Len(t, marks, 3)
	assert.Equal(t, []uint64{12, 13, 14}, []uint64{marks[0].Nonce, marks[1].Nonce, marks[2].Nonce})
	assert.Equal(t, p(contract.Settle(compB)), marks[0].Data)
	assert.Equal(t, p(contract.Settle(compA)), marks[1].Data)
	assert.Equal(t, p(contract.Settle(compC)), marks[2].Data)
	assert.Equal(t, service, marks[0].To)
}

func TestSettleTwoProviders(t *testing.T) {
	ctx := context.Background()
	logistics := blocktest.New("logistics", "ws://localhost:8546")
	tok := blocktest.New("token", "wss://token.example.org")
	e := newEnv(t, memory.New(), logistics, tok, nil)
	p := pack(t)

	logistics.AddPlatformContract(service, contract.ServicePrefix)
	logistics.SetIncentive(compA, 100, 100)
	logistics.SetIncentive(compC, 50, 50)
	logistics.SetNonce(e.account, 10)
	tok.SetNonce(e.account, 3)

	bad := p(contract.Transfer(compC, big.NewInt(50)))
	tok.FailSends(func(_ string, data []byte) error {
		if bytes.Equal(data, bad) {
			return errors.New("insufficient funds")
		}

		return nil
	})

	require.NoError(t, e.d.Dispatch(ctx, "cmdAdminSettleIncentives", e.account,
		req("procAdminSettle", settlement(compA, compB, compC))))

	o := e.outcome(t)
	assert.Equal(t, 3, o.Sent)
	assert.Equal(t, 1, o.Failed)

	transfers := tok.Sent()
	require.Len(t, transfers, 1)
	assert.Equal(t, uint64(3), transfers[0].Nonce)

	// C was not paid so it is not marked settled
	marks := byNonce(logistics.Sent())
	require.Len(t, marks, 2)
	assert.Equal(t, uint64(10), marks[0].Nonce)
	assert.Equal(t, p(contract.Settle(compB)), marks[0].Data)
	assert.Equal(t, p(contract.Settle(compA)), marks[1].Data)
}

func TestOrders(t *testing.T) {
	ctx := context.Background()
	c := blocktest.New("logistics", "ws://localhost:8546")
	db := memory.New()
	e := newEnv(t, db, c, c, nil)

	deploy := fmt.Sprintf(`{"service":%q,"count":2,"orders":[
		{"originId":"ORD-1","url":"https://orders/1","count":2,
		 "sections":[{"addr":%q,"code":10,"incentive":"0"},{"addr":%q,"code":20,"incentive":1000}]},
		{"url":"https://orders/2","count":1,"sections":[{"addr":%q,"code":10,"incentive":"0x10"}]}]}`,
		service, compA, compB, compA)

	require.NoError(t, e.d.Dispatch(ctx, "cmdOrdersDeploy", e.account, req("procOrderDeploy", deploy)))

	o := e.outcome(t)
	require.Equal(t, 2, o.Sent)

	sent := byNonce(c.Sent())
	require.Len(t, sent, 2)
	assert.Empty(t, sent[0].To)

	addr := strings.ToLower(crypto.CreateAddress(common.HexToAddress(e.account), 0).Hex())

	m, err := db.FindOrderByID(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, addr, m.Addr)

	// orders without origin id are not mapped
	other := strings.ToLower(crypto.CreateAddress(common.HexToAddress(e.account), 1).Hex())
	_, err = db.FindOrderByAddress(ctx, other)
	assert.ErrorIs(t, err, store.ErrDataNotFound)

	update := fmt.Sprintf(`{"company":%q,"orders":[{"addr":%q,"transportid":2,"code":20}],"count":1}`, company, addr)
	require.NoError(t, e.d.Dispatch(ctx, "cmdCompanyUpdateOrders", e.account, req("procOrderUpdate", update)))
	e.outcome(t)

	m, err = db.FindOrderByAddress(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, 20, m.Latest)
	assert.Equal(t, map[int]uint64{20: 2}, m.Codes)

	last := byNonce(c.Sent())[2]
	assert.Equal(t, company, last.To)
	assert.Equal(t, blocktest.UpdateOrderCodeInput(addr, 2, 20), last.Data)
}

func TestSectionCount(t *testing.T) {
	c := blocktest.New("logistics", "ws://localhost:8546")
	e := newEnv(t, memory.New(), c, c, nil)

	deploy := fmt.Sprintf(`{"service":%q,"count":1,"orders":[{"url":"u","count":2,
		"sections":[{"addr":%q,"code":10,"incentive":0}]}]}`, service, compA)

	err := e.d.Dispatch(context.Background(), "cmdOrdersDeploy", e.account, req("procOrderDeploy", deploy))
	assert.ErrorIs(t, err, ErrCount)
	assert.Equal(t, store.Idle, e.status(t))
}

func TestTokenCommands(t *testing.T) {
	ctx := context.Background()
	logistics := blocktest.New("logistics", "ws://localhost:8546")
	tok := blocktest.New("token", "wss://token.example.org")
	e := newEnv(t, memory.New(), logistics, tok, nil)
	p := pack(t)

	require.NoError(t, e.d.Dispatch(ctx, "cmdTokenApprove", e.account,
		req("procTokenApprove", fmt.Sprintf(`{"token":%q,"spender":%q,"amount":"5000"}`, token, compA))))
	e.outcome(t)

	require.NoError(t, e.d.Dispatch(ctx, "cmdTokenBurn", e.account,
		req("procTokenBurn", fmt.Sprintf(`{"token":%q,"amount":7}`, token))))
	e.outcome(t)

	require.NoError(t, e.d.Dispatch(ctx, "cmdTokenTransfer", e.account,
		req("procTokenTransfer", fmt.Sprintf(`{"token":%q,"count":2,"remittances":[{"addr":%q,"amount":1},
			{"addr":%q,"amount":"2"}]}`, token, compA, compB))))

	o := e.outcome(t)
	assert.Equal(t, 2, o.Sent)

	sent := byNonce(tok.Sent())
	require.Len(t, sent, 4)
	assert.Equal(t, p(contract.Approve(compA, big.NewInt(5000))), sent[0].Data)
	assert.Equal(t, p(contract.Burn(big.NewInt(7))), sent[1].Data)
	assert.Equal(t, p(contract.Transfer(compA, big.NewInt(1))), sent[2].Data)
	assert.Equal(t, p(contract.Transfer(compB, big.NewInt(2))), sent[3].Data)
	assert.Empty(t, logistics.Sent())
}

func TestCompanyCommands(t *testing.T) {
	ctx := context.Background()
	c := blocktest.New("logistics", "ws://localhost:8546")
	e := newEnv(t, memory.New(), c, c, nil)
	p := pack(t)

	require.NoError(t, e.d.Dispatch(ctx, "cmdCompanySetInfos", e.account, req("procCompanySetInfo",
		fmt.Sprintf(`{"company":%q,"name":"ACME","recipient":%q}`, company, compA))))
	e.outcome(t)

	require.NoError(t, e.d.Dispatch(ctx, "cmdCompanyLaunchOrders", e.account, req("procCompanyLaunch",
		fmt.Sprintf(`{"company":%q,"orders":[{"addr":%q,"transportid":1}],"count":1}`, company, compC))))
	e.outcome(t)

	require.NoError(t, e.d.Dispatch(ctx, "cmdCompanyDeploy", e.account, req("procCompanyDeploy",
		fmt.Sprintf(`{"service":%q,"name":"ACME","url":"https://acme","recipient":%q}`, service, compA))))

	o := e.outcome(t)
	assert.Equal(t, 1, o.Sent)

	sent := byNonce(c.Sent())
	require.Len(t, sent, 4)
	assert.Equal(t, p(contract.SetName("ACME")), sent[0].Data)
	assert.Equal(t, p(contract.SetRecipient(compA)), sent[1].Data)
	assert.Equal(t, p(contract.Launch(compC, big.NewInt(1))), sent[2].Data)
	assert.Empty(t, sent[3].To)
}

func accounts(op string, count int, addrs ...string) Request {
	items := make([]string, len(addrs))
	for i, a := range addrs {
		items[i] = fmt.Sprintf(`{"addr":%q,"passwd":%q}`, a, passwd)
	}

	return req(op, fmt.Sprintf(`{"count":%d,"accounts":[%s]}`, count, strings.Join(items, ",")))
}

func TestAccounts(t *testing.T) {
	ctx := context.Background()
	c := blocktest.New("logistics", "ws://localhost:8546")
	db := memory.New()
	e := newEnv(t, db, c, c, nil)
	a1, a2 := writeKey(t, e.keys), writeKey(t, e.keys)

	n, err := e.d.AddAccounts(ctx, accounts(AddAccountsOp, 2, a1, a2))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// e.account is already listed
	n, err = e.d.AddAccounts(ctx, accounts(AddAccountsOp, 2, a1, e.account))
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = e.d.AddAccounts(ctx, accounts(AddAccountsOp, 3, a1, a2))
	assert.ErrorIs(t, err, ErrCount)

	_, err = e.d.AddAccounts(ctx, accounts(AddAccountsOp, 1, compA))
	assert.ErrorIs(t, err, ErrNotExist)

	_, err = e.d.AddAccounts(ctx, accounts(RemoveAccountsOp, 1, a1))
	assert.ErrorIs(t, err, ErrOperation)

	a, err := db.GetAccount(ctx, a2)
	require.NoError(t, err)
	assert.Equal(t, store.Account{Addr: a2, Passwd: passwd, Status: store.Idle}, a)

	n, err = e.d.RemoveAccounts(ctx, accounts(RemoveAccountsOp, 1, a1))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = e.d.RemoveAccounts(ctx, accounts(RemoveAccountsOp, 2, a1, a2))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = db.GetAccount(ctx, a1)
	assert.ErrorIs(t, err, store.ErrDataNotFound)
}
