// Package contract holds the ABI of the platform contracts and builds the call data of every transaction submitted by
// the command dispatchers. It also implements the read-only calls used to recognise platform contracts.
package contract

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/tarancss/cargo/lib/block/types"
)

//go:embed abi/*.json
var abiFiles embed.FS

// Contract ABIs.
var (
	Service       = mustLoad("service")       //nolint:gochecknoglobals // immutable ABI
	Company       = mustLoad("company")       //nolint:gochecknoglobals // immutable ABI
	Order         = mustLoad("order")         //nolint:gochecknoglobals // immutable ABI
	Token         = mustLoad("token")         //nolint:gochecknoglobals // immutable ABI
	Introspection = mustLoad("introspection") //nolint:gochecknoglobals // immutable ABI
)

// Interface ids every platform contract supports: ERC-165 itself and the prefix interface.
var (
	ERC165ID = [4]byte{0x01, 0xff, 0xc9, 0xa7} //nolint:gochecknoglobals // constant
	PrefixID = [4]byte{0x94, 0x6e, 0xdb, 0xed} //nolint:gochecknoglobals // constant
)

// ErrOutput is returned when a contract answers a call with data that does not match the method outputs, ie. the
// address holds no code.
var ErrOutput = errors.New("unexpected call output")

// ServicePrefix is the prefix returned by the service contract.
const ServicePrefix = "service"

// Truffle artifact names holding the deploy bytecode.
const (
	CompanyArtifact = "DkargoCompany"
	OrderArtifact   = "DkargoOrder"
)

func mustLoad(name string) abi.ABI {
	f, err := abiFiles.Open("abi/" + name + ".json")
	if err != nil {
		panic(err)
	}
	defer f.Close()

	a, err := abi.JSON(f)
	if err != nil {
		panic(fmt.Sprintf("abi %s: %v", name, err))
	}

	return a
}

// Caller executes read-only contract calls.
type Caller interface {
	Call(ctx context.Context, to string, data []byte) ([]byte, error)
}

// call packs method with args, calls contract 'to' and unpacks the outputs.
func call(ctx context.Context, c Caller, a abi.ABI, to, method string, args ...interface{}) ([]interface{}, error) {
	data, err := a.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	out, err := c.Call(ctx, to, data)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, to, err)
	}

	res, err := a.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("%w: %s from %s: %v", ErrOutput, method, to, err) //nolint:errorlint // cause
	}

	return res, nil
}

// SupportsInterface asks contract addr whether it implements the interface id.
func SupportsInterface(ctx context.Context, c Caller, addr string, id [4]byte) (bool, error) {
	res, err := call(ctx, c, Introspection, addr, "supportsInterface", id)
	if err != nil {
		return false, err
	}

	ok, _ := res[0].(bool)

	return ok, nil
}

// Prefix returns the role tag of a platform contract.
func Prefix(ctx context.Context, c Caller, addr string) (string, error) {
	res, err := call(ctx, c, Introspection, addr, "getDkargoPrefix")
	if err != nil {
		return "", err
	}

	p, _ := res[0].(string)

	return p, nil
}

// IsPlatform tells whether addr supports both introspection interfaces. Contracts that revert or answer something
// else are not platform contracts; an error means the node could not be asked.
func IsPlatform(ctx context.Context, c Caller, addr string) (bool, error) {
	for _, id := range [][4]byte{ERC165ID, PrefixID} {
		ok, err := SupportsInterface(ctx, c, addr, id)

		switch {
		case errors.Is(err, types.ErrExecution), errors.Is(err, ErrOutput), errors.Is(err, types.ErrBadAddress):
			return false, nil
		case err != nil:
			return false, err
		case !ok:
			return false, nil
		}
	}

	return true, nil
}

// Incentives returns the total incentive accrued by addr in the service contract and the amount paid on settlement.
func Incentives(ctx context.Context, c Caller, service, addr string) (total, settle *big.Int, err error) {
	a, err := address(addr)
	if err != nil {
		return nil, nil, err
	}

	res, err := call(ctx, c, Service, service, "incentives", a)
	if err != nil {
		return nil, nil, err
	}

	total, _ = res[0].(*big.Int)
	settle, _ = res[1].(*big.Int)

	return total, settle, nil
}

func address(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s", types.ErrBadAddress, s)
	}

	return common.HexToAddress(s), nil
}

func addresses(ss []string) ([]common.Address, error) {
	as := make([]common.Address, 0, len(ss))

	for _, s := range ss {
		a, err := address(s)
		if err != nil {
			return nil, err
		}

		as = append(as, a)
	}

	return as, nil
}

// packAddr packs a method taking a single address.
func packAddr(a abi.ABI, method, addr string) ([]byte, error) {
	x, err := address(addr)
	if err != nil {
		return nil, err
	}

	return a.Pack(method, x)
}

// Register builds the service call that registers a company.
func Register(company string) ([]byte, error) { return packAddr(Service, "register", company) }

// Unregister builds the service call that unregisters a company.
func Unregister(company string) ([]byte, error) { return packAddr(Service, "unregister", company) }

// Settle builds the service call that marks the incentives of addr as settled.
func Settle(addr string) ([]byte, error) { return packAddr(Service, "settle", addr) }

// MarkOrderPayed builds the service call that marks an order as paid.
func MarkOrderPayed(order string) ([]byte, error) { return packAddr(Service, "markOrderPayed", order) }

// Launch builds the company call that launches an order at the given transport id.
func Launch(order string, transportID *big.Int) ([]byte, error) {
	o, err := address(order)
	if err != nil {
		return nil, err
	}

	return Company.Pack("launch", o, transportID)
}

// UpdateOrderCode builds the company call that moves an order to a new delivery code.
func UpdateOrderCode(order string, transportID, code *big.Int) ([]byte, error) {
	o, err := address(order)
	if err != nil {
		return nil, err
	}

	return Company.Pack("updateOrderCode", o, transportID, code)
}

// AddOperator builds the company call that grants operator rights.
func AddOperator(operator string) ([]byte, error) { return packAddr(Company, "addOperator", operator) }

// RemoveOperator builds the company call that revokes operator rights.
func RemoveOperator(operator string) ([]byte, error) { return packAddr(Company, "removeOperator", operator) }

// SetName builds the company call that renames it.
func SetName(name string) ([]byte, error) { return Company.Pack("setName", name) }

// SetCompanyURL builds the company call that changes its url.
func SetCompanyURL(url string) ([]byte, error) { return Company.Pack("setUrl", url) }

// SetRecipient builds the company call that changes the incentive recipient.
func SetRecipient(recipient string) ([]byte, error) { return packAddr(Company, "setRecipient", recipient) }

// SubmitOrderCreate builds the order call that submits it to the service.
func SubmitOrderCreate() ([]byte, error) { return Order.Pack("submitOrderCreate") }

// SetOrderURL builds the order call that changes its url.
func SetOrderURL(url string) ([]byte, error) { return Order.Pack("setUrl", url) }

// Approve builds the token call allowing spender to move amount tokens.
func Approve(spender string, amount *big.Int) ([]byte, error) {
	s, err := address(spender)
	if err != nil {
		return nil, err
	}

	return Token.Pack("approve", s, amount)
}

// Burn builds the token call that burns amount tokens.
func Burn(amount *big.Int) ([]byte, error) { return Token.Pack("burn", amount) }

// Transfer builds the token call that sends amount tokens to 'to'.
func Transfer(to string, amount *big.Int) ([]byte, error) {
	t, err := address(to)
	if err != nil {
		return nil, err
	}

	return Token.Pack("transfer", t, amount)
}

// DeployCompany returns the creation data of a company contract.
func DeployCompany(bytecode []byte, name, url, recipient, service string) ([]byte, error) {
	r, err := address(recipient)
	if err != nil {
		return nil, err
	}

	s, err := address(service)
	if err != nil {
		return nil, err
	}

	args, err := Company.Pack("", name, url, r, s)
	if err != nil {
		return nil, fmt.Errorf("pack company constructor: %w", err)
	}

	return append(append([]byte{}, bytecode...), args...), nil
}

// DeployOrder returns the creation data of an order contract whose sections are given by members, codes and
// incentives.
func DeployOrder(bytecode []byte, url, service string, members []string, codes, incentives []*big.Int) ([]byte, error) {
	s, err := address(service)
	if err != nil {
		return nil, err
	}

	m, err := addresses(members)
	if err != nil {
		return nil, err
	}

	args, err := Order.Pack("", url, s, m, codes, incentives)
	if err != nil {
		return nil, fmt.Errorf("pack order constructor: %w", err)
	}

	return append(append([]byte{}, bytecode...), args...), nil
}

// artifact is the part of a truffle build artifact needed to deploy a contract.
type artifact struct {
	Bytecode string `json:"bytecode"`
}

// LoadBytecode reads the deploy bytecode of contract name from its truffle artifact in dir.
func LoadBytecode(dir, name string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(dir, name+".json"))
	if err != nil {
		return nil, fmt.Errorf("cannot read artifact %s: %w", name, err)
	}

	var a artifact
	if err = json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("cannot decode artifact %s: %w", name, err)
	}

	if !strings.HasPrefix(a.Bytecode, "0x") {
		a.Bytecode = "0x" + a.Bytecode
	}

	code, err := hexutil.Decode(a.Bytecode)
	if err != nil {
		return nil, fmt.Errorf("artifact %s has invalid bytecode: %w", name, err)
	}

	return code, nil
}
