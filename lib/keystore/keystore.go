// Package keystore finds and decrypts the encrypted key files of managed accounts.
package keystore

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
)

// Errors returned
var (
	ErrNotFound = errors.New("keystore file does not exist")
	ErrMismatch = errors.New("keystore file belongs to another address")
)

// Find returns the path of the key file of addr in dir. Key files are matched by the hex address in their name, in
// any letter case and without the 0x prefix.
func Find(dir, addr string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	want := strings.TrimPrefix(strings.ToLower(addr), "0x")
	if want == "" {
		return "", ErrNotFound
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		if strings.Contains(strings.ToLower(e.Name()), want) {
			return filepath.Join(dir, e.Name()), nil
		}
	}

	return "", ErrNotFound
}

// Exists tells whether dir holds a key file for addr.
func Exists(dir, addr string) bool {
	_, err := Find(dir, addr)

	return err == nil
}

// Load decrypts the key file of addr in dir with passwd.
func Load(dir, addr, passwd string) (*ecdsa.PrivateKey, error) {
	path, err := Find(dir, addr)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read key file %s: %w", path, err)
	}

	return Decrypt(data, addr, passwd)
}

// Decrypt decrypts the json key file data of addr with passwd.
func Decrypt(data []byte, addr, passwd string) (*ecdsa.PrivateKey, error) {
	key, err := keystore.DecryptKey(data, passwd)
	if err != nil {
		return nil, fmt.Errorf("cannot decrypt key of %s: %w", addr, err)
	}

	if key.Address != common.HexToAddress(addr) {
		return nil, fmt.Errorf("%w: %s", ErrMismatch, key.Address.Hex())
	}

	return key.PrivateKey, nil
}
