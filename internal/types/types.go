// Package types contains shared type definitions used across multiple packages
package types

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Address identifies an account holding stakes or tokens
type Address = common.Address

// ZeroAddress is the unset address; a pot address equal to it disables sweeping
var ZeroAddress = common.Address{}

// ParseAddress parses a 0x-prefixed hex account address
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return ZeroAddress, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// MustParseAddress is ParseAddress for constants and tests
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic("types: " + err.Error())
	}
	return a
}
