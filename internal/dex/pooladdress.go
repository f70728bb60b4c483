package dex

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var poolKeyArgs abi.Arguments

func init() {
	addressType, _ := abi.NewType("address", "", nil)
	uint24Type, _ := abi.NewType("uint24", "", nil)
	poolKeyArgs = abi.Arguments{{Type: addressType}, {Type: addressType}, {Type: uint24Type}}
}

// SortTokens orders a token pair the way pool factories do.
func SortTokens(a, b common.Address) (common.Address, common.Address) {
	if bytes.Compare(a.Bytes(), b.Bytes()) > 0 {
		return b, a
	}
	return a, b
}

// ComputePoolAddress derives a pool address with CREATE2 from the factory,
// its pool init code hash and the pool key (token0, token1, fee).
func ComputePoolAddress(factory common.Address, initCodeHash common.Hash, tokenA, tokenB common.Address, fee uint32) (common.Address, error) {
	if tokenA == tokenB {
		return common.Address{}, fmt.Errorf("identical tokens: %s", tokenA.Hex())
	}
	token0, token1 := SortTokens(tokenA, tokenB)
	encoded, err := poolKeyArgs.Pack(token0, token1, new(big.Int).SetUint64(uint64(fee)))
	if err != nil {
		return common.Address{}, fmt.Errorf("encode pool key: %w", err)
	}
	salt := crypto.Keccak256Hash(encoded)
	return crypto.CreateAddress2(factory, salt, initCodeHash.Bytes()), nil
}
