package state

import (
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	accountPrefix   = []byte("account:")
	tokenPrefix     = []byte("token:")
	holdingPrefix   = []byte("holding:")
	allowancePrefix = []byte("allowance:")
)

func accountKey(addr common.Address) []byte {
	buf := make([]byte, 0, len(accountPrefix)+common.AddressLength)
	buf = append(buf, accountPrefix...)
	buf = append(buf, addr.Bytes()...)
	return ethcrypto.Keccak256(buf)
}

func tokenKey(token common.Address) []byte {
	buf := make([]byte, 0, len(tokenPrefix)+common.AddressLength)
	buf = append(buf, tokenPrefix...)
	buf = append(buf, token.Bytes()...)
	return ethcrypto.Keccak256(buf)
}

func holdingKey(token, holder common.Address) []byte {
	buf := make([]byte, 0, len(holdingPrefix)+2*common.AddressLength+1)
	buf = append(buf, holdingPrefix...)
	buf = append(buf, token.Bytes()...)
	buf = append(buf, ':')
	buf = append(buf, holder.Bytes()...)
	return ethcrypto.Keccak256(buf)
}

func allowanceKey(token, owner, spender common.Address) []byte {
	buf := make([]byte, 0, len(allowancePrefix)+3*common.AddressLength+2)
	buf = append(buf, allowancePrefix...)
	buf = append(buf, token.Bytes()...)
	buf = append(buf, ':')
	buf = append(buf, owner.Bytes()...)
	buf = append(buf, ':')
	buf = append(buf, spender.Bytes()...)
	return ethcrypto.Keccak256(buf)
}

// KVKey hashes an arbitrary module key into the ledger key space.
func KVKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}
