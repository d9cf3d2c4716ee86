package position

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// positionKey derives the content-addressed identity of a position. The nonce
// keeps repeated identical trades distinct.
func positionKey(owner, baseToken, collateralToken, quoteToken common.Address, nonce uint64) common.Hash {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	return crypto.Keccak256Hash(
		owner.Bytes(),
		baseToken.Bytes(),
		collateralToken.Bytes(),
		quoteToken.Bytes(),
		n[:],
	)
}
