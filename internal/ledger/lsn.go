package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/internal/mvm"
)

// LSN is the log sequence number every MVM in this package is keyed by.
type LSN = mvm.LSN

// Sentinel is the offset a macro-block's LSN always carries.
const Sentinel = mvm.Sentinel

// keyLen is the size of the block log's big-endian (epoch,offset) key.
const keyLen = 12

// EncodeLSN renders lsn as the 12-byte big-endian key used by the block log:
// an 8-byte epoch followed by a 4-byte offset. Byte-lexicographic order on
// this encoding matches LSN.Less, because the sentinel offset is the
// maximal uint32.
func EncodeLSN(lsn LSN) []byte {
	buf := make([]byte, keyLen)
	binary.BigEndian.PutUint64(buf[:8], lsn.Epoch)
	binary.BigEndian.PutUint32(buf[8:], lsn.Offset)
	return buf
}

// DecodeLSN parses a 12-byte block log key back into an LSN.
func DecodeLSN(key []byte) (LSN, error) {
	if len(key) != keyLen {
		return LSN{}, fmt.Errorf("ledger: block log key must be %d bytes, got %d", keyLen, len(key))
	}
	return LSN{
		Epoch:  binary.BigEndian.Uint64(key[:8]),
		Offset: binary.BigEndian.Uint32(key[8:]),
	}, nil
}
