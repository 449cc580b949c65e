package signature

import (
	"encoding/hex"

	"github.com/ethereum/go-ethereum/accounts"
)

func textHash(msg string) []byte {
	return accounts.TextHash([]byte(msg))
}

func bytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}
