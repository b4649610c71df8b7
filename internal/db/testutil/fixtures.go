package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// RandomDataItemID generates a random data item id in the 43 character
// base64url form used on the wire
func RandomDataItemID() string {
	b := make([]byte, 32)
	rand.Read(b) //nolint:errcheck
	return base64.RawURLEncoding.EncodeToString(b)
}

// RandomOwnerAddress generates a random normalized owner address, which
// shares the data item id encoding
func RandomOwnerAddress() string {
	return RandomDataItemID()
}

// RandomEVMAddress generates a random 0x-prefixed EVM address for testing
func RandomEVMAddress() string {
	b := make([]byte, 20)
	rand.Read(b) //nolint:errcheck
	return "0x" + hex.EncodeToString(b)
}

// RandomTxHash generates a random 0x-prefixed settlement transaction hash
func RandomTxHash() string {
	b := make([]byte, 32)
	rand.Read(b) //nolint:errcheck
	return fmt.Sprintf("0x%s", hex.EncodeToString(b))
}
