// Package idgen generates task identifiers bound to the requestor's public
// key. The low 48 bits of each identifier carry a fingerprint of the key, so
// ownership of an identifier can be checked without a lookup.
package idgen

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// nodeSize is the number of trailing bytes of a UUID that carry the node
// fingerprint.
const nodeSize = 6

func fingerprint(publicKey []byte) [nodeSize]byte {
	sum := sha256.Sum256(publicKey)
	var node [nodeSize]byte
	copy(node[:], sum[:nodeSize])
	// Multicast bit marks the node part as synthetic, as required for
	// non-hardware node identifiers.
	node[0] |= 0x01
	return node
}

// GenerateID returns a fresh identifier whose node bits are derived from the
// given public key. The remaining bits are random, so collisions between
// identifiers of the same requestor are as unlikely as UUID collisions.
func GenerateID(publicKey []byte) string {
	id := uuid.New()
	node := fingerprint(publicKey)
	copy(id[10:], node[:])
	return id.String()
}

// Belongs reports whether the identifier was generated from the given public
// key. Malformed identifiers belong to no key.
func Belongs(id string, publicKey []byte) bool {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	node := fingerprint(publicKey)
	return bytes.Equal(parsed[10:], node[:])
}

// NodeID returns the public identity derived from a public key: the hex form
// of its fingerprint. It is the value providers see as this node's identifier.
func NodeID(publicKey []byte) string {
	node := fingerprint(publicKey)
	return hex.EncodeToString(node[:])
}
