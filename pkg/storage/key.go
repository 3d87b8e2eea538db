package storage

import (
	"crypto/sha1"
	"encoding/hex"
)

// Key addresses one object. The binary id every operation carries is
// the transform of the namespace-qualified name, so equal filenames in
// different namespaces never collide.
type Key struct {
	Namespace string
	Filename  string
}

func NewKey(namespace, filename string) Key {
	return Key{Namespace: namespace, Filename: filename}
}

// Remote is the string fed to the transform function.
func (k Key) Remote() string {
	return k.Namespace + "." + k.Filename
}

// ID is the 160-bit storage identifier of the key.
func (k Key) ID() [20]byte {
	return sha1.Sum([]byte(k.Remote()))
}

// IDHex is the identifier in the textual form used on the wire and in
// logs.
func (k Key) IDHex() string {
	id := k.ID()
	return hex.EncodeToString(id[:])
}
