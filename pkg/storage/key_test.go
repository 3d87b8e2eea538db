package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyTransform(t *testing.T) {
	k := NewKey("images", "cat/photo.jpg")

	assert.Equal(t, "images.cat/photo.jpg", k.Remote())
	assert.Len(t, k.IDHex(), 40)

	// Deterministic, and namespace-qualified: the same filename in
	// another namespace is a different object.
	assert.Equal(t, k.IDHex(), NewKey("images", "cat/photo.jpg").IDHex())
	assert.NotEqual(t, k.IDHex(), NewKey("default", "cat/photo.jpg").IDHex())
}
