// Package container implements the self-describing payload envelope
// stored for every uploaded object: zero or more typed metadata blocks
// followed by the raw content bytes. Each block is length-prefixed so a
// decoder can skip types it does not recognize.
package container

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Block type tags. TypeData terminates the block sequence and carries
// the content itself.
const (
	TypeTimestamp uint32 = 1
	TypeData      uint32 = 2
)

// headerSize is the fixed prefix of every block: size u64, type u32,
// flags u32, little-endian.
const headerSize = 16

const timestampPayloadSize = 16

var (
	ErrTruncated      = errors.New("container: truncated block")
	ErrNoContentBlock = errors.New("container: no content block")
)

// Block is one metadata block. Data holds the payload without the
// header prefix.
type Block struct {
	Type  uint32
	Flags uint32
	Data  []byte
}

// Container is a decoded payload envelope. It is built once on upload
// or reconstructed from stored bytes on read, and not mutated after
// packing.
type Container struct {
	blocks []Block
	Data   []byte
}

func New(data []byte) *Container {
	return &Container{Data: data}
}

// AppendBlock adds a metadata block ahead of the content. Unknown
// types are legal and survive a pack/unpack round trip.
func (c *Container) AppendBlock(typ, flags uint32, payload []byte) {
	c.blocks = append(c.blocks, Block{Type: typ, Flags: flags, Data: payload})
}

// SetTimestamp embeds t as a timestamp block.
func (c *Container) SetTimestamp(t time.Time) {
	payload := make([]byte, timestampPayloadSize)
	binary.LittleEndian.PutUint64(payload[0:8], uint64(t.Unix()))
	binary.LittleEndian.PutUint64(payload[8:16], uint64(t.Nanosecond()))
	c.AppendBlock(TypeTimestamp, 0, payload)
}

// Timestamp returns the embedded timestamp, if any.
func (c *Container) Timestamp() (time.Time, bool) {
	for _, b := range c.blocks {
		if b.Type != TypeTimestamp || len(b.Data) < timestampPayloadSize {
			continue
		}
		sec := binary.LittleEndian.Uint64(b.Data[0:8])
		nsec := binary.LittleEndian.Uint64(b.Data[8:16])
		return time.Unix(int64(sec), int64(nsec)).UTC(), true
	}
	return time.Time{}, false
}

// Embedded reports whether any metadata block is present. The same
// fact is mirrored into the storage user flags so readers can skip
// decoding entirely.
func (c *Container) Embedded() bool {
	return len(c.blocks) > 0
}

// Blocks returns the metadata blocks in embedding order.
func (c *Container) Blocks() []Block {
	return c.blocks
}

// Pack serializes the container: every metadata block in order, then
// the content block. A container with no metadata blocks packs to its
// bare content, so plain objects are stored byte-identical and stay
// readable by the pass-through decode path.
func (c *Container) Pack() []byte {
	if len(c.blocks) == 0 {
		return c.Data
	}

	size := headerSize + len(c.Data)
	for _, b := range c.blocks {
		size += headerSize + len(b.Data)
	}

	out := make([]byte, 0, size)
	for _, b := range c.blocks {
		out = appendBlock(out, b)
	}
	return appendBlock(out, Block{Type: TypeData, Data: c.Data})
}

func appendBlock(out []byte, b Block) []byte {
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint64(hdr[0:8], uint64(len(b.Data)))
	binary.LittleEndian.PutUint32(hdr[8:12], b.Type)
	binary.LittleEndian.PutUint32(hdr[12:16], b.Flags)
	out = append(out, hdr[:]...)
	return append(out, b.Data...)
}

// Unpack reconstructs a container from stored bytes. When embedded is
// false the input is treated verbatim as content, which keeps callers
// that never embed anything compatible with plain blobs.
func Unpack(raw []byte, embedded bool) (*Container, error) {
	if !embedded {
		return &Container{Data: raw}, nil
	}

	c := &Container{}
	off := 0
	for {
		if len(raw) == off {
			return nil, ErrNoContentBlock
		}
		if len(raw)-off < headerSize {
			return nil, fmt.Errorf("%w: header at offset %d", ErrTruncated, off)
		}
		size := binary.LittleEndian.Uint64(raw[off : off+8])
		typ := binary.LittleEndian.Uint32(raw[off+8 : off+12])
		flags := binary.LittleEndian.Uint32(raw[off+12 : off+16])
		off += headerSize

		if uint64(len(raw)-off) < size {
			return nil, fmt.Errorf("%w: %d byte payload at offset %d", ErrTruncated, size, off)
		}
		payload := raw[off : off+int(size)]
		off += int(size)

		if typ == TypeData {
			c.Data = payload
			return c, nil
		}
		c.blocks = append(c.blocks, Block{Type: typ, Flags: flags, Data: payload})
	}
}
