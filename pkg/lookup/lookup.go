// Package lookup decodes the binary per-replica records returned by
// storage nodes for write and lookup operations: where a key landed,
// with which status, and under which on-disk path.
package lookup

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Address families carried on the wire. These are wire constants, not
// the platform's AF_* values.
const (
	FamilyIPv4 uint16 = 2
	FamilyIPv6 uint16 = 10
)

// Record layout, little-endian:
//
//	id[20] group:u32 status:i32 family:u16 port:u16 addr[16]
//	offset:u64 size:u64 plen:u16 fplen:u16 path[plen] fullPath[fplen]
const fixedHeadSize = 68

const idSize = 20

var (
	ErrTruncatedRecord   = errors.New("lookup: truncated record")
	ErrAddressResolution = errors.New("lookup: address resolution failed")
)

// lookupAddr is swapped out by tests to avoid real DNS.
var lookupAddr = net.LookupAddr

// Options controls how derived fields are rendered.
type Options struct {
	// True when nodes store data in blob files, so the published path
	// carries the blob path plus offset and size. False publishes the
	// sharded directory layout of the per-file backend instead.
	EblobStylePath  bool
	BasePort        int
	DirectionBitNum int
	// Appended to the resolved host when the storage port itself is
	// not externally routable.
	SignPort string
}

// Info describes one replica's placement of a key. It is the decoded
// form of a record; Marshal produces the wire form, which test
// fixtures and node doubles use to synthesize replies.
type Info struct {
	ID       [idSize]byte
	Group    uint32
	Status   int32
	IP       net.IP
	Port     uint16
	Offset   uint64
	Size     uint64
	Path     string
	FullPath string
}

// Marshal encodes i as a wire record.
func (i Info) Marshal() ([]byte, error) {
	if len(i.Path) > 0xffff || len(i.FullPath) > 0xffff {
		return nil, errors.New("lookup: path too long")
	}

	family := FamilyIPv4
	var raw [16]byte
	if ip4 := i.IP.To4(); ip4 != nil {
		copy(raw[:], ip4)
	} else if ip16 := i.IP.To16(); ip16 != nil {
		family = FamilyIPv6
		copy(raw[:], ip16)
	} else {
		return nil, fmt.Errorf("lookup: bad address %q", i.IP)
	}

	out := make([]byte, fixedHeadSize, fixedHeadSize+len(i.Path)+len(i.FullPath))
	copy(out[0:20], i.ID[:])
	binary.LittleEndian.PutUint32(out[20:24], i.Group)
	binary.LittleEndian.PutUint32(out[24:28], uint32(i.Status))
	binary.LittleEndian.PutUint16(out[28:30], family)
	binary.LittleEndian.PutUint16(out[30:32], i.Port)
	copy(out[32:48], raw[:])
	binary.LittleEndian.PutUint64(out[48:56], i.Offset)
	binary.LittleEndian.PutUint64(out[56:64], i.Size)
	binary.LittleEndian.PutUint16(out[64:66], uint16(len(i.Path)))
	binary.LittleEndian.PutUint16(out[66:68], uint16(len(i.FullPath)))
	out = append(out, i.Path...)
	out = append(out, i.FullPath...)
	return out, nil
}

// Record is one parsed lookup record. A record is owned by the single
// request that parsed it, so the lazily resolved host is memoized
// without locking.
type Record struct {
	info Info
	opts Options

	host string
}

// Parse decodes one wire record.
func Parse(raw []byte, opts Options) (*Record, error) {
	if len(raw) < fixedHeadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncatedRecord, len(raw))
	}

	var info Info
	copy(info.ID[:], raw[0:20])
	info.Group = binary.LittleEndian.Uint32(raw[20:24])
	info.Status = int32(binary.LittleEndian.Uint32(raw[24:28]))
	family := binary.LittleEndian.Uint16(raw[28:30])
	info.Port = binary.LittleEndian.Uint16(raw[30:32])

	switch family {
	case FamilyIPv4:
		info.IP = net.IP(append([]byte(nil), raw[32:36]...))
	case FamilyIPv6:
		info.IP = net.IP(append([]byte(nil), raw[32:48]...))
	default:
		return nil, fmt.Errorf("lookup: unknown address family %d", family)
	}

	info.Offset = binary.LittleEndian.Uint64(raw[48:56])
	info.Size = binary.LittleEndian.Uint64(raw[56:64])
	plen := int(binary.LittleEndian.Uint16(raw[64:66]))
	fplen := int(binary.LittleEndian.Uint16(raw[66:68]))

	if len(raw) < fixedHeadSize+plen+fplen {
		return nil, fmt.Errorf("%w: %d byte paths in %d byte record", ErrTruncatedRecord, plen+fplen, len(raw))
	}
	info.Path = string(raw[fixedHeadSize : fixedHeadSize+plen])
	info.FullPath = string(raw[fixedHeadSize+plen : fixedHeadSize+plen+fplen])

	return &Record{info: info, opts: opts}, nil
}

func (r *Record) Group() int     { return int(r.info.Group) }
func (r *Record) Status() int    { return int(r.info.Status) }
func (r *Record) ID() [20]byte   { return r.info.ID }
func (r *Record) IP() net.IP     { return r.info.IP }
func (r *Record) Port() int      { return int(r.info.Port) }
func (r *Record) Offset() uint64 { return r.info.Offset }
func (r *Record) Size() uint64   { return r.info.Size }

// Addr returns the canonical address string, independent of DNS.
func (r *Record) Addr() string {
	return net.JoinHostPort(r.info.IP.String(), strconv.Itoa(int(r.info.Port)))
}

// Host reverse-resolves the record's address, memoizing the result.
// Resolution failure is a hard error for this record; callers must not
// substitute the numeric address.
func (r *Record) Host() (string, error) {
	if r.host != "" {
		return r.host, nil
	}

	names, err := lookupAddr(r.info.IP.String())
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrAddressResolution, r.info.IP, err)
	}
	if len(names) == 0 {
		return "", fmt.Errorf("%w: %s: no names", ErrAddressResolution, r.info.IP)
	}

	host := strings.TrimSuffix(names[0], ".")
	if r.opts.SignPort != "" {
		host = host + ":" + r.opts.SignPort
	}
	r.host = host
	return host, nil
}

// Path returns the published storage path. Blob-style nodes expose
// the blob file plus the region holding the data; per-file backends
// expose the sharded directory derived from the key id.
func (r *Record) Path() string {
	if r.opts.EblobStylePath {
		return fmt.Sprintf("%s:%d:%d", r.info.Path, r.info.Offset, r.info.Size)
	}
	return fmt.Sprintf("/%d/%s/%s",
		r.Port()-r.opts.BasePort,
		backendDir(r.info.ID, r.opts.DirectionBitNum),
		hex.EncodeToString(r.info.ID[:]))
}

// FullPath returns the absolute path from the trailing record block.
func (r *Record) FullPath() string {
	return r.info.FullPath
}

// backendDir reproduces the per-file backend's directory fan-out: the
// id's leading bitNum bits rendered as hex, rounded up to whole bytes
// for the dump then cut to bitNum/4 characters.
func backendDir(id [idSize]byte, bitNum int) string {
	bytes := (bitNum + 7) / 8
	if bytes > len(id) {
		bytes = len(id)
	}
	s := hex.EncodeToString(id[:bytes])
	if cut := bitNum / 4; cut < len(s) {
		s = s[:cut]
	}
	return s
}
