// Package ippool hands out IPv4 addresses of a subnet from a bitmap.
package ippool

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"net/netip"

	apperrors "gnt-shepherd.io/shepherd/internal/pkg/errors"
)

// MaxPrefixSize is the largest pool, a /16.
const MaxPrefixSize = 1 << 16

// Pool is an address bitmap. A set bit means the address is taken.
// Pool is not safe for concurrent use; callers serialize through the
// network row lock.
type Pool struct {
	prefix netip.Prefix
	base   uint32
	size   int
	bits   []byte
}

// New creates a pool for subnet with the network, broadcast and gateway
// addresses already taken. gateway may be the zero Addr.
func New(subnet netip.Prefix, gateway netip.Addr) (*Pool, error) {
	p, err := empty(subnet)
	if err != nil {
		return nil, err
	}
	if p.size > 2 {
		p.set(0)
		p.set(p.size - 1)
	}
	if gateway.IsValid() {
		if idx, ok := p.index(gateway); ok {
			p.set(idx)
		}
	}
	return p, nil
}

// FromBytes restores a pool saved with Bytes.
func FromBytes(subnet netip.Prefix, data []byte) (*Pool, error) {
	p, err := empty(subnet)
	if err != nil {
		return nil, err
	}
	if len(data) != len(p.bits) {
		return nil, fmt.Errorf("pool for %s needs %d bytes, got %d", p.prefix, len(p.bits), len(data))
	}
	copy(p.bits, data)
	return p, nil
}

func empty(subnet netip.Prefix) (*Pool, error) {
	if !subnet.IsValid() || !subnet.Addr().Is4() {
		return nil, apperrors.BadRequest(apperrors.CodeBadRequest, fmt.Sprintf("invalid IPv4 subnet %q", subnet))
	}
	subnet = subnet.Masked()
	size := 1 << (32 - subnet.Bits())
	if size > MaxPrefixSize {
		return nil, apperrors.BadRequest(apperrors.CodeBadRequest, fmt.Sprintf("subnet %s is larger than a /16", subnet))
	}
	a4 := subnet.Addr().As4()
	return &Pool{
		prefix: subnet,
		base:   binary.BigEndian.Uint32(a4[:]),
		size:   size,
		bits:   make([]byte, (size+7)/8),
	}, nil
}

// Prefix returns the subnet the pool covers.
func (p *Pool) Prefix() netip.Prefix { return p.prefix }

// Size returns the number of addresses in the subnet.
func (p *Pool) Size() int { return p.size }

// Allocate takes the lowest free address.
func (p *Pool) Allocate() (netip.Addr, error) {
	for i, b := range p.bits {
		if b == 0xff {
			continue
		}
		idx := i*8 + bits.LeadingZeros8(^b)
		if idx >= p.size {
			break
		}
		p.set(idx)
		return p.addr(idx), nil
	}
	return netip.Addr{}, apperrors.Conflict(apperrors.CodeAddressPoolFull,
		fmt.Sprintf("no free address in %s", p.prefix))
}

// Reserve takes a specific address.
func (p *Pool) Reserve(addr netip.Addr) error {
	idx, err := p.mustIndex(addr)
	if err != nil {
		return err
	}
	if p.isSet(idx) {
		return apperrors.Conflict(apperrors.CodeConflict, fmt.Sprintf("address %s is already in use", addr))
	}
	p.set(idx)
	return nil
}

// Release returns an address to the pool. Releasing a free address is a no-op.
func (p *Pool) Release(addr netip.Addr) error {
	idx, err := p.mustIndex(addr)
	if err != nil {
		return err
	}
	p.bits[idx/8] &^= 0x80 >> (idx % 8)
	return nil
}

// IsAvailable reports whether addr is inside the pool and free.
func (p *Pool) IsAvailable(addr netip.Addr) bool {
	idx, ok := p.index(addr)
	return ok && !p.isSet(idx)
}

// Available counts free addresses.
func (p *Pool) Available() int {
	used := 0
	for _, b := range p.bits {
		used += bits.OnesCount8(b)
	}
	// Padding bits past size are never set.
	return p.size - used
}

// Bytes returns the bitmap for persistence.
func (p *Pool) Bytes() []byte {
	return append([]byte(nil), p.bits...)
}

func (p *Pool) mustIndex(addr netip.Addr) (int, error) {
	idx, ok := p.index(addr)
	if !ok {
		return 0, apperrors.BadRequest(apperrors.CodeBadRequest,
			fmt.Sprintf("address %s is outside %s", addr, p.prefix))
	}
	return idx, nil
}

func (p *Pool) index(addr netip.Addr) (int, bool) {
	if !addr.Is4() || !p.prefix.Contains(addr) {
		return 0, false
	}
	a4 := addr.As4()
	return int(binary.BigEndian.Uint32(a4[:]) - p.base), true
}

func (p *Pool) addr(idx int) netip.Addr {
	var a4 [4]byte
	binary.BigEndian.PutUint32(a4[:], p.base+uint32(idx))
	return netip.AddrFrom4(a4)
}

func (p *Pool) set(idx int)        { p.bits[idx/8] |= 0x80 >> (idx % 8) }
func (p *Pool) isSet(idx int) bool { return p.bits[idx/8]&(0x80>>(idx%8)) != 0 }
