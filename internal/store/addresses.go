package store

import (
	"context"
	"encoding/binary"
	"errors"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrPoolExhausted is returned when every assignable address of a pool
// is taken.
var ErrPoolExhausted = errors.New("address pool exhausted")

// Tunnel address pools. Clients and gateways in every account draw
// their interface addresses from the same CG-NAT v4 range and ULA v6
// range; uniqueness is scoped per account.
var (
	TunnelIPv4Pool = netip.MustParsePrefix("100.64.0.0/11")
	TunnelIPv6Pool = netip.MustParsePrefix("fd00:2021:1111::/107")
)

// NextAvailable scans a pool for the first free assignable address.
// The scan runs forward from offset to the end of the pool, then
// backward from offset-1 toward the network address. The network
// address, the first host (conventional gateway) and the last address
// (broadcast) are never assignable. Returns false when the pool is
// full or the pool has no assignable hosts at all.
func NextAvailable(pool netip.Prefix, offset uint64, used func(netip.Addr) bool) (netip.Addr, bool) {
	pool = pool.Masked()
	hostBits := pool.Addr().BitLen() - pool.Bits()
	if hostBits < 2 || hostBits > 63 {
		return netip.Addr{}, false
	}
	size := uint64(1) << hostBits
	if offset >= size {
		offset %= size
	}

	assignable := func(i uint64) (netip.Addr, bool) {
		if i < 2 || i >= size-1 {
			return netip.Addr{}, false
		}
		addr := addrAt(pool.Addr(), i)
		if used(addr) {
			return netip.Addr{}, false
		}
		return addr, true
	}

	for i := offset; i < size; i++ {
		if addr, ok := assignable(i); ok {
			return addr, true
		}
	}
	for i := offset; i > 0; i-- {
		if addr, ok := assignable(i - 1); ok {
			return addr, true
		}
	}
	return netip.Addr{}, false
}

// addrAt returns network+i. i must fit the pool, checked by the
// caller.
func addrAt(network netip.Addr, i uint64) netip.Addr {
	if network.Is4() {
		n := binary.BigEndian.Uint32(network.AsSlice())
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], n+uint32(i))
		return netip.AddrFrom4(b)
	}

	b := network.As16()
	carry := i
	for pos := 15; pos >= 0 && carry > 0; pos-- {
		sum := uint64(b[pos]) + (carry & 0xff)
		b[pos] = byte(sum)
		carry = (carry >> 8) + (sum >> 8)
	}
	return netip.AddrFrom16(b)
}

// OffsetFor derives a stable scan offset from a principal id so
// repeated allocations for the same principal probe the same region
// of the pool.
func OffsetFor(id uuid.UUID, pool netip.Prefix) uint64 {
	hostBits := pool.Addr().BitLen() - pool.Masked().Bits()
	if hostBits < 2 || hostBits > 63 {
		return 0
	}
	return binary.BigEndian.Uint64(id[:8]) % (uint64(1) << hostBits)
}

// AddressRepository allocates tunnel addresses. Uniqueness within an
// account rides on the (account_id, address) primary key: two
// concurrent allocators race on the insert and the loser rescans.
type AddressRepository struct {
	db *pgxpool.Pool
}

// NewAddressRepository creates a new AddressRepository.
func NewAddressRepository(db *pgxpool.Pool) *AddressRepository {
	return &AddressRepository{db: db}
}

// Allocate claims the next free address in the pool for the account.
// Reserved addresses are treated as taken without being persisted.
func (r *AddressRepository) Allocate(ctx context.Context, accountID uuid.UUID, pool netip.Prefix, offset uint64, reserved []netip.Addr) (netip.Addr, error) {
	for {
		if err := ctx.Err(); err != nil {
			return netip.Addr{}, err
		}

		taken, err := r.takenIn(ctx, accountID, pool)
		if err != nil {
			return netip.Addr{}, err
		}
		for _, addr := range reserved {
			taken[addr] = struct{}{}
		}

		addr, ok := NextAvailable(pool, offset, func(a netip.Addr) bool {
			_, dup := taken[a]
			return dup
		})
		if !ok {
			return netip.Addr{}, ErrPoolExhausted
		}

		query := `
			INSERT INTO addresses (account_id, address, created_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (account_id, address) DO NOTHING`
		tag, err := r.db.Exec(ctx, query, accountID, addr, time.Now().UTC())
		if err != nil {
			return netip.Addr{}, err
		}
		if tag.RowsAffected() == 1 {
			return addr, nil
		}
		// Lost the race for this address; the rescan sees it as taken.
	}
}

// Release frees an allocation.
func (r *AddressRepository) Release(ctx context.Context, accountID uuid.UUID, addr netip.Addr) error {
	query := `DELETE FROM addresses WHERE account_id = $1 AND address = $2`
	tag, err := r.db.Exec(ctx, query, accountID, addr)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *AddressRepository) takenIn(ctx context.Context, accountID uuid.UUID, pool netip.Prefix) (map[netip.Addr]struct{}, error) {
	query := `SELECT address FROM addresses WHERE account_id = $1`
	rows, err := r.db.Query(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	wantV4 := pool.Addr().Is4()
	taken := make(map[netip.Addr]struct{})
	for rows.Next() {
		var addr netip.Addr
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		addr = addr.Unmap()
		if addr.Is4() == wantV4 {
			taken[addr] = struct{}{}
		}
	}
	return taken, rows.Err()
}
