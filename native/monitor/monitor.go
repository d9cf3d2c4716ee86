// Package monitor drains queued liquidity withdrawals. Pools enqueue burn
// requests unconditionally; the monitor serves them strictly in order, one per
// pool per upkeep round, whenever the pool's borrowable reserve covers the
// request.
package monitor

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrForbidden      = errors.New("monitor: forbidden")
	ErrZeroAddress    = errors.New("monitor: zero address")
	ErrUnknownPool    = errors.New("monitor: pool not registered")
	ErrOutOfRange     = errors.New("monitor: request index out of range")
	ErrEncodeUpkeep   = errors.New("monitor: encode upkeep data")
	ErrDecodeUpkeep   = errors.New("monitor: decode upkeep data")
	ErrNothingToServe = errors.New("monitor: nothing to serve")
)

// LiquidityPool is the slice of the pool surface the monitor drives.
type LiquidityPool interface {
	Addr() common.Address
	FreeLiquidity(caller common.Address) (*big.Int, error)
	Burn(caller, owner common.Address, amount *big.Int, to common.Address) error
}

// WithdrawalCallback receives the payout notification for a served request.
// Handlers run with the monitor locked and must not call back into it; the
// returned string (or the error text) is recorded on the request.
type WithdrawalCallback interface {
	OnWithdrawal(quoteToken, owner common.Address, liquidity *big.Int, data []byte) (string, error)
}

// Request is one queued withdrawal. Requests are append-only; currentIndex
// marks the first unserved entry. Index is the request's slot in its pool's
// queue, fixed at enqueue time.
type Request struct {
	Index          uint64
	Owner          common.Address
	QuoteToken     common.Address
	Liquidity      *big.Int
	To             common.Address
	Data           []byte
	CallbackResult string
}

type poolQueue struct {
	pool         LiquidityPool
	requests     []Request
	currentIndex int
}

// Monitor tracks one FIFO queue per registered pool.
type Monitor struct {
	mu sync.Mutex

	addr    common.Address
	manager common.Address
	keeper  common.Address

	order     []common.Address
	queues    map[common.Address]*poolQueue
	callbacks map[common.Address]WithdrawalCallback
}

func New(addr, manager common.Address) *Monitor {
	return &Monitor{
		addr:      addr,
		manager:   manager,
		queues:    make(map[common.Address]*poolQueue),
		callbacks: make(map[common.Address]WithdrawalCallback),
	}
}

func (m *Monitor) Addr() common.Address { return m.addr }

func (m *Monitor) Manager() common.Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.manager
}

// SetManager hands management to a new address. One-shot per call, manager
// only.
func (m *Monitor) SetManager(caller, next common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if caller != m.manager {
		return ErrForbidden
	}
	if next == (common.Address{}) {
		return ErrZeroAddress
	}
	m.manager = next
	return nil
}

// SetKeeper nominates the automation identity allowed to perform upkeep.
func (m *Monitor) SetKeeper(caller, keeper common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if caller != m.manager {
		return ErrForbidden
	}
	m.keeper = keeper
	return nil
}

// RegisterPool admits a pool's queue. Manager only. Registration order is
// stable and drives upkeep encoding.
func (m *Monitor) RegisterPool(caller common.Address, pool LiquidityPool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if caller != m.manager {
		return ErrForbidden
	}
	addr := pool.Addr()
	if addr == (common.Address{}) {
		return ErrZeroAddress
	}
	if _, ok := m.queues[addr]; ok {
		return nil
	}
	m.order = append(m.order, addr)
	m.queues[addr] = &poolQueue{pool: pool}
	return nil
}

// Pools returns registered pool addresses in registration order.
func (m *Monitor) Pools() []common.Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]common.Address, len(m.order))
	copy(out, m.order)
	return out
}

// AddRequest appends a withdrawal to the caller pool's queue. Only registered
// pools may enqueue, and only for themselves.
func (m *Monitor) AddRequest(caller, owner, quoteToken common.Address, liquidity *big.Int, to common.Address, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[caller]
	if !ok {
		return ErrForbidden
	}
	q.requests = append(q.requests, Request{
		Index:      uint64(len(q.requests)),
		Owner:      owner,
		QuoteToken: quoteToken,
		Liquidity:  new(big.Int).Set(liquidity),
		To:         to,
		Data:       data,
	})
	return nil
}

// RegisterCallback installs the payout handler for recipient. Manager only.
func (m *Monitor) RegisterCallback(caller, recipient common.Address, cb WithdrawalCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if caller != m.manager {
		return ErrForbidden
	}
	if recipient == (common.Address{}) {
		return ErrZeroAddress
	}
	m.callbacks[recipient] = cb
	return nil
}

// RequestLength reports the total number of requests ever queued for pool.
func (m *Monitor) RequestLength(pool common.Address) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[pool]
	if !ok {
		return 0, ErrUnknownPool
	}
	return len(q.requests), nil
}

// RequestAt returns the request at index for pool.
func (m *Monitor) RequestAt(pool common.Address, index int) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[pool]
	if !ok {
		return Request{}, ErrUnknownPool
	}
	if index < 0 || index >= len(q.requests) {
		return Request{}, ErrOutOfRange
	}
	r := q.requests[index]
	r.Liquidity = new(big.Int).Set(r.Liquidity)
	return r, nil
}

// CurrentIndex reports the first unserved request index for pool.
func (m *Monitor) CurrentIndex(pool common.Address) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[pool]
	if !ok {
		return 0, ErrUnknownPool
	}
	return q.currentIndex, nil
}

var upkeepArgs = abi.Arguments{
	{Type: mustType("address[]")},
	{Type: mustType("uint256")},
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// CheckUpkeep scans every registered pool and reports whether any head-of-queue
// request is currently serviceable. performData encodes one address slot per
// registered pool (zero when that pool has nothing serviceable this round)
// plus the total count of consecutive requests the pools could satisfy.
func (m *Monitor) CheckUpkeep() (bool, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	slots := make([]common.Address, len(m.order))
	total := big.NewInt(0)
	needed := false
	for i, addr := range m.order {
		q := m.queues[addr]
		n := m.serviceableCountLocked(q)
		if n == 0 {
			continue
		}
		slots[i] = addr
		total.Add(total, big.NewInt(n))
		needed = true
	}
	data, err := upkeepArgs.Pack(slots, total)
	if err != nil {
		return false, nil, ErrEncodeUpkeep
	}
	return needed, data, nil
}

// serviceableCountLocked counts the consecutive queued requests, starting at
// the head, that q's pool could satisfy with its current borrowable reserve.
func (m *Monitor) serviceableCountLocked(q *poolQueue) int64 {
	if q.currentIndex >= len(q.requests) {
		return 0
	}
	avail, err := q.pool.FreeLiquidity(m.addr)
	if err != nil {
		return 0
	}
	spent := new(big.Int)
	var count int64
	for i := q.currentIndex; i < len(q.requests); i++ {
		spent.Add(spent, q.requests[i].Liquidity)
		if avail.Cmp(spent) < 0 {
			break
		}
		count++
	}
	return count
}

// serviceableLocked returns the head request amount for q when the pool can
// cover it right now, nil otherwise.
func (m *Monitor) serviceableLocked(q *poolQueue) *big.Int {
	if q.currentIndex >= len(q.requests) {
		return nil
	}
	head := q.requests[q.currentIndex]
	avail, err := q.pool.FreeLiquidity(m.addr)
	if err != nil {
		return nil
	}
	if avail.Cmp(head.Liquidity) < 0 {
		return nil
	}
	return new(big.Int).Set(head.Liquidity)
}

// PerformUpkeep serves at most one request per pool listed in performData.
// The check-time snapshot is advisory only: every pool is revalidated against
// live state before its head request is burned, so stale performData cannot
// overdraw a pool. Keeper or manager only.
func (m *Monitor) PerformUpkeep(caller common.Address, performData []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if caller != m.keeper && caller != m.manager {
		return 0, ErrForbidden
	}
	values, err := upkeepArgs.Unpack(performData)
	if err != nil || len(values) != 2 {
		return 0, ErrDecodeUpkeep
	}
	pools, ok := values[0].([]common.Address)
	if !ok {
		return 0, ErrDecodeUpkeep
	}

	served := 0
	for _, addr := range pools {
		if addr == (common.Address{}) {
			continue
		}
		q, ok := m.queues[addr]
		if !ok {
			continue
		}
		if m.serveHeadLocked(q) {
			served++
		}
	}
	return served, nil
}

// Execute serves pool's head request when live liquidity covers it. Anyone
// may trigger the manual drain, one request per call.
func (m *Monitor) Execute(pool common.Address) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[pool]
	if !ok {
		return 0, ErrUnknownPool
	}
	if !m.serveHeadLocked(q) {
		return 0, ErrNothingToServe
	}
	return 1, nil
}

// serveHeadLocked burns exactly the head request when live liquidity covers
// it. Requests are never skipped: an unserviceable head blocks the queue.
// A registered recipient callback runs after the burn; its outcome is recorded
// on the request and never undoes the payout.
func (m *Monitor) serveHeadLocked(q *poolQueue) bool {
	if m.serviceableLocked(q) == nil {
		return false
	}
	head := &q.requests[q.currentIndex]
	if err := q.pool.Burn(m.addr, head.Owner, head.Liquidity, head.To); err != nil {
		return false
	}
	q.currentIndex++
	if cb, ok := m.callbacks[head.To]; ok && len(head.Data) > 0 {
		result, err := cb.OnWithdrawal(head.QuoteToken, head.Owner, head.Liquidity, head.Data)
		if err != nil {
			head.CallbackResult = err.Error()
		} else {
			head.CallbackResult = result
		}
	}
	return true
}
