package simulation

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/flashbots/mev-jit-searcher/metrics"
)

// StateReader is the point-in-time state read API of a node.
type StateReader interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	StorageAt(ctx context.Context, account common.Address, key common.Hash, blockNumber *big.Int) ([]byte, error)
}

type Account struct {
	Balance *big.Int
	Nonce   uint64
	Code    []byte
}

type cachedAccount struct {
	Account
	dirty   bool
	deleted bool
}

type slotKey struct {
	addr common.Address
	slot common.Hash
}

type cachedSlot struct {
	value common.Hash
	dirty bool
}

// StateCache is a read-through cache of account and storage state pinned to one block.
// Values are fetched once and never re-fetched; committed diffs are applied in place and kept as dirty entries.
//
// A cache belongs to one simulation session at a time, see Acquire.
type StateCache struct {
	reader   StateReader
	block    uint64
	owner    sync.Mutex
	accounts map[common.Address]*cachedAccount
	storage  map[slotKey]*cachedSlot
}

func NewStateCache(reader StateReader, block uint64) *StateCache {
	return &StateCache{
		reader:   reader,
		block:    block,
		accounts: make(map[common.Address]*cachedAccount),
		storage:  make(map[slotKey]*cachedSlot),
	}
}

func (c *StateCache) Block() uint64 {
	return c.block
}

// Acquire takes exclusive ownership of the cache. It fails with ErrCacheBusy if another session owns it.
func (c *StateCache) Acquire() (release func(), err error) {
	if !c.owner.TryLock() {
		return nil, ErrCacheBusy
	}
	var once sync.Once
	return func() { once.Do(c.owner.Unlock) }, nil
}

func (c *StateCache) blockNumber() *big.Int {
	return new(big.Int).SetUint64(c.block)
}

// GetAccount returns the account, fetching it from the node on the first miss.
func (c *StateCache) GetAccount(ctx context.Context, addr common.Address) (Account, error) {
	if acc, ok := c.accounts[addr]; ok {
		return acc.copy(), nil
	}

	block := c.blockNumber()
	balance, err := c.reader.BalanceAt(ctx, addr, block)
	if err != nil {
		return Account{}, err
	}
	nonce, err := c.reader.NonceAt(ctx, addr, block)
	if err != nil {
		return Account{}, err
	}
	code, err := c.reader.CodeAt(ctx, addr, block)
	if err != nil {
		return Account{}, err
	}
	metrics.IncStateCacheFetches()

	acc := &cachedAccount{Account: Account{Balance: balance, Nonce: nonce, Code: code}}
	c.accounts[addr] = acc
	return acc.copy(), nil
}

// GetStorage returns the storage slot, fetching it from the node on the first miss.
func (c *StateCache) GetStorage(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error) {
	key := slotKey{addr: addr, slot: slot}
	if s, ok := c.storage[key]; ok {
		return s.value, nil
	}
	if acc, ok := c.accounts[addr]; ok && acc.deleted {
		return common.Hash{}, nil
	}

	value, err := c.reader.StorageAt(ctx, addr, slot, c.blockNumber())
	if err != nil {
		return common.Hash{}, err
	}
	metrics.IncStateCacheFetches()

	h := common.BytesToHash(value)
	c.storage[key] = &cachedSlot{value: h}
	return h, nil
}

// Commit applies the post state of diff in place.
func (c *StateCache) Commit(diff StateDiff) {
	for addr, d := range diff {
		c.memoizeAccount(addr, d.Pre)

		acc := c.accounts[addr]
		acc.dirty = true
		if d.Deleted {
			acc.deleted = true
			acc.Balance = new(big.Int)
			acc.Nonce = 0
			acc.Code = nil
			for key, s := range c.storage {
				if key.addr == addr {
					s.value = common.Hash{}
					s.dirty = true
				}
			}
		} else {
			if d.Post.Balance != nil {
				acc.Balance = new(big.Int).Set(d.Post.Balance)
			}
			if d.Post.Nonce != nil {
				acc.Nonce = *d.Post.Nonce
			}
			if d.Post.Code != nil {
				acc.Code = common.CopyBytes(d.Post.Code)
			}
		}

		for slot, value := range d.PostStorage() {
			c.storage[slotKey{addr: addr, slot: slot}] = &cachedSlot{value: value, dirty: true}
		}
	}
}

// memoize records pre-execution values observed in a trace. Known entries are never overwritten.
func (c *StateCache) memoize(pre map[common.Address]AccountState) {
	for addr, st := range pre {
		c.memoizeAccount(addr, st)
	}
}

func (c *StateCache) memoizeAccount(addr common.Address, st AccountState) {
	if _, ok := c.accounts[addr]; !ok {
		acc := &cachedAccount{Account: Account{Balance: new(big.Int), Code: common.CopyBytes(st.Code)}}
		if st.Balance != nil {
			acc.Balance.Set(st.Balance)
		}
		if st.Nonce != nil {
			acc.Nonce = *st.Nonce
		}
		c.accounts[addr] = acc
	}
	for slot, value := range st.Storage {
		key := slotKey{addr: addr, slot: slot}
		if _, ok := c.storage[key]; !ok {
			c.storage[key] = &cachedSlot{value: value}
		}
	}
}

// OverrideAccount is the state override format accepted by eth_call and debug_traceCall.
// A non-nil State replaces the whole account storage, StateDiff patches it.
type OverrideAccount struct {
	Nonce     *hexutil.Uint64             `json:"nonce,omitempty"`
	Code      *hexutil.Bytes              `json:"code,omitempty"`
	Balance   *hexutil.Big                `json:"balance,omitempty"`
	State     map[common.Hash]common.Hash `json:"state"`
	StateDiff map[common.Hash]common.Hash `json:"stateDiff,omitempty"`
}

// Overrides returns every committed change as a state override set.
func (c *StateCache) Overrides() map[common.Address]OverrideAccount {
	res := make(map[common.Address]OverrideAccount)
	for addr, acc := range c.accounts {
		if !acc.dirty {
			continue
		}
		nonce := hexutil.Uint64(acc.Nonce)
		code := hexutil.Bytes(common.CopyBytes(acc.Code))
		if code == nil {
			code = hexutil.Bytes{}
		}
		o := OverrideAccount{
			Nonce:   &nonce,
			Code:    &code,
			Balance: (*hexutil.Big)(new(big.Int).Set(acc.Balance)),
		}
		// storage the node still holds for a deleted account must not show through
		if acc.deleted {
			o.State = make(map[common.Hash]common.Hash)
		}
		res[addr] = o
	}
	for key, s := range c.storage {
		if !s.dirty {
			continue
		}
		o := res[key.addr]
		switch {
		case o.State != nil:
			if s.value != (common.Hash{}) {
				o.State[key.slot] = s.value
			}
		case o.StateDiff == nil:
			o.StateDiff = map[common.Hash]common.Hash{key.slot: s.value}
		default:
			o.StateDiff[key.slot] = s.value
		}
		res[key.addr] = o
	}
	return res
}

func (a *cachedAccount) copy() Account {
	return Account{
		Balance: new(big.Int).Set(a.Balance),
		Nonce:   a.Nonce,
		Code:    common.CopyBytes(a.Code),
	}
}
