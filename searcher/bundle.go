package searcher

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"
)

var (
	ErrSigning        = errors.New("failed to sign bundle transaction")
	ErrBundleConsumed = errors.New("bundle was already submitted")
	ErrEmptyVictim    = errors.New("victim transaction is missing")
)

// TxSigner signs searcher transactions.
type TxSigner interface {
	Address() common.Address
	SignTx(req TxRequest) (*types.Transaction, error)
}

// Wallet is the searcher's transaction signing key. It is never used to authenticate relay requests.
type Wallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	signer  types.Signer
}

func NewWallet(key *ecdsa.PrivateKey, chainID *big.Int) *Wallet {
	return &Wallet{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
		signer:  types.LatestSignerForChainID(chainID),
	}
}

func (w *Wallet) Address() common.Address {
	return w.address
}

func (w *Wallet) SignTx(req TxRequest) (*types.Transaction, error) {
	to := req.To
	return types.SignNewTx(w.key, w.signer, &types.DynamicFeeTx{
		ChainID:   w.chainID,
		Nonce:     req.Nonce,
		GasTipCap: req.GasTipCap,
		GasFeeCap: req.GasFeeCap,
		Gas:       req.Gas,
		To:        &to,
		Value:     req.Value,
		Data:      req.Data,
	})
}

type BundleItem struct {
	Hash      common.Hash
	Tx        hexutil.Bytes
	CanRevert bool
}

// Bundle is an ordered set of signed transactions for one target block: front-runs, the victim, back-runs.
// A bundle can be consumed by a relay exactly once.
type Bundle struct {
	Items       []BundleItem
	TargetBlock uint64
	Version     string

	consumed atomic.Bool
}

// Assemble signs front and back with the wallet and orders them around the victim's original signed bytes.
func Assemble(wallet TxSigner, front []TxRequest, victim *types.Transaction, back []TxRequest, targetBlock uint64) (*Bundle, error) {
	if victim == nil {
		return nil, ErrEmptyVictim
	}

	items := make([]BundleItem, 0, len(front)+len(back)+1)
	for _, req := range front {
		item, err := signItem(wallet, req)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	victimRaw, err := victim.MarshalBinary()
	if err != nil {
		return nil, err
	}
	items = append(items, BundleItem{Hash: victim.Hash(), Tx: victimRaw})

	for _, req := range back {
		item, err := signItem(wallet, req)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	return &Bundle{
		Items:       items,
		TargetBlock: targetBlock,
		Version:     BundleVersion,
	}, nil
}

func signItem(wallet TxSigner, req TxRequest) (BundleItem, error) {
	tx, err := wallet.SignTx(req)
	if err != nil {
		return BundleItem{}, fmt.Errorf("%w: %w", ErrSigning, err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return BundleItem{}, fmt.Errorf("%w: %w", ErrSigning, err)
	}
	return BundleItem{Hash: tx.Hash(), Tx: raw}, nil
}

// Hash commits to the ordered transaction hashes of the bundle.
func (b *Bundle) Hash() common.Hash {
	hasher := sha3.NewLegacyKeccak256()
	for _, item := range b.Items {
		hasher.Write(item.Hash[:])
	}
	return common.BytesToHash(hasher.Sum(nil))
}

// consume marks the bundle as submitted. Only the first call succeeds.
func (b *Bundle) consume() error {
	if !b.consumed.CompareAndSwap(false, true) {
		return ErrBundleConsumed
	}
	return nil
}

func (b *Bundle) Consumed() bool {
	return b.consumed.Load()
}

func (b *Bundle) MevArgs() *SendMevBundleArgs {
	body := make([]MevBundleBody, 0, len(b.Items))
	for i := range b.Items {
		tx := b.Items[i].Tx
		body = append(body, MevBundleBody{Tx: &tx, CanRevert: b.Items[i].CanRevert})
	}
	return &SendMevBundleArgs{
		Version: b.Version,
		Inclusion: MevBundleInclusion{
			BlockNumber: hexutil.Uint64(b.TargetBlock),
		},
		Body: body,
	}
}

// RawTxs returns the 0x-prefixed signed transactions in bundle order.
func (b *Bundle) RawTxs() []string {
	res := make([]string, 0, len(b.Items))
	for _, item := range b.Items {
		res = append(res, item.Tx.String())
	}
	return res
}
