// Package token is the payment plumbing boundary. The engines settle swaps,
// borrows and liquidations against a Ledger without caring whether balances
// live in memory or behind an external token contract.
package token

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientBalance = errors.New("token: insufficient balance")
	ErrNegativeAmount      = errors.New("token: negative amount")
)

// Ledger tracks per-token balances and moves them between accounts.
type Ledger interface {
	BalanceOf(token, account common.Address) *big.Int
	Transfer(token, from, to common.Address, amount *big.Int) error
	Mint(token, to common.Address, amount *big.Int) error
}

// MemLedger is the in-memory Ledger used by the engines and their tests.
type MemLedger struct {
	mu       sync.Mutex
	balances map[common.Address]map[common.Address]*big.Int
}

func NewMemLedger() *MemLedger {
	return &MemLedger{balances: make(map[common.Address]map[common.Address]*big.Int)}
}

func (l *MemLedger) BalanceOf(token, account common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if accounts, ok := l.balances[token]; ok {
		if bal, ok := accounts[account]; ok {
			return new(big.Int).Set(bal)
		}
	}
	return new(big.Int)
}

func (l *MemLedger) Transfer(token, from, to common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	accounts, ok := l.balances[token]
	if !ok {
		return ErrInsufficientBalance
	}
	fromBal, ok := accounts[from]
	if !ok || fromBal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	fromBal.Sub(fromBal, amount)
	l.credit(token, to, amount)
	return nil
}

func (l *MemLedger) Mint(token, to common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(token, to, amount)
	return nil
}

func (l *MemLedger) credit(token, to common.Address, amount *big.Int) {
	accounts, ok := l.balances[token]
	if !ok {
		accounts = make(map[common.Address]*big.Int)
		l.balances[token] = accounts
	}
	bal, ok := accounts[to]
	if !ok {
		bal = new(big.Int)
		accounts[to] = bal
	}
	bal.Add(bal, amount)
}
