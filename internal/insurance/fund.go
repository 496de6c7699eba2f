// Package insurance is the liquidation-shortfall backstop. The margin ledger
// draws from it when a liquidated position's collateral cannot cover the
// liquidator's payout, and routes liquidation penalties into it.
package insurance

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"leverswap/internal/token"
)

var ErrFundDepleted = errors.New("insurance: fund depleted")

// Fund accepts penalty deposits and covers liquidation shortfalls.
type Fund interface {
	Deposit(tokenAddr, from common.Address, amount *big.Int) error
	Draw(tokenAddr, to common.Address, amount *big.Int) error
	Balance(tokenAddr common.Address) *big.Int
}

// LedgerFund holds its reserves as token balances on a fund account.
type LedgerFund struct {
	addr   common.Address
	ledger token.Ledger
}

func NewLedgerFund(addr common.Address, ledger token.Ledger) *LedgerFund {
	return &LedgerFund{addr: addr, ledger: ledger}
}

func (f *LedgerFund) Addr() common.Address { return f.addr }

func (f *LedgerFund) Deposit(tokenAddr, from common.Address, amount *big.Int) error {
	return f.ledger.Transfer(tokenAddr, from, f.addr, amount)
}

func (f *LedgerFund) Draw(tokenAddr, to common.Address, amount *big.Int) error {
	if f.ledger.BalanceOf(tokenAddr, f.addr).Cmp(amount) < 0 {
		return ErrFundDepleted
	}
	return f.ledger.Transfer(tokenAddr, f.addr, to, amount)
}

func (f *LedgerFund) Balance(tokenAddr common.Address) *big.Int {
	return f.ledger.BalanceOf(tokenAddr, f.addr)
}
