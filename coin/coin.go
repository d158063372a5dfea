// Package coin provides the overflow-safe monetary value used for query
// fees, verification stakes and withdrawable balances.
package coin

import (
	"golang.org/x/xerrors"
)

// Coin is an amount of the medchain unit of account.
type Coin struct {
	Value uint64
}

// New returns a coin holding the given value.
func New(value uint64) Coin {
	return Coin{Value: value}
}

// SafeAdd will add a to the value of the coin if there will be no overflow.
func (c *Coin) SafeAdd(a uint64) error {
	s1 := c.Value + a
	if s1 < c.Value || s1 < a {
		return xerrors.New("uint64 overflow")
	}
	c.Value = s1
	return nil
}

// SafeSub subtracts a from the value of the coin if there will be no
// underflow.
func (c *Coin) SafeSub(a uint64) error {
	if a <= c.Value {
		c.Value -= a
		return nil
	}
	return xerrors.New("uint64 underflow")
}

// IsZero returns true for an empty coin.
func (c Coin) IsZero() bool {
	return c.Value == 0
}
