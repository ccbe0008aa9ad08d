// Package split implements the commission split-allocation engine.
//
// Everything here is pure computation over recipient shares: no storage, no
// clock, no side effects. Determinism for identical inputs is load-bearing,
// both for audit and for the property tests.
package split

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// MinPercent is the smallest share an unlocked recipient may hold.
const MinPercent = 1

var (
	// ErrOutOfRange signals the edited percent does not fit between MinPercent
	// and what remains after locked shares and the other recipients' minimums.
	ErrOutOfRange = errors.New("split: percent out of range")
	// ErrBadSum signals the shares do not sum to exactly 100.
	ErrBadSum = errors.New("split: percents must sum to 100")
	// ErrUnknownRecipient signals the edited id is absent or not editable.
	ErrUnknownRecipient = errors.New("split: unknown or locked recipient")
	// ErrNoPrimary signals no recipient is flagged as the primary agent.
	ErrNoPrimary = errors.New("split: primary recipient missing")
)

// Share is the slice of a recipient's entitlement the engine operates on.
// Position fixes iteration order so remainder assignment is deterministic.
type Share struct {
	ID       string
	Position int
	Percent  int
	Locked   bool
	Primary  bool
}

// Allocation pairs a share with its derived monetary amount in minor units.
type Allocation struct {
	Share
	Amount int64
}

var hundred = decimal.NewFromInt(100)

// Normalize applies an edit of one unlocked share and redistributes the
// remainder across the other unlocked shares by their prior relative weight,
// falling back to an equal split when the prior total is zero. Rounding error
// is assigned in full to the last unlocked share in position order, so the
// result always sums to exactly 100. The input slice is not mutated.
func Normalize(shares []Share, editedID string, newPercent int) ([]Share, error) {
	out := sorted(shares)

	edited := -1
	lockedSum := 0
	others := make([]int, 0, len(out))
	for i, s := range out {
		switch {
		case s.Locked:
			lockedSum += s.Percent
		case s.ID == editedID:
			edited = i
		default:
			others = append(others, i)
		}
	}
	if edited == -1 {
		return nil, ErrUnknownRecipient
	}

	maxPercent := 100 - lockedSum - MinPercent*len(others)
	if newPercent < MinPercent || newPercent > maxPercent {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]", ErrOutOfRange, newPercent, MinPercent, maxPercent)
	}

	out[edited].Percent = newPercent
	remainder := 100 - lockedSum - newPercent

	if len(others) == 0 {
		if remainder != 0 {
			return nil, fmt.Errorf("%w: remainder %d with no other recipients", ErrOutOfRange, remainder)
		}
		return out, nil
	}

	priorTotal := 0
	for _, i := range others {
		priorTotal += out[i].Percent
	}

	rem := decimal.NewFromInt(int64(remainder))
	assigned := 0
	for n, i := range others {
		left := len(others) - 1 - n
		if left == 0 {
			// Last unlocked share absorbs the accumulated rounding error.
			out[i].Percent = remainder - assigned
			break
		}
		var weight decimal.Decimal
		if priorTotal == 0 {
			weight = decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(len(others))))
		} else {
			weight = decimal.NewFromInt(int64(out[i].Percent)).Div(decimal.NewFromInt(int64(priorTotal)))
		}
		p := int(rem.Mul(weight).Round(0).IntPart())
		// Keep every remaining share, this one included, at or above MinPercent.
		if max := remainder - assigned - MinPercent*left; p > max {
			p = max
		}
		if p < MinPercent {
			p = MinPercent
		}
		out[i].Percent = p
		assigned += p
	}

	return out, Validate(out)
}

// Validate checks the structural invariants of a share set: exact 100 sum and
// a minimum share for every unlocked recipient.
func Validate(shares []Share) error {
	sum := 0
	for _, s := range shares {
		if !s.Locked && s.Percent < MinPercent {
			return fmt.Errorf("%w: recipient %s below minimum", ErrOutOfRange, s.ID)
		}
		sum += s.Percent
	}
	if sum != 100 {
		return fmt.Errorf("%w: got %d", ErrBadSum, sum)
	}
	return nil
}

// Amounts derives each share's monetary amount from the total commission in
// minor units, rounding half-up per share and assigning the leftover to the
// primary recipient so the amounts always sum to exactly the total.
func Amounts(shares []Share, total int64) ([]Allocation, error) {
	if err := Validate(shares); err != nil {
		return nil, err
	}

	out := make([]Allocation, 0, len(shares))
	primary := -1
	var allocated int64
	totalDec := decimal.NewFromInt(total)
	for _, s := range sorted(shares) {
		amount := totalDec.
			Mul(decimal.NewFromInt(int64(s.Percent))).
			Div(hundred).
			Round(0).
			IntPart()
		out = append(out, Allocation{Share: s, Amount: amount})
		allocated += amount
		if s.Primary {
			primary = len(out) - 1
		}
	}
	if primary == -1 {
		return nil, ErrNoPrimary
	}

	out[primary].Amount += total - allocated
	return out, nil
}

// Prorate rescales existing amounts to a reduced distributable total, used
// when a refund shrinks the pot after amounts were frozen. Shares keep their
// relative weight; the remainder lands on the primary recipient.
func Prorate(allocs []Allocation, newTotal int64) ([]Allocation, error) {
	var oldTotal int64
	for _, a := range allocs {
		oldTotal += a.Amount
	}
	if oldTotal <= 0 {
		return nil, fmt.Errorf("split: prorate over empty total")
	}
	if newTotal < 0 || newTotal > oldTotal {
		return nil, fmt.Errorf("%w: prorate target %d", ErrOutOfRange, newTotal)
	}

	out := make([]Allocation, len(allocs))
	copy(out, allocs)
	primary := -1
	var allocated int64
	oldDec := decimal.NewFromInt(oldTotal)
	newDec := decimal.NewFromInt(newTotal)
	for i, a := range out {
		scaled := decimal.NewFromInt(a.Amount).Mul(newDec).Div(oldDec).Round(0).IntPart()
		out[i].Amount = scaled
		allocated += scaled
		if a.Primary {
			primary = i
		}
	}
	if primary == -1 {
		return nil, ErrNoPrimary
	}

	out[primary].Amount += newTotal - allocated
	return out, nil
}

func sorted(shares []Share) []Share {
	out := make([]Share, len(shares))
	copy(out, shares)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Position < out[j-1].Position; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
