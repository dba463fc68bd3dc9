package lending

import (
	"math/bits"

	"github.com/holiman/uint256"

	nativecommon "credx/native/common"
)

var basisPoints = uint256.NewInt(10_000)

// maxBorrowable computes floor(collateral * price * ltvBps / 10000). Three
// 64-bit factors fit in 192 bits, so the 256-bit intermediate cannot overflow.
func maxBorrowable(collateral, price, ltvBps uint64) *uint256.Int {
	value := new(uint256.Int).Mul(uint256.NewInt(collateral), uint256.NewInt(price))
	value = new(uint256.Int).Mul(value, uint256.NewInt(ltvBps))
	return new(uint256.Int).Div(value, basisPoints)
}

// collateralValue computes balance * price without overflow.
func collateralValue(balance, price uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(balance), uint256.NewInt(price))
}

func checkedAdd(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, nativecommon.ErrMathOverflow
	}
	return sum, nil
}

func checkedSub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, nativecommon.ErrMathUnderflow
	}
	return diff, nil
}

func checkedMul(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, nativecommon.ErrMathOverflow
	}
	return lo, nil
}
