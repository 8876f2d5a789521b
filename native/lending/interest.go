package lending

import "math/big"

// secondsPerYear fixes the accrual year at 365 days. Repayment, refinance,
// sale and default-claim paths all price interest through this single
// function, so the truncating division below must never change.
const secondsPerYear = 31_536_000

var basisPoints = big.NewInt(10_000)

// accruedInterest computes simple interest on the principal for the elapsed
// seconds at the given APR in basis points:
//
//	interest = principal * aprBps * elapsed / (10000 * secondsPerYear)
//
// using floor integer division.
func accruedInterest(principal *big.Int, aprBps uint64, elapsed int64) *big.Int {
	if principal == nil || principal.Sign() <= 0 || aprBps == 0 || elapsed <= 0 {
		return big.NewInt(0)
	}
	interest := new(big.Int).Mul(principal, new(big.Int).SetUint64(aprBps))
	interest.Mul(interest, big.NewInt(elapsed))
	denominator := new(big.Int).Mul(basisPoints, big.NewInt(secondsPerYear))
	return interest.Quo(interest, denominator)
}

// interestBetween bounds the accrual window at the loan's due time: interest
// is monotonically non-decreasing up to dueTime and constant thereafter.
func interestBetween(loan *Loan, now int64) *big.Int {
	if loan == nil {
		return big.NewInt(0)
	}
	end := now
	if end > loan.DueTime {
		end = loan.DueTime
	}
	return accruedInterest(loan.Principal, loan.APRBps, end-loan.StartTime)
}

// maxInterest is the worst-case interest over the loan's full duration, used
// to price sale listings so a sale can never leave the lender under-repaid.
func maxInterest(loan *Loan) *big.Int {
	if loan == nil {
		return big.NewInt(0)
	}
	return accruedInterest(loan.Principal, loan.APRBps, loan.DueTime-loan.StartTime)
}
