package model

import "errors"

var (
	ErrUnknownPosition            = errors.New("unknown position")
	ErrDuplicateEntry             = errors.New("duplicate entry")
	ErrInsufficientFunds          = errors.New("insufficient funds")
	ErrInsufficientAllowance      = errors.New("insufficient allowance")
	ErrSlippageExceeded           = errors.New("slippage exceeded")
	ErrExpired                    = errors.New("deadline expired")
	ErrInvalidRange               = errors.New("invalid tick range")
	ErrInsufficientCustodyBalance = errors.New("insufficient custody balance")
	ErrZeroLiquidity              = errors.New("zero liquidity")
	ErrCollectionPending          = errors.New("collection pending")
	ErrInvalidAmount              = errors.New("invalid amount")
	ErrNoPendingCollection        = errors.New("no pending collection")
)

// IsRetryable reports whether resubmitting with fresh parameters may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSlippageExceeded) || errors.Is(err, ErrExpired)
}

// IsInternalFault reports errors that indicate broken bookkeeping rather than bad input.
func IsInternalFault(err error) bool {
	return errors.Is(err, ErrInsufficientCustodyBalance) || errors.Is(err, ErrDuplicateEntry)
}
