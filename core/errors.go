package core

import "github.com/pkg/errors"

// ErrValidation wraps any rejection of a transaction that fails the ledger's
// validation rules (duplicate transaction or input, unknown or mismatched
// input, bad signature, wrong coinbase reward). Inputs that do not cover the
// outputs are reported as ErrInsufficientFunds instead; block validation
// reports a bare bool.
var ErrValidation = errors.New("core: validation failed")

// errNonceExhausted is returned by ProofOfWork.Run if no nonce below
// maxNonce satisfies the configured difficulty.
var errNonceExhausted = errors.New("core: nonce space exhausted before finding a valid hash")

// ErrTxNotFound is returned when a referenced transaction cannot be located
// on the chain.
var ErrTxNotFound = errors.New("core: transaction not found")

// ErrInsufficientFunds is returned when a spender's UTXO total is less than
// the amount they are trying to send.
var ErrInsufficientFunds = errors.New("core: insufficient funds")
