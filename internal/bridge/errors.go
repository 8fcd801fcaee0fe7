package bridge

import "errors"

var (
	// ErrBridgeInactive is returned by transfer paths while the bridge is paused.
	ErrBridgeInactive = errors.New("bridge is currently inactive")

	// ErrUnauthorized is returned when a non-authority calls an administrative operation.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInsufficientSignatures is returned when fewer distinct registered
	// validators than the threshold produced a valid signature over the digest.
	ErrInsufficientSignatures = errors.New("insufficient validator signatures")

	// ErrSignatureInvalid is returned when a single signature fails verification.
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrAlreadyProcessed is returned when a source transaction was already minted.
	ErrAlreadyProcessed = errors.New("transaction already processed")

	// ErrInvalidAmount is returned for zero or out-of-range amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrValidatorExists is returned when adding an already registered validator.
	ErrValidatorExists = errors.New("validator already exists")

	// ErrValidatorNotFound is returned when a validator lookup finds no match.
	ErrValidatorNotFound = errors.New("validator not found")

	// ErrValidatorSetFull is returned when the validator set is at capacity.
	ErrValidatorSetFull = errors.New("validator set is full")

	// ErrNotInitialized is returned for any operation before Initialize.
	ErrNotInitialized = errors.New("bridge not initialized")

	// ErrAlreadyInitialized is returned by a second Initialize.
	ErrAlreadyInitialized = errors.New("bridge already initialized")

	// ErrInvalidThreshold is returned for a zero validator threshold.
	ErrInvalidThreshold = errors.New("validator threshold must be at least 1")

	// ErrInsufficientBalance is returned when a burn exceeds the holder's balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	errReadOnly = errors.New("write in read-only transaction")
)

// errorCodes assigns each sentinel a stable wire code.
var errorCodes = []struct {
	err  error
	code string
}{
	{ErrBridgeInactive, "bridge_inactive"},
	{ErrUnauthorized, "unauthorized"},
	{ErrInsufficientSignatures, "insufficient_signatures"},
	{ErrSignatureInvalid, "signature_invalid"},
	{ErrAlreadyProcessed, "already_processed"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrValidatorExists, "validator_exists"},
	{ErrValidatorNotFound, "validator_not_found"},
	{ErrValidatorSetFull, "validator_set_full"},
	{ErrNotInitialized, "not_initialized"},
	{ErrAlreadyInitialized, "already_initialized"},
	{ErrInvalidThreshold, "invalid_threshold"},
	{ErrInsufficientBalance, "insufficient_balance"},
}

// Code returns the wire code of the sentinel err wraps, or "" if none.
func Code(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ""
}

// FromCode returns the sentinel for a wire code, or nil if unknown.
func FromCode(code string) error {
	for _, c := range errorCodes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}
