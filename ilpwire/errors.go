package ilpwire

// ILP error codes used by the sender. The full registry lives in the ILP
// addresses and errors specification; only the codes this package
// produces or reacts to are named here.
const (
	// CodeUnexpectedPayment is returned when a packet arrives for a
	// party that cannot understand it, e.g. its data fails to decrypt.
	CodeUnexpectedPayment = "F06"

	// CodeAmountTooLarge signals that a packet exceeded the maximum a
	// connector is willing to forward. Its data payload carries the
	// received and maximum amounts, enabling path MTU discovery.
	CodeAmountTooLarge = "F08"

	// CodeApplicationError is the catch-all final code used by
	// application layer protocols, e.g. to decline incoming money.
	CodeApplicationError = "F99"

	// CodeInsufficientLiquidity signals a temporary lack of liquidity
	// on an intermediary hop.
	CodeInsufficientLiquidity = "T04"
)

// IsTemporary returns true if the passed code belongs to the temporary
// (T) error class. Temporary errors indicate transient conditions such
// as congestion or missing liquidity, so the same packet may succeed if
// retried.
func IsTemporary(code string) bool {
	return len(code) == 3 && code[0] == 'T'
}

// IsFinal returns true if the passed code belongs to the final (F)
// error class. Final errors indicate the packet should not be retried
// unchanged.
func IsFinal(code string) bool {
	return len(code) == 3 && code[0] == 'F'
}
