package ilpwire

import "encoding/binary"

// AmountTooLargeDetails holds the structured payload of an F08 reject:
// the amount that arrived at the rejecting connector and the maximum it
// is willing to forward. Senders combine the two with the amount they
// originally sent to learn the path's maximum packet amount.
type AmountTooLargeDetails struct {
	// AmountReceived is the amount that arrived at the rejecting
	// connector, in that connector's units.
	AmountReceived uint64

	// MaxAmount is the largest amount the rejecting connector will
	// accept, in the same units as AmountReceived.
	MaxAmount uint64
}

// ParseAmountTooLarge extracts the received/maximum amount pair from the
// data payload of an F08 reject. The payload begins with the two 64-bit
// big-endian integers; anything beyond them is ignored. Returns false if
// the payload is too short to contain both fields.
func ParseAmountTooLarge(data []byte) (AmountTooLargeDetails, bool) {
	if len(data) < 16 {
		return AmountTooLargeDetails{}, false
	}
	return AmountTooLargeDetails{
		AmountReceived: binary.BigEndian.Uint64(data[0:8]),
		MaxAmount:      binary.BigEndian.Uint64(data[8:16]),
	}, true
}

// MarshalAmountTooLarge serializes the received/maximum amount pair into
// the data payload of an F08 reject.
func MarshalAmountTooLarge(details AmountTooLargeDetails) []byte {
	data := make([]byte, 16)
	binary.BigEndian.PutUint64(data[0:8], details.AmountReceived)
	binary.BigEndian.PutUint64(data[8:16], details.MaxAmount)
	return data
}
