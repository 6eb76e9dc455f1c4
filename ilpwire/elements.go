package ilpwire

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// MaxOctetStringLength is the maximum length accepted for any
// variable-length field within a packet. It bounds allocation when
// decoding packets received from untrusted peers.
const MaxOctetStringLength = 65535

// ilpTimestampLayout is the date and time part of the wire timestamp, UTC
// down to the second with no separators. writeTimestamp appends the three
// millisecond digits that complete the 17-byte field.
const ilpTimestampLayout = "20060102150405"

// writeLength writes an OER length determinant: a single byte for values
// below 128, otherwise 0x80|n followed by the length in n big-endian
// bytes.
func writeLength(w io.Writer, length int) error {
	if length < 128 {
		_, err := w.Write([]byte{byte(length)})
		return err
	}

	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(length))
	n := 4
	for n > 1 && buf[4-n] == 0 {
		n--
	}
	if _, err := w.Write([]byte{0x80 | byte(n)}); err != nil {
		return err
	}
	_, err := w.Write(buf[4-n:])
	return err
}

// readLength reads an OER length determinant written by writeLength.
func readLength(r io.Reader) (int, error) {
	var first [1]byte
	if _, err := io.ReadFull(r, first[:]); err != nil {
		return 0, err
	}
	if first[0] < 128 {
		return int(first[0]), nil
	}

	numBytes := int(first[0] & 0x7f)
	if numBytes == 0 || numBytes > 4 {
		return 0, fmt.Errorf("invalid length prefix: %d length bytes",
			numBytes)
	}
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[4-numBytes:]); err != nil {
		return 0, err
	}
	length := int(binary.BigEndian.Uint32(buf[:]))
	if length > MaxOctetStringLength {
		return 0, fmt.Errorf("field of %d bytes exceeds maximum of %d",
			length, MaxOctetStringLength)
	}
	return length, nil
}

// WriteOctetString writes a length-prefixed byte string.
func WriteOctetString(w io.Writer, b []byte) error {
	if len(b) > MaxOctetStringLength {
		return fmt.Errorf("field of %d bytes exceeds maximum of %d",
			len(b), MaxOctetStringLength)
	}
	if err := writeLength(w, len(b)); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// ReadOctetString reads a length-prefixed byte string.
func ReadOctetString(r io.Reader) ([]byte, error) {
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, length)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// WriteVarUint writes an unsigned integer as a length-prefixed
// big-endian byte string with leading zero bytes stripped. This is the
// variable-length integer representation used inside STREAM packets.
func WriteVarUint(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	n := 8
	for n > 1 && buf[8-n] == 0 {
		n--
	}
	return WriteOctetString(w, buf[8-n:])
}

// ReadVarUint reads an unsigned integer written by WriteVarUint.
func ReadVarUint(r io.Reader) (uint64, error) {
	b, err := ReadOctetString(r)
	if err != nil {
		return 0, err
	}
	if len(b) > 8 {
		return 0, fmt.Errorf("variable-length integer of %d bytes "+
			"overflows uint64", len(b))
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v, nil
}

// writeUint64 writes an unsigned 64-bit integer in big-endian order.
func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// readUint64 reads an unsigned 64-bit integer in big-endian order.
func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// writeTimestamp writes the 17-byte fixed-width UTC timestamp used by
// Prepare packets.
func writeTimestamp(w io.Writer, t time.Time) error {
	t = t.UTC()
	s := fmt.Sprintf("%s%03d", t.Format(ilpTimestampLayout),
		t.Nanosecond()/int(time.Millisecond))
	_, err := io.WriteString(w, s)
	return err
}

// readTimestamp reads the 17-byte fixed-width UTC timestamp used by
// Prepare packets.
func readTimestamp(r io.Reader) (time.Time, error) {
	var buf [17]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(ilpTimestampLayout, string(buf[:14]))
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed expiry timestamp %q: %v",
			buf[:], err)
	}
	var millis int
	for _, c := range buf[14:] {
		if c < '0' || c > '9' {
			return time.Time{}, fmt.Errorf("malformed expiry timestamp %q",
				buf[:])
		}
		millis = millis*10 + int(c-'0')
	}
	return t.Add(time.Duration(millis) * time.Millisecond), nil
}
