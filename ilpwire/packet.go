package ilpwire

import (
	"bytes"
	"fmt"
	"io"
	"time"
)

// PacketType is the unique 1-byte integer that indicates the type of ILP
// packet on the wire. Every packet is framed as the type byte followed by
// a length-prefixed contents field, so the envelope can be skipped by
// intermediaries that do not understand the type.
type PacketType uint8

// The three packet types implementing the conditional two-phase transfer.
const (
	TypePrepare PacketType = 12
	TypeFulfill PacketType = 13
	TypeReject  PacketType = 14
)

// String returns a human readable name for the packet type.
func (t PacketType) String() string {
	switch t {
	case TypePrepare:
		return "Prepare"
	case TypeFulfill:
		return "Fulfill"
	case TypeReject:
		return "Reject"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// UnknownPacketError is returned when a packet with an unrecognized type
// byte is read from the wire.
type UnknownPacketError struct {
	packetType PacketType
}

// Error returns a human readable string describing the error.
//
// This is part of the error interface.
func (u *UnknownPacketError) Error() string {
	return fmt.Sprintf("unable to parse packet of unknown type: %v",
		u.packetType)
}

// Packet is an interface that defines an ILP packet. Packets only know
// how to encode and decode their own contents; the envelope (type byte
// plus length determinant) is handled by WritePacket and ReadPacket.
type Packet interface {
	Encode(io.Writer) error
	Decode(io.Reader) error
	Type() PacketType
}

// Prepare is the first half of a conditional transfer. It carries value
// toward the destination address and commits the sender to pay if the
// receiver can present the preimage of ExecutionCondition before
// ExpiresAt.
type Prepare struct {
	// Amount is the amount of value this packet carries, denominated
	// in the minor units of the link's asset.
	Amount uint64

	// ExpiresAt is the absolute time after which the packet can no
	// longer be fulfilled. Connectors reject expired packets on behalf
	// of the sender.
	ExpiresAt time.Time

	// ExecutionCondition is the SHA-256 hash of the fulfillment the
	// receiver must present to claim the amount.
	ExecutionCondition [32]byte

	// Destination is the ILP address the packet is routed toward.
	Destination string

	// Data is the opaque end-to-end payload, typically an encrypted
	// STREAM packet.
	Data []byte
}

// NewPrepare returns a new Prepare packet populated with the passed
// fields.
func NewPrepare(destination string, amount uint64, condition [32]byte,
	expiresAt time.Time, data []byte) *Prepare {

	return &Prepare{
		Amount:             amount,
		ExpiresAt:          expiresAt,
		ExecutionCondition: condition,
		Destination:        destination,
		Data:               data,
	}
}

// A compile time check to ensure Prepare implements the ilpwire.Packet
// interface.
var _ Packet = (*Prepare)(nil)

// Decode deserializes the contents of a Prepare packet from the passed
// io.Reader.
//
// This is part of the ilpwire.Packet interface.
func (p *Prepare) Decode(r io.Reader) error {
	var err error
	if p.Amount, err = readUint64(r); err != nil {
		return err
	}
	if p.ExpiresAt, err = readTimestamp(r); err != nil {
		return err
	}
	if _, err = io.ReadFull(r, p.ExecutionCondition[:]); err != nil {
		return err
	}
	destination, err := ReadOctetString(r)
	if err != nil {
		return err
	}
	p.Destination = string(destination)
	if p.Data, err = ReadOctetString(r); err != nil {
		return err
	}
	return nil
}

// Encode serializes the contents of the target Prepare into the passed
// io.Writer.
//
// This is part of the ilpwire.Packet interface.
func (p *Prepare) Encode(w io.Writer) error {
	if err := writeUint64(w, p.Amount); err != nil {
		return err
	}
	if err := writeTimestamp(w, p.ExpiresAt); err != nil {
		return err
	}
	if _, err := w.Write(p.ExecutionCondition[:]); err != nil {
		return err
	}
	if err := WriteOctetString(w, []byte(p.Destination)); err != nil {
		return err
	}
	return WriteOctetString(w, p.Data)
}

// Type returns the integer uniquely identifying this packet type on the
// wire.
//
// This is part of the ilpwire.Packet interface.
func (p *Prepare) Type() PacketType {
	return TypePrepare
}

// Fulfill is the second half of a successful conditional transfer. The
// receiver presents the 32-byte preimage whose SHA-256 hash matches the
// Prepare's execution condition, releasing the amount at every hop.
type Fulfill struct {
	// Fulfillment is the preimage of the Prepare's execution
	// condition.
	Fulfillment [32]byte

	// Data is the opaque end-to-end payload, typically an encrypted
	// STREAM packet echoing what the receiver saw.
	Data []byte
}

// NewFulfill returns a new Fulfill packet populated with the passed
// fields.
func NewFulfill(fulfillment [32]byte, data []byte) *Fulfill {
	return &Fulfill{
		Fulfillment: fulfillment,
		Data:        data,
	}
}

// A compile time check to ensure Fulfill implements the ilpwire.Packet
// interface.
var _ Packet = (*Fulfill)(nil)

// Decode deserializes the contents of a Fulfill packet from the passed
// io.Reader.
//
// This is part of the ilpwire.Packet interface.
func (f *Fulfill) Decode(r io.Reader) error {
	if _, err := io.ReadFull(r, f.Fulfillment[:]); err != nil {
		return err
	}
	var err error
	if f.Data, err = ReadOctetString(r); err != nil {
		return err
	}
	return nil
}

// Encode serializes the contents of the target Fulfill into the passed
// io.Writer.
//
// This is part of the ilpwire.Packet interface.
func (f *Fulfill) Encode(w io.Writer) error {
	if _, err := w.Write(f.Fulfillment[:]); err != nil {
		return err
	}
	return WriteOctetString(w, f.Data)
}

// Type returns the integer uniquely identifying this packet type on the
// wire.
//
// This is part of the ilpwire.Packet interface.
func (f *Fulfill) Type() PacketType {
	return TypeFulfill
}

// Reject terminates a conditional transfer without payment. The code
// field carries a three-character error code from the ILP error
// registry, and TriggeredBy names the node that originated the
// rejection.
type Reject struct {
	// Code is the three-character ILP error code, e.g. "F06" or "T04".
	Code string

	// TriggeredBy is the ILP address of the node that first rejected
	// the packet, or empty when unknown.
	TriggeredBy string

	// Message is a human readable description intended for debugging.
	Message string

	// Data is an opaque payload whose interpretation depends on the
	// error code, e.g. the received/maximum amounts of an F08.
	Data []byte
}

// NewReject returns a new Reject packet populated with the passed fields.
func NewReject(code, message, triggeredBy string, data []byte) *Reject {
	return &Reject{
		Code:        code,
		TriggeredBy: triggeredBy,
		Message:     message,
		Data:        data,
	}
}

// A compile time check to ensure Reject implements the ilpwire.Packet
// interface.
var _ Packet = (*Reject)(nil)

// Decode deserializes the contents of a Reject packet from the passed
// io.Reader.
//
// This is part of the ilpwire.Packet interface.
func (j *Reject) Decode(r io.Reader) error {
	var code [3]byte
	if _, err := io.ReadFull(r, code[:]); err != nil {
		return err
	}
	j.Code = string(code[:])

	triggeredBy, err := ReadOctetString(r)
	if err != nil {
		return err
	}
	j.TriggeredBy = string(triggeredBy)

	message, err := ReadOctetString(r)
	if err != nil {
		return err
	}
	j.Message = string(message)

	if j.Data, err = ReadOctetString(r); err != nil {
		return err
	}
	return nil
}

// Encode serializes the contents of the target Reject into the passed
// io.Writer.
//
// This is part of the ilpwire.Packet interface.
func (j *Reject) Encode(w io.Writer) error {
	if len(j.Code) != 3 {
		return fmt.Errorf("invalid error code %q: must be exactly 3 "+
			"characters", j.Code)
	}
	if _, err := io.WriteString(w, j.Code); err != nil {
		return err
	}
	if err := WriteOctetString(w, []byte(j.TriggeredBy)); err != nil {
		return err
	}
	if err := WriteOctetString(w, []byte(j.Message)); err != nil {
		return err
	}
	return WriteOctetString(w, j.Data)
}

// Type returns the integer uniquely identifying this packet type on the
// wire.
//
// This is part of the ilpwire.Packet interface.
func (j *Reject) Type() PacketType {
	return TypeReject
}

// makeEmptyPacket creates a new empty packet of the proper concrete type
// based on the passed packet type.
func makeEmptyPacket(packetType PacketType) (Packet, error) {
	switch packetType {
	case TypePrepare:
		return &Prepare{}, nil
	case TypeFulfill:
		return &Fulfill{}, nil
	case TypeReject:
		return &Reject{}, nil
	default:
		return nil, &UnknownPacketError{packetType: packetType}
	}
}

// WritePacket writes an ILP packet to w including the envelope (type
// byte and contents length) and returns the number of bytes written.
func WritePacket(w io.Writer, pkt Packet) (int, error) {
	var contents bytes.Buffer
	if err := pkt.Encode(&contents); err != nil {
		return 0, err
	}

	var envelope bytes.Buffer
	envelope.WriteByte(byte(pkt.Type()))
	if err := WriteOctetString(&envelope, contents.Bytes()); err != nil {
		return 0, err
	}

	n, err := w.Write(envelope.Bytes())
	return n, err
}

// ReadPacket reads, validates, and parses the next ILP packet from r.
func ReadPacket(r io.Reader) (Packet, error) {
	var typeByte [1]byte
	if _, err := io.ReadFull(r, typeByte[:]); err != nil {
		return nil, err
	}

	pkt, err := makeEmptyPacket(PacketType(typeByte[0]))
	if err != nil {
		return nil, err
	}

	contents, err := ReadOctetString(r)
	if err != nil {
		return nil, err
	}
	if err := pkt.Decode(bytes.NewReader(contents)); err != nil {
		return nil, err
	}
	return pkt, nil
}

// MarshalPacket serializes an ILP packet, envelope included, into a
// fresh byte slice.
func MarshalPacket(pkt Packet) ([]byte, error) {
	var b bytes.Buffer
	if _, err := WritePacket(&b, pkt); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// UnmarshalPacket parses a single ILP packet, envelope included, from
// the passed byte slice.
func UnmarshalPacket(b []byte) (Packet, error) {
	return ReadPacket(bytes.NewReader(b))
}
