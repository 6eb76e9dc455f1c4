package stream

import (
	"bytes"
	"fmt"
	"io"

	"github.com/brock-ff/interledger-go/ilpwire"
)

// protocolVersion is the STREAM packet version this package speaks.
const protocolVersion = 1

// FrameType is the 1-byte tag identifying a frame within a STREAM
// packet.
type FrameType uint8

// The frame types used by this package. Unknown types are tolerated and
// skipped during decoding so newer peers can attach frames we do not
// understand.
const (
	FrameTypeConnectionClose      FrameType = 0x01
	FrameTypeConnectionNewAddress FrameType = 0x02
	FrameTypeStreamMoney          FrameType = 0x11
	FrameTypeStreamMaxMoney       FrameType = 0x12
)

// Frame is a single typed instruction inside a STREAM packet.
type Frame interface {
	// EncodeContents serializes the frame's contents, excluding the
	// type tag and length prefix.
	EncodeContents(io.Writer) error

	// DecodeContents deserializes the frame's contents.
	DecodeContents(io.Reader) error

	// FrameType returns the tag identifying this frame on the wire.
	FrameType() FrameType
}

// StreamMoneyFrame declares that the enclosing packet carries value for
// a logical stream. Shares express what fraction of the packet's amount
// belongs to this stream relative to the other StreamMoney frames; a
// single-stream sender always uses shares=1.
type StreamMoneyFrame struct {
	StreamID uint64
	Shares   uint64
}

// A compile time check to ensure StreamMoneyFrame implements the Frame
// interface.
var _ Frame = (*StreamMoneyFrame)(nil)

// EncodeContents serializes the frame's contents.
//
// This is part of the Frame interface.
func (f *StreamMoneyFrame) EncodeContents(w io.Writer) error {
	if err := ilpwire.WriteVarUint(w, f.StreamID); err != nil {
		return err
	}
	return ilpwire.WriteVarUint(w, f.Shares)
}

// DecodeContents deserializes the frame's contents.
//
// This is part of the Frame interface.
func (f *StreamMoneyFrame) DecodeContents(r io.Reader) error {
	var err error
	if f.StreamID, err = ilpwire.ReadVarUint(r); err != nil {
		return err
	}
	f.Shares, err = ilpwire.ReadVarUint(r)
	return err
}

// FrameType returns the tag identifying this frame on the wire.
//
// This is part of the Frame interface.
func (f *StreamMoneyFrame) FrameType() FrameType {
	return FrameTypeStreamMoney
}

// ConnectionNewAddressFrame announces the sender's ILP address to the
// peer, enabling it to send packets back.
type ConnectionNewAddressFrame struct {
	SourceAccount string
}

// A compile time check to ensure ConnectionNewAddressFrame implements
// the Frame interface.
var _ Frame = (*ConnectionNewAddressFrame)(nil)

// EncodeContents serializes the frame's contents.
//
// This is part of the Frame interface.
func (f *ConnectionNewAddressFrame) EncodeContents(w io.Writer) error {
	return ilpwire.WriteOctetString(w, []byte(f.SourceAccount))
}

// DecodeContents deserializes the frame's contents.
//
// This is part of the Frame interface.
func (f *ConnectionNewAddressFrame) DecodeContents(r io.Reader) error {
	account, err := ilpwire.ReadOctetString(r)
	if err != nil {
		return err
	}
	f.SourceAccount = string(account)
	return nil
}

// FrameType returns the tag identifying this frame on the wire.
//
// This is part of the Frame interface.
func (f *ConnectionNewAddressFrame) FrameType() FrameType {
	return FrameTypeConnectionNewAddress
}

// StreamMaxMoneyFrame advertises how much more a stream is willing to
// receive. A receiveMax of zero declines money on the stream outright.
type StreamMaxMoneyFrame struct {
	StreamID      uint64
	ReceiveMax    uint64
	TotalReceived uint64
}

// A compile time check to ensure StreamMaxMoneyFrame implements the
// Frame interface.
var _ Frame = (*StreamMaxMoneyFrame)(nil)

// EncodeContents serializes the frame's contents.
//
// This is part of the Frame interface.
func (f *StreamMaxMoneyFrame) EncodeContents(w io.Writer) error {
	if err := ilpwire.WriteVarUint(w, f.StreamID); err != nil {
		return err
	}
	if err := ilpwire.WriteVarUint(w, f.ReceiveMax); err != nil {
		return err
	}
	return ilpwire.WriteVarUint(w, f.TotalReceived)
}

// DecodeContents deserializes the frame's contents.
//
// This is part of the Frame interface.
func (f *StreamMaxMoneyFrame) DecodeContents(r io.Reader) error {
	var err error
	if f.StreamID, err = ilpwire.ReadVarUint(r); err != nil {
		return err
	}
	if f.ReceiveMax, err = ilpwire.ReadVarUint(r); err != nil {
		return err
	}
	f.TotalReceived, err = ilpwire.ReadVarUint(r)
	return err
}

// FrameType returns the tag identifying this frame on the wire.
//
// This is part of the Frame interface.
func (f *StreamMaxMoneyFrame) FrameType() FrameType {
	return FrameTypeStreamMaxMoney
}

// ConnectionCloseFrame tells the peer the connection is going away.
type ConnectionCloseFrame struct {
	// Code is an application-defined reason code.
	Code uint8

	// Message is a human readable description of the close reason.
	Message string
}

// A compile time check to ensure ConnectionCloseFrame implements the
// Frame interface.
var _ Frame = (*ConnectionCloseFrame)(nil)

// EncodeContents serializes the frame's contents.
//
// This is part of the Frame interface.
func (f *ConnectionCloseFrame) EncodeContents(w io.Writer) error {
	if _, err := w.Write([]byte{f.Code}); err != nil {
		return err
	}
	return ilpwire.WriteOctetString(w, []byte(f.Message))
}

// DecodeContents deserializes the frame's contents.
//
// This is part of the Frame interface.
func (f *ConnectionCloseFrame) DecodeContents(r io.Reader) error {
	var code [1]byte
	if _, err := io.ReadFull(r, code[:]); err != nil {
		return err
	}
	f.Code = code[0]
	message, err := ilpwire.ReadOctetString(r)
	if err != nil {
		return err
	}
	f.Message = string(message)
	return nil
}

// FrameType returns the tag identifying this frame on the wire.
//
// This is part of the Frame interface.
func (f *ConnectionCloseFrame) FrameType() FrameType {
	return FrameTypeConnectionClose
}

// makeEmptyFrame creates a new empty frame of the proper concrete type
// based on the passed frame type. Returns nil for unknown types, which
// the packet decoder skips.
func makeEmptyFrame(frameType FrameType) Frame {
	switch frameType {
	case FrameTypeConnectionClose:
		return &ConnectionCloseFrame{}
	case FrameTypeConnectionNewAddress:
		return &ConnectionNewAddressFrame{}
	case FrameTypeStreamMoney:
		return &StreamMoneyFrame{}
	case FrameTypeStreamMaxMoney:
		return &StreamMaxMoneyFrame{}
	default:
		return nil
	}
}

// Packet is the logical STREAM packet carried, encrypted, in the data
// field of an ILP packet.
type Packet struct {
	// IlpPacketType mirrors the type of the enclosing ILP packet,
	// binding the STREAM payload to the ILP outcome it rode in on.
	IlpPacketType ilpwire.PacketType

	// PrepareAmount is advisory: a receiver echoes the amount that
	// arrived in the Prepare so the sender can track delivery in
	// destination units. Outgoing Prepares carry zero.
	PrepareAmount uint64

	// Sequence is the sending endpoint's monotonically increasing
	// packet counter; a reply carries the sequence of the packet it
	// answers.
	Sequence uint64

	// Frames is the ordered list of instructions in this packet.
	Frames []Frame
}

// Encode serializes the packet into the passed io.Writer.
func (p *Packet) Encode(w io.Writer) error {
	if _, err := w.Write([]byte{protocolVersion,
		byte(p.IlpPacketType)}); err != nil {

		return err
	}
	if err := ilpwire.WriteVarUint(w, p.Sequence); err != nil {
		return err
	}
	if err := ilpwire.WriteVarUint(w, p.PrepareAmount); err != nil {
		return err
	}
	if err := ilpwire.WriteVarUint(w, uint64(len(p.Frames))); err != nil {
		return err
	}
	for _, frame := range p.Frames {
		if _, err := w.Write([]byte{byte(frame.FrameType())}); err != nil {
			return err
		}
		var contents bytes.Buffer
		if err := frame.EncodeContents(&contents); err != nil {
			return err
		}
		if err := ilpwire.WriteOctetString(w, contents.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// Decode deserializes a packet from the passed io.Reader. Frames with
// unknown type tags are skipped.
func (p *Packet) Decode(r io.Reader) error {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}
	if header[0] != protocolVersion {
		return fmt.Errorf("unsupported stream packet version %d",
			header[0])
	}
	p.IlpPacketType = ilpwire.PacketType(header[1])

	var err error
	if p.Sequence, err = ilpwire.ReadVarUint(r); err != nil {
		return err
	}
	if p.PrepareAmount, err = ilpwire.ReadVarUint(r); err != nil {
		return err
	}
	numFrames, err := ilpwire.ReadVarUint(r)
	if err != nil {
		return err
	}

	p.Frames = nil
	for i := uint64(0); i < numFrames; i++ {
		var frameType [1]byte
		if _, err := io.ReadFull(r, frameType[:]); err != nil {
			return err
		}
		contents, err := ilpwire.ReadOctetString(r)
		if err != nil {
			return err
		}

		frame := makeEmptyFrame(FrameType(frameType[0]))
		if frame == nil {
			continue
		}
		err = frame.DecodeContents(bytes.NewReader(contents))
		if err != nil {
			return err
		}
		p.Frames = append(p.Frames, frame)
	}
	return nil
}

// ToEncrypted serializes the packet and seals it with the connection's
// shared secret, producing the data payload of an ILP packet.
func (p *Packet) ToEncrypted(sharedSecret []byte) ([]byte, error) {
	var plaintext bytes.Buffer
	if err := p.Encode(&plaintext); err != nil {
		return nil, err
	}
	return Encrypt(sharedSecret, plaintext.Bytes())
}

// PacketFromEncrypted decrypts and deserializes a STREAM packet from
// the data payload of an ILP packet. It fails when the payload was not
// produced by a holder of the shared secret.
func PacketFromEncrypted(sharedSecret, data []byte) (*Packet, error) {
	plaintext, err := Decrypt(sharedSecret, data)
	if err != nil {
		return nil, err
	}
	var p Packet
	if err := p.Decode(bytes.NewReader(plaintext)); err != nil {
		return nil, err
	}
	return &p, nil
}
