// Package ildcp implements the Interledger Dynamic Configuration
// Protocol, the Prepare/Fulfill exchange a node uses to learn its own
// ILP address and asset details from its upstream peer.
package ildcp

import (
	"bytes"
	"fmt"
	"time"

	"github.com/brock-ff/interledger-go/ilpwire"
)

// DestinationAddress is the well-known ILP address that identifies an
// ILDCP request. Connectors answer packets addressed to it themselves
// instead of forwarding them.
const DestinationAddress = "peer.config"

// defaultRequestExpiry is how far in the future a request's expiry is
// set. The exchange is answered by the direct peer, so a single
// round-trip budget is plenty.
const defaultRequestExpiry = 30 * time.Second

// ExecutionCondition is the fixed condition carried by every ILDCP
// request: the SHA-256 hash of the all-zero 32-byte fulfillment the
// peer responds with.
var ExecutionCondition = [32]byte{
	0x66, 0x68, 0x7a, 0xad, 0xf8, 0x62, 0xbd, 0x77,
	0x6c, 0x8f, 0xc1, 0x8b, 0x8e, 0x9f, 0x8e, 0x20,
	0x08, 0x97, 0x14, 0x85, 0x6e, 0xe2, 0x33, 0xb3,
	0x90, 0x2a, 0x59, 0x1d, 0x0d, 0x5f, 0x29, 0x25,
}

// Response holds the configuration a peer hands back in the data field
// of an ILDCP Fulfill.
type Response struct {
	// ClientAddress is the ILP address assigned to the requesting
	// node.
	ClientAddress string

	// AssetScale is the scale of the asset amounts on this link, i.e.
	// the number of decimal places of the minor unit.
	AssetScale uint8

	// AssetCode is the currency code of the link's asset, e.g. "XRP".
	AssetCode string
}

// NewRequest constructs the distinguished Prepare packet that asks the
// upstream peer for this node's configuration. The packet carries no
// amount and no data.
func NewRequest() *ilpwire.Prepare {
	return ilpwire.NewPrepare(DestinationAddress, 0, ExecutionCondition,
		time.Now().Add(defaultRequestExpiry), nil)
}

// ParseResponse extracts the ILDCP response from the data field of the
// Fulfill answering a request.
func ParseResponse(fulfill *ilpwire.Fulfill) (*Response, error) {
	r := bytes.NewReader(fulfill.Data)

	address, err := ilpwire.ReadOctetString(r)
	if err != nil {
		return nil, fmt.Errorf("unable to read client address: %v", err)
	}
	if len(address) == 0 {
		return nil, fmt.Errorf("empty client address")
	}

	var scale [1]byte
	if _, err := r.Read(scale[:]); err != nil {
		return nil, fmt.Errorf("unable to read asset scale: %v", err)
	}

	code, err := ilpwire.ReadOctetString(r)
	if err != nil {
		return nil, fmt.Errorf("unable to read asset code: %v", err)
	}

	return &Response{
		ClientAddress: string(address),
		AssetScale:    scale[0],
		AssetCode:     string(code),
	}, nil
}

// MarshalResponse serializes a Response into the data payload of an
// ILDCP Fulfill. Used by the answering side of the exchange.
func (resp *Response) MarshalResponse() ([]byte, error) {
	var b bytes.Buffer
	if err := ilpwire.WriteOctetString(&b,
		[]byte(resp.ClientAddress)); err != nil {

		return nil, err
	}
	b.WriteByte(resp.AssetScale)
	if err := ilpwire.WriteOctetString(&b, []byte(resp.AssetCode)); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// NewResponseFulfill wraps a Response into the Fulfill packet answering
// an ILDCP request. The fulfillment is the all-zero preimage matching
// ExecutionCondition.
func NewResponseFulfill(resp *Response) (*ilpwire.Fulfill, error) {
	data, err := resp.MarshalResponse()
	if err != nil {
		return nil, err
	}
	var fulfillment [32]byte
	return ilpwire.NewFulfill(fulfillment, data), nil
}
