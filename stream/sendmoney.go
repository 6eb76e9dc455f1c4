// Package stream implements the sender side of the STREAM protocol: a
// state machine that pushes value to a destination account over a chain
// of untrusted connectors, adapting its packet size to the path's
// capacity as it learns it.
package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/go-errors/errors"

	"github.com/brock-ff/interledger-go/ildcp"
	"github.com/brock-ff/interledger-go/ilpwire"
	"github.com/brock-ff/interledger-go/plugin"
)

// packetExpiry is how far in the future each outgoing Prepare's expiry
// is set. Connectors reject the packet on the sender's behalf once it
// passes.
const packetExpiry = 30 * time.Second

// defaultStreamID is the logical money stream all value is sent on. A
// single-stream sender has no use for more.
const defaultStreamID = 1

// ErrPollAfterFinish is returned when Step is invoked after the
// operation already completed or failed. Doing so is a programming
// error in the caller.
var ErrPollAfterFinish = errors.New("sender stepped after completion")

// ConnectionError indicates the operation failed because the plugin
// errored, closed before the full amount was sent, or refused a packet
// the operation cannot proceed without.
type ConnectionError struct {
	// Reason describes what went wrong.
	Reason string
}

// Error returns a human readable string describing the error.
//
// This is part of the error interface.
func (e *ConnectionError) Error() string {
	return "connection error: " + e.Reason
}

func connErrorf(format string, args ...interface{}) *ConnectionError {
	return &ConnectionError{Reason: fmt.Sprintf(format, args...)}
}

// senderPhase tracks how far the operation has progressed.
type senderPhase uint8

const (
	// phaseNeedIldcp means the sender does not yet know its own ILP
	// address and has not asked for it.
	phaseNeedIldcp senderPhase = iota

	// phaseSentIldcpRequest means the address request is on the wire
	// and the sender is waiting for the answer.
	phaseSentIldcpRequest

	// phaseSendMoney means the address is known and money packets may
	// flow.
	phaseSendMoney
)

// Sender drives a single send-money operation: it discovers its own
// address via ILDCP, then streams the source amount to the destination
// in packets sized by the congestion controller, reacting to fulfills
// and rejects until everything has been delivered.
//
// A Sender is a cooperative state machine. Step performs one bounded
// driver invocation and never blocks; Run loops Step off the plugin's
// readiness signal. A Sender must only be driven from one goroutine.
type Sender struct {
	phase senderPhase
	pl    plugin.Plugin

	// sourceAccount is this endpoint's own ILP address, empty until
	// the ILDCP exchange completes.
	sourceAccount      string
	destinationAccount string
	sharedSecret       []byte

	// sourceAmount is the value not yet sent or in flight, in source
	// units.
	sourceAmount uint64

	controller *CongestionController

	// outgoingRequest holds at most one request the plugin refused to
	// accept. It is retried before any new work so causal order is
	// preserved.
	outgoingRequest *plugin.Request

	// pendingPrepares tracks every Prepare awaiting its reply, keyed
	// by request id. Each entry is removed exactly once, on the
	// Fulfill or Reject that answers it.
	pendingPrepares map[uint32]*ilpwire.Prepare

	// ildcpRequestID correlates the address discovery request, which
	// is deliberately kept out of pendingPrepares since it reserves no
	// amount.
	ildcpRequestID uint32

	// amountDelivered accumulates the prepare amounts echoed by the
	// receiver, i.e. delivery measured in destination units.
	amountDelivered uint64

	// shouldSendSourceAccount is true until the first Fulfill proves
	// the peer knows how to reach us.
	shouldSendSourceAccount bool

	// sequence numbers this endpoint's outgoing STREAM packets,
	// starting at 1.
	sequence uint64

	done bool
}

// NewSender constructs a send-money operation over the passed plugin.
// Nothing is sent until the sender is stepped or run.
func NewSender(pl plugin.Plugin, destinationAccount string,
	sharedSecret []byte, sourceAmount uint64) *Sender {

	return &Sender{
		phase:                   phaseNeedIldcp,
		pl:                      pl,
		destinationAccount:      destinationAccount,
		sharedSecret:            sharedSecret,
		sourceAmount:            sourceAmount,
		controller:              NewCongestionController(),
		pendingPrepares:         make(map[uint32]*ilpwire.Prepare),
		shouldSendSourceAccount: true,
		sequence:                1,
	}
}

// SendMoney pushes sourceAmount (in source units) to the destination
// account, blocking until everything is delivered or the operation
// fails. On success it returns the total amount delivered in destination
// units and leaves the plugin open for the caller; on failure the plugin
// is closed.
func SendMoney(ctx context.Context, pl plugin.Plugin,
	destinationAccount string, sharedSecret []byte,
	sourceAmount uint64) (uint64, error) {

	sender := NewSender(pl, destinationAccount, sharedSecret,
		sourceAmount)
	return sender.Run(ctx)
}

// Run drives the operation to completion, blocking on the plugin's
// readiness signal between steps. It returns the delivered amount in
// destination units.
func (s *Sender) Run(ctx context.Context) (uint64, error) {
	for {
		finished, err := s.Step()
		if err != nil {
			return 0, err
		}
		if finished {
			return s.amountDelivered, nil
		}

		select {
		case <-s.pl.Ready():
		case <-ctx.Done():
			s.done = true
			s.pl.Close()
			return 0, connErrorf("operation canceled: %v", ctx.Err())
		}
	}
}

// AmountDelivered returns the amount delivered so far, in destination
// units as echoed by the receiver.
func (s *Sender) AmountDelivered() uint64 {
	return s.amountDelivered
}

// Step performs one driver invocation: it flushes any buffered outgoing
// request, drains every available incoming packet, and issues new work
// if the budget allows. It does bounded work and never blocks. The
// returned bool is true once the operation has completed successfully;
// after that (or after an error) further calls return
// ErrPollAfterFinish.
func (s *Sender) Step() (bool, error) {
	if s.done {
		return false, ErrPollAfterFinish
	}

	// Learn our own address before anything else.
	if s.phase == phaseNeedIldcp {
		s.ildcpRequestID = s.newRequestID()
		s.phase = phaseSentIldcpRequest
		sent, err := s.trySendOutgoing(&plugin.Request{
			RequestID: s.ildcpRequestID,
			Packet:    ildcp.NewRequest(),
		})
		if err != nil {
			return s.fail(err)
		}
		if !sent {
			return false, nil
		}
	}

	// Retry the request the plugin refused last time before doing any
	// new work.
	if s.outgoingRequest != nil {
		req := s.outgoingRequest
		s.outgoingRequest = nil
		sent, err := s.trySendOutgoing(req)
		if err != nil {
			return s.fail(err)
		}
		if !sent {
			return false, nil
		}
	}

	// Drain the incoming side completely so congestion decisions are
	// made against the freshest observations.
	if err := s.handleIncoming(); err != nil {
		return s.fail(err)
	}

	if s.phase != phaseSendMoney {
		return false, nil
	}

	if s.sourceAmount == 0 && len(s.pendingPrepares) == 0 {
		log.Debugf("Send money operation complete, delivered %d",
			s.amountDelivered)
		s.done = true
		return true, nil
	}

	if err := s.trySendMoney(); err != nil {
		return s.fail(err)
	}
	return false, nil
}

// fail terminates the operation, closing the plugin.
func (s *Sender) fail(err error) (bool, error) {
	s.done = true
	s.pl.Close()
	return false, err
}

// trySendOutgoing hands a request to the plugin, buffering it when the
// plugin signals backpressure. The returned bool is false when the
// request was buffered instead of sent.
func (s *Sender) trySendOutgoing(req *plugin.Request) (bool, error) {
	switch err := s.pl.TrySend(req); err {
	case nil:
		return true, nil
	case plugin.ErrSendNotReady:
		s.outgoingRequest = req
		return false, nil
	default:
		return false, connErrorf("unable to send request to plugin: %v",
			err)
	}
}

// handleIncoming drains every currently available incoming packet. It
// stops early when an outgoing reply got buffered, so the single
// buffered request is never overwritten.
func (s *Sender) handleIncoming() error {
	for s.outgoingRequest == nil {
		req, err := s.pl.Receive()
		switch err {
		case nil:
		case plugin.ErrNoPacket:
			return nil
		case plugin.ErrPluginClosed:
			return connErrorf("plugin closed before amount was " +
				"fully sent")
		default:
			return connErrorf("unable to poll plugin for packets: %v",
				err)
		}

		switch pkt := req.Packet.(type) {
		case *ilpwire.Prepare:
			if err := s.handlePrepare(req.RequestID, pkt); err != nil {
				return err
			}
		case *ilpwire.Fulfill:
			if err := s.handleFulfill(req.RequestID, pkt); err != nil {
				return err
			}
		case *ilpwire.Reject:
			if err := s.handleReject(req.RequestID, pkt); err != nil {
				return err
			}
		}
	}
	return nil
}

// handleFulfill credits a fulfilled Prepare: the congestion window
// grows, the source address advertisement stops, and the receiver's
// echoed amount is added to the delivered total.
func (s *Sender) handleFulfill(id uint32, fulfill *ilpwire.Fulfill) error {
	if s.phase == phaseSentIldcpRequest {
		response, err := ildcp.ParseResponse(fulfill)
		if err != nil {
			// The answer to our address request is unusable, and no
			// money can move without an address.
			return connErrorf("unable to parse ildcp response: %v",
				err)
		}
		log.Debugf("Got ILDCP response, our address is %v",
			response.ClientAddress)
		s.sourceAccount = response.ClientAddress
		s.phase = phaseSendMoney
		return nil
	}

	prepare, ok := s.pendingPrepares[id]
	if !ok {
		log.Warnf("Got unexpected fulfill with id %d, dropping", id)
		return nil
	}
	delete(s.pendingPrepares, id)

	s.controller.OnFulfill()
	s.shouldSendSourceAccount = false

	// Credit the receiver's echo of what arrived. A payload we cannot
	// decrypt still counts as a success at the ILP level, it just
	// cannot contribute to the delivered total.
	packet, err := PacketFromEncrypted(s.sharedSecret, fulfill.Data)
	if err == nil && packet.IlpPacketType == ilpwire.TypeFulfill {
		s.amountDelivered += packet.PrepareAmount
	}

	log.Debugf("Prepare %d with amount %d was fulfilled (%d left to "+
		"send)", id, prepare.Amount, s.sourceAmount)
	return nil
}

// handleReject returns a rejected Prepare's amount to the send budget
// and feeds the reject into the congestion controller. F08 rejects
// additionally teach the path's maximum packet amount.
func (s *Sender) handleReject(id uint32, reject *ilpwire.Reject) error {
	if s.phase == phaseSentIldcpRequest && id == s.ildcpRequestID {
		return connErrorf("ildcp request rejected with code %v: %v",
			reject.Code, reject.Message)
	}

	prepare, ok := s.pendingPrepares[id]
	if !ok {
		log.Warnf("Got unexpected reject with id %d, dropping", id)
		return nil
	}
	delete(s.pendingPrepares, id)

	s.sourceAmount += prepare.Amount
	s.controller.OnReject(reject.Code)

	if reject.Code == ilpwire.CodeAmountTooLarge {
		details, ok := ilpwire.ParseAmountTooLarge(reject.Data)
		if ok && details.AmountReceived > 0 {
			// Project the connector's limit back into our units via
			// the ratio between what we sent and what arrived there.
			maxPacketAmount := scaleByRatio(prepare.Amount,
				details.MaxAmount, details.AmountReceived)
			s.controller.LimitPacketAmount(maxPacketAmount)
		}
	}

	log.Debugf("Prepare %d with amount %d was rejected with code %v "+
		"(%d left to send)", id, prepare.Amount, reject.Code,
		s.sourceAmount)
	return nil
}

// handlePrepare answers a Prepare the peer sent at us. This endpoint
// only sends money, so incoming value is declined: zero-amount probes
// are fulfilled, anything carrying value is rejected with a
// StreamMaxMoney advertisement of zero.
func (s *Sender) handlePrepare(id uint32, prepare *ilpwire.Prepare) error {
	requestPacket, err := PacketFromEncrypted(s.sharedSecret,
		prepare.Data)
	if err != nil {
		log.Debugf("Got prepare %d with undecryptable data, rejecting "+
			"with %v", id, ilpwire.CodeUnexpectedPayment)
		_, err := s.trySendOutgoing(&plugin.Request{
			RequestID: id,
			Packet: ilpwire.NewReject(ilpwire.CodeUnexpectedPayment,
				"", s.sourceAccount, nil),
		})
		return err
	}

	if prepare.Amount == 0 {
		// A probe. Answer it so the peer can measure the path.
		packet := &Packet{
			IlpPacketType: ilpwire.TypeFulfill,
			PrepareAmount: prepare.Amount,
			Sequence:      requestPacket.Sequence,
		}
		data, err := packet.ToEncrypted(s.sharedSecret)
		if err != nil {
			return connErrorf("unable to encrypt probe reply: %v", err)
		}
		fulfillment := GenerateFulfillment(s.sharedSecret, data)
		_, err = s.trySendOutgoing(&plugin.Request{
			RequestID: id,
			Packet:    ilpwire.NewFulfill(fulfillment, data),
		})
		return err
	}

	// Tell the sender we don't want to receive money: advertise a
	// receive limit of zero for every stream it tried to pay into.
	var frames []Frame
	for _, frame := range requestPacket.Frames {
		if money, ok := frame.(*StreamMoneyFrame); ok {
			frames = append(frames, &StreamMaxMoneyFrame{
				StreamID:      money.StreamID,
				ReceiveMax:    0,
				TotalReceived: 0,
			})
		}
	}
	packet := &Packet{
		IlpPacketType: ilpwire.TypeReject,
		PrepareAmount: prepare.Amount,
		Sequence:      requestPacket.Sequence,
		Frames:        frames,
	}
	data, err := packet.ToEncrypted(s.sharedSecret)
	if err != nil {
		return connErrorf("unable to encrypt money refusal: %v", err)
	}
	_, err = s.trySendOutgoing(&plugin.Request{
		RequestID: id,
		Packet: ilpwire.NewReject(ilpwire.CodeApplicationError, "",
			s.sourceAccount, data),
	})
	return err
}

// trySendMoney issues the next money Prepare if the congestion budget
// allows one.
func (s *Sender) trySendMoney() error {
	amount := s.sourceAmount
	if max := s.controller.MaxAmount(); max < amount {
		amount = max
	}
	if amount == 0 {
		return nil
	}
	s.sourceAmount -= amount

	frames := []Frame{
		&StreamMoneyFrame{StreamID: defaultStreamID, Shares: 1},
	}
	if s.shouldSendSourceAccount && s.sourceAccount != "" {
		frames = append(frames, &ConnectionNewAddressFrame{
			SourceAccount: s.sourceAccount,
		})
	}
	packet := &Packet{
		IlpPacketType: ilpwire.TypePrepare,
		PrepareAmount: 0,
		Sequence:      s.nextSequence(),
		Frames:        frames,
	}

	data, err := packet.ToEncrypted(s.sharedSecret)
	if err != nil {
		return connErrorf("unable to encrypt stream packet: %v", err)
	}
	condition := GenerateCondition(s.sharedSecret, data)
	prepare := ilpwire.NewPrepare(s.destinationAccount, amount,
		condition, time.Now().Add(packetExpiry), data)

	requestID := s.newRequestID()
	log.Debugf("Sending request %d with amount %d", requestID, amount)
	log.Tracef("Outgoing stream packet: %v", spew.Sdump(packet))

	s.pendingPrepares[requestID] = prepare
	_, err = s.trySendOutgoing(&plugin.Request{
		RequestID: requestID,
		Packet:    prepare,
	})
	return err
}

// newRequestID picks a random request id not already in use by an
// outstanding Prepare.
func (s *Sender) newRequestID() uint32 {
	for {
		id := RandomRequestID()
		if _, ok := s.pendingPrepares[id]; !ok && id != s.ildcpRequestID {
			return id
		}
	}
}

// nextSequence allocates the next outgoing STREAM sequence number.
func (s *Sender) nextSequence() uint64 {
	seq := s.sequence
	s.sequence++
	return seq
}
