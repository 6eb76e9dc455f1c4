package stream

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brock-ff/interledger-go/ildcp"
	"github.com/brock-ff/interledger-go/ilpwire"
	"github.com/brock-ff/interledger-go/plugin"
)

const (
	testDestination   = "example.receiver.abc123"
	testClientAddress = "example.connector.sender"
)

var testSecret = []byte("test shared secret test shared s")

// timeInFuture returns an expiry comfortably ahead of now for
// hand-crafted incoming Prepares.
func timeInFuture() time.Time {
	return time.Now().Add(30 * time.Second)
}

// newTestSender wires a sender to one side of an in-memory plugin pair
// and returns the far end, which the test scripts by hand.
func newTestSender(t *testing.T, sourceAmount uint64,
	queueSize int) (*Sender, *plugin.MemoryPlugin) {

	t.Helper()
	senderPl, peerPl := plugin.NewMemoryPluginPair(queueSize)
	sender := NewSender(senderPl, testDestination, testSecret,
		sourceAmount)
	return sender, peerPl
}

// step advances the sender once and asserts it neither finished nor
// failed.
func step(t *testing.T, sender *Sender) {
	t.Helper()
	finished, err := sender.Step()
	require.NoError(t, err)
	require.False(t, finished)
}

// recvOne takes the next request waiting at the peer, failing if none is
// queued.
func recvOne(t *testing.T, peer *plugin.MemoryPlugin) *plugin.Request {
	t.Helper()
	req, err := peer.Receive()
	require.NoError(t, err)
	return req
}

// answerIldcp consumes the address discovery request waiting at the
// peer and answers it with the test client address.
func answerIldcp(t *testing.T, peer *plugin.MemoryPlugin) {
	t.Helper()
	req := recvOne(t, peer)
	prepare, ok := req.Packet.(*ilpwire.Prepare)
	require.True(t, ok, "expected Prepare, got %T", req.Packet)
	require.Equal(t, ildcp.DestinationAddress, prepare.Destination)
	require.Zero(t, prepare.Amount)

	fulfill, err := ildcp.NewResponseFulfill(&ildcp.Response{
		ClientAddress: testClientAddress,
		AssetScale:    9,
		AssetCode:     "XRP",
	})
	require.NoError(t, err)
	require.NoError(t, peer.TrySend(&plugin.Request{
		RequestID: req.RequestID,
		Packet:    fulfill,
	}))
}

// recvMoneyPrepare expects a money Prepare at the peer and returns it
// along with its decrypted STREAM packet.
func recvMoneyPrepare(t *testing.T,
	peer *plugin.MemoryPlugin) (*plugin.Request, *ilpwire.Prepare, *Packet) {

	t.Helper()
	req := recvOne(t, peer)
	prepare, ok := req.Packet.(*ilpwire.Prepare)
	require.True(t, ok, "expected Prepare, got %T", req.Packet)
	require.Equal(t, testDestination, prepare.Destination)

	// Every sent Prepare's condition must bind its own payload.
	require.Equal(t, GenerateCondition(testSecret, prepare.Data),
		prepare.ExecutionCondition)

	packet, err := PacketFromEncrypted(testSecret, prepare.Data)
	require.NoError(t, err)
	require.Equal(t, ilpwire.TypePrepare, packet.IlpPacketType)
	return req, prepare, packet
}

// fulfillMoney answers a money Prepare the way an honest receiver
// would: echoing the amount that arrived inside the STREAM payload.
func fulfillMoney(t *testing.T, peer *plugin.MemoryPlugin,
	req *plugin.Request, prepare *ilpwire.Prepare, packet *Packet) {

	t.Helper()
	reply := &Packet{
		IlpPacketType: ilpwire.TypeFulfill,
		PrepareAmount: prepare.Amount,
		Sequence:      packet.Sequence,
	}
	data, err := reply.ToEncrypted(testSecret)
	require.NoError(t, err)
	fulfillment := GenerateFulfillment(testSecret, data)
	require.NoError(t, peer.TrySend(&plugin.Request{
		RequestID: req.RequestID,
		Packet:    ilpwire.NewFulfill(fulfillment, data),
	}))
}

// rejectMoney answers a money Prepare with the passed code and data.
func rejectMoney(t *testing.T, peer *plugin.MemoryPlugin,
	req *plugin.Request, code string, data []byte) {

	t.Helper()
	require.NoError(t, peer.TrySend(&plugin.Request{
		RequestID: req.RequestID,
		Packet:    ilpwire.NewReject(code, "", "example.connector", data),
	}))
}

// hasNewAddressFrame reports whether the packet announces the sender's
// address.
func hasNewAddressFrame(packet *Packet) bool {
	for _, frame := range packet.Frames {
		if _, ok := frame.(*ConnectionNewAddressFrame); ok {
			return true
		}
	}
	return false
}

// TestSendMoneyHappyPath covers the single-packet path: one ILDCP round
// trip, one money Prepare, completion with the delivered amount.
func TestSendMoneyHappyPath(t *testing.T) {
	sender, peer := newTestSender(t, 1000, 32)

	step(t, sender)
	answerIldcp(t, peer)

	step(t, sender)
	req, prepare, packet := recvMoneyPrepare(t, peer)
	require.EqualValues(t, 1000, prepare.Amount)
	require.EqualValues(t, 1, packet.Sequence)
	require.True(t, hasNewAddressFrame(packet),
		"first money packet must announce the source account")
	fulfillMoney(t, peer, req, prepare, packet)

	finished, err := sender.Step()
	require.NoError(t, err)
	require.True(t, finished)
	require.EqualValues(t, 1000, sender.AmountDelivered())

	// The operation is terminal: stepping again is a caller bug.
	_, err = sender.Step()
	require.ErrorIs(t, err, ErrPollAfterFinish)
}

// TestSendMoneyMtuDiscovery covers F08 path MTU learning: an oversized
// first packet teaches the limit and the rest of the amount flows in
// packets under it.
func TestSendMoneyMtuDiscovery(t *testing.T) {
	sender, peer := newTestSender(t, 3000, 32)

	step(t, sender)
	answerIldcp(t, peer)

	step(t, sender)
	req, prepare, packet := recvMoneyPrepare(t, peer)
	require.EqualValues(t, 3000, prepare.Amount)
	rejectMoney(t, peer, req, ilpwire.CodeAmountTooLarge,
		ilpwire.MarshalAmountTooLarge(ilpwire.AmountTooLargeDetails{
			AmountReceived: 3000,
			MaxAmount:      1000,
		}))

	lastSequence := packet.Sequence
	var delivered uint64
	for i := 0; i < 3; i++ {
		step(t, sender)
		req, prepare, packet := recvMoneyPrepare(t, peer)
		require.EqualValues(t, 1000, prepare.Amount,
			"packets must respect the learned mtu")
		require.Greater(t, packet.Sequence, lastSequence,
			"sequence numbers must be strictly increasing")
		lastSequence = packet.Sequence
		fulfillMoney(t, peer, req, prepare, packet)
		delivered += prepare.Amount
	}

	finished, err := sender.Step()
	require.NoError(t, err)
	require.True(t, finished)
	require.EqualValues(t, 3000, sender.AmountDelivered())
	require.EqualValues(t, 3000, delivered)
}

// TestSendMoneyTransientReject covers the T04 path: the amount returns
// to the budget, the window halves, and the retry succeeds.
func TestSendMoneyTransientReject(t *testing.T) {
	sender, peer := newTestSender(t, 500, 32)

	step(t, sender)
	answerIldcp(t, peer)

	step(t, sender)
	req, prepare, _ := recvMoneyPrepare(t, peer)
	require.EqualValues(t, 500, prepare.Amount)
	rejectMoney(t, peer, req, ilpwire.CodeInsufficientLiquidity, nil)

	step(t, sender)
	require.EqualValues(t, defaultWindow/2, sender.controller.MaxAmount(),
		"temporary reject must halve the window")

	req, prepare, packet := recvMoneyPrepare(t, peer)
	require.EqualValues(t, 500, prepare.Amount)
	fulfillMoney(t, peer, req, prepare, packet)

	finished, err := sender.Step()
	require.NoError(t, err)
	require.True(t, finished)
	require.EqualValues(t, 500, sender.AmountDelivered())
}

// TestSourceAccountAdvertisement checks that ConnectionNewAddress is on
// every money packet until the first fulfill and absent afterwards.
func TestSourceAccountAdvertisement(t *testing.T) {
	sender, peer := newTestSender(t, 2000, 32)
	sender.controller.LimitPacketAmount(1000)

	step(t, sender)
	answerIldcp(t, peer)

	// First packet is rejected, so the second must still advertise.
	step(t, sender)
	req, _, packet := recvMoneyPrepare(t, peer)
	require.True(t, hasNewAddressFrame(packet))
	rejectMoney(t, peer, req, ilpwire.CodeInsufficientLiquidity, nil)

	step(t, sender)
	req, prepare, packet := recvMoneyPrepare(t, peer)
	require.True(t, hasNewAddressFrame(packet),
		"must advertise until the first fulfill")
	fulfillMoney(t, peer, req, prepare, packet)

	step(t, sender)
	req, prepare, packet = recvMoneyPrepare(t, peer)
	require.False(t, hasNewAddressFrame(packet),
		"must stop advertising after the first fulfill")
	fulfillMoney(t, peer, req, prepare, packet)

	// 1000 of the original 2000 was rejected and resent, so two
	// fulfills of 1000 complete the operation... after the remaining
	// 0 is confirmed below.
	for {
		finished, err := sender.Step()
		require.NoError(t, err)
		if finished {
			break
		}
		req, prepare, packet = recvMoneyPrepare(t, peer)
		require.False(t, hasNewAddressFrame(packet))
		fulfillMoney(t, peer, req, prepare, packet)
	}
	require.EqualValues(t, 2000, sender.AmountDelivered())
}

// TestAccountingInvariant checks that no value is created or destroyed
// by any state transition: unsent + in-flight + fulfilled always equals
// the initial amount, in source units.
func TestAccountingInvariant(t *testing.T) {
	const initial = 10000
	sender, peer := newTestSender(t, initial, 32)
	sender.controller.LimitPacketAmount(3000)

	var fulfilled uint64
	checkInvariant := func() {
		t.Helper()
		var pending uint64
		for _, prepare := range sender.pendingPrepares {
			pending += prepare.Amount
		}
		require.EqualValues(t, initial,
			sender.sourceAmount+pending+fulfilled,
			"accounting invariant violated")
	}

	step(t, sender)
	checkInvariant()
	answerIldcp(t, peer)

	rejectNext := true
	for {
		finished, err := sender.Step()
		require.NoError(t, err)
		checkInvariant()
		if finished {
			break
		}

		req, err := peer.Receive()
		if err == plugin.ErrNoPacket {
			continue
		}
		require.NoError(t, err)
		prepare := req.Packet.(*ilpwire.Prepare)
		packet, err := PacketFromEncrypted(testSecret, prepare.Data)
		require.NoError(t, err)

		// Alternate rejects and fulfills to exercise both transitions.
		if rejectNext {
			rejectMoney(t, peer, req, ilpwire.CodeInsufficientLiquidity,
				nil)
		} else {
			fulfillMoney(t, peer, req, prepare, packet)
			fulfilled += prepare.Amount
		}
		rejectNext = !rejectNext
		checkInvariant()
	}

	require.EqualValues(t, initial, fulfilled)
	require.EqualValues(t, initial, sender.AmountDelivered())
}

// TestReflexiveProbe covers the zero-amount probe: the reply mirrors the
// request's sequence in a Fulfill whose fulfillment binds the reply
// payload.
func TestReflexiveProbe(t *testing.T) {
	sender, peer := newTestSender(t, 1000, 32)

	probe := &Packet{
		IlpPacketType: ilpwire.TypePrepare,
		Sequence:      7,
	}
	data, err := probe.ToEncrypted(testSecret)
	require.NoError(t, err)
	condition := GenerateCondition(testSecret, data)
	require.NoError(t, peer.TrySend(&plugin.Request{
		RequestID: 77,
		Packet: ilpwire.NewPrepare(testClientAddress, 0, condition,
			timeInFuture(), data),
	}))

	// The first step issues the ILDCP request and then answers the
	// probe while draining.
	step(t, sender)

	ildcpReq := recvOne(t, peer)
	require.IsType(t, &ilpwire.Prepare{}, ildcpReq.Packet)

	reply := recvOne(t, peer)
	require.EqualValues(t, 77, reply.RequestID)
	fulfill, ok := reply.Packet.(*ilpwire.Fulfill)
	require.True(t, ok, "expected Fulfill, got %T", reply.Packet)

	replyPacket, err := PacketFromEncrypted(testSecret, fulfill.Data)
	require.NoError(t, err)
	require.Equal(t, ilpwire.TypeFulfill, replyPacket.IlpPacketType)
	require.EqualValues(t, 7, replyPacket.Sequence)
	require.Empty(t, replyPacket.Frames)

	// The fulfillment must hash to the condition binding the reply's
	// own payload.
	expected := GenerateCondition(testSecret, fulfill.Data)
	require.Equal(t, expected, sha256.Sum256(fulfill.Fulfillment[:]))
}

// TestReflexiveMoneyRefusal covers inbound value: it is declined with
// F99 and a zero receive limit for every stream that tried to pay.
func TestReflexiveMoneyRefusal(t *testing.T) {
	sender, peer := newTestSender(t, 1000, 32)

	incoming := &Packet{
		IlpPacketType: ilpwire.TypePrepare,
		Sequence:      3,
		Frames: []Frame{
			&StreamMoneyFrame{StreamID: 3, Shares: 1},
		},
	}
	data, err := incoming.ToEncrypted(testSecret)
	require.NoError(t, err)
	condition := GenerateCondition(testSecret, data)
	require.NoError(t, peer.TrySend(&plugin.Request{
		RequestID: 88,
		Packet: ilpwire.NewPrepare(testClientAddress, 100, condition,
			timeInFuture(), data),
	}))

	step(t, sender)

	recvOne(t, peer) // discard the ILDCP request
	reply := recvOne(t, peer)
	require.EqualValues(t, 88, reply.RequestID)
	reject, ok := reply.Packet.(*ilpwire.Reject)
	require.True(t, ok, "expected Reject, got %T", reply.Packet)
	require.Equal(t, ilpwire.CodeApplicationError, reject.Code)

	replyPacket, err := PacketFromEncrypted(testSecret, reject.Data)
	require.NoError(t, err)
	require.Equal(t, ilpwire.TypeReject, replyPacket.IlpPacketType)
	require.EqualValues(t, 3, replyPacket.Sequence)
	require.Len(t, replyPacket.Frames, 1)
	maxMoney, ok := replyPacket.Frames[0].(*StreamMaxMoneyFrame)
	require.True(t, ok)
	require.EqualValues(t, 3, maxMoney.StreamID)
	require.Zero(t, maxMoney.ReceiveMax)
	require.Zero(t, maxMoney.TotalReceived)
}

// TestReflexiveUndecryptable covers a Prepare whose data was not
// produced with our shared secret: rejected F06 with no data.
func TestReflexiveUndecryptable(t *testing.T) {
	sender, peer := newTestSender(t, 1000, 32)

	var condition [32]byte
	require.NoError(t, peer.TrySend(&plugin.Request{
		RequestID: 99,
		Packet: ilpwire.NewPrepare(testClientAddress, 0, condition,
			timeInFuture(), []byte("not an encrypted packet")),
	}))

	step(t, sender)

	recvOne(t, peer) // discard the ILDCP request
	reply := recvOne(t, peer)
	reject, ok := reply.Packet.(*ilpwire.Reject)
	require.True(t, ok, "expected Reject, got %T", reply.Packet)
	require.Equal(t, ilpwire.CodeUnexpectedPayment, reject.Code)
	require.Empty(t, reject.Data)
}

// TestPluginClosedMidFlight covers the channel dying with value in
// flight: the operation fails with a connection error rather than
// reporting success.
func TestPluginClosedMidFlight(t *testing.T) {
	sender, peer := newTestSender(t, 2000, 32)
	sender.controller.LimitPacketAmount(1000)

	step(t, sender)
	answerIldcp(t, peer)

	step(t, sender)
	_, prepare, _ := recvMoneyPrepare(t, peer)
	require.EqualValues(t, 1000, prepare.Amount)

	peer.Close()

	_, err := sender.Step()
	require.Error(t, err)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)

	_, err = sender.Step()
	require.ErrorIs(t, err, ErrPollAfterFinish)
}

// TestIldcpRejected covers the peer refusing the address request: the
// operation cannot proceed and fails.
func TestIldcpRejected(t *testing.T) {
	sender, peer := newTestSender(t, 1000, 32)

	step(t, sender)
	req := recvOne(t, peer)
	require.NoError(t, peer.TrySend(&plugin.Request{
		RequestID: req.RequestID,
		Packet:    ilpwire.NewReject("F02", "no config for you", "", nil),
	}))

	_, err := sender.Step()
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
}

// TestIldcpGarbledResponse covers a Fulfill whose payload is not a
// parseable ILDCP response: the operation fails instead of stalling.
func TestIldcpGarbledResponse(t *testing.T) {
	sender, peer := newTestSender(t, 1000, 32)

	step(t, sender)
	req := recvOne(t, peer)
	var fulfillment [32]byte
	require.NoError(t, peer.TrySend(&plugin.Request{
		RequestID: req.RequestID,
		Packet:    ilpwire.NewFulfill(fulfillment, nil),
	}))

	_, err := sender.Step()
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
}

// TestUnknownReplyDropped covers replies whose request id matches no
// outstanding Prepare: they are dropped without disturbing the
// operation.
func TestUnknownReplyDropped(t *testing.T) {
	sender, peer := newTestSender(t, 1000, 32)

	step(t, sender)
	answerIldcp(t, peer)
	step(t, sender)

	req, prepare, packet := recvMoneyPrepare(t, peer)

	var fulfillment [32]byte
	require.NoError(t, peer.TrySend(&plugin.Request{
		RequestID: req.RequestID ^ 0xffffffff,
		Packet:    ilpwire.NewFulfill(fulfillment, nil),
	}))
	step(t, sender)
	require.Len(t, sender.pendingPrepares, 1,
		"unknown fulfill must not settle a pending prepare")

	fulfillMoney(t, peer, req, prepare, packet)
	finished, err := sender.Step()
	require.NoError(t, err)
	require.True(t, finished)
}

// TestBackpressureBuffersOneRequest covers the plugin refusing a send:
// the request is buffered and retried before any new work.
func TestBackpressureBuffersOneRequest(t *testing.T) {
	sender, peer := newTestSender(t, 2000, 1)
	sender.controller.LimitPacketAmount(1000)

	step(t, sender)
	answerIldcp(t, peer)

	// First money packet fills the queue of one.
	step(t, sender)
	// The second gets backpressured and buffered.
	step(t, sender)
	require.NotNil(t, sender.outgoingRequest)

	// Draining the first packet frees capacity; the buffered request
	// must go out on the next step before anything else.
	req, prepare, packet := recvMoneyPrepare(t, peer)
	fulfillMoney(t, peer, req, prepare, packet)

	step(t, sender)
	require.Nil(t, sender.outgoingRequest)

	req, prepare, packet = recvMoneyPrepare(t, peer)
	require.EqualValues(t, 1000, prepare.Amount)
	fulfillMoney(t, peer, req, prepare, packet)

	finished, err := sender.Step()
	require.NoError(t, err)
	require.True(t, finished)
	require.EqualValues(t, 2000, sender.AmountDelivered())
}

// TestRunToCompletion drives the blocking wrapper against a scripted
// receiver goroutine.
func TestRunToCompletion(t *testing.T) {
	senderPl, peerPl := plugin.NewMemoryPluginPair(32)

	go func() {
		for {
			req, err := peerPl.Receive()
			if err == plugin.ErrNoPacket {
				<-peerPl.Ready()
				continue
			}
			if err != nil {
				return
			}

			prepare, ok := req.Packet.(*ilpwire.Prepare)
			if !ok {
				continue
			}

			if prepare.Destination == ildcp.DestinationAddress {
				fulfill, _ := ildcp.NewResponseFulfill(&ildcp.Response{
					ClientAddress: testClientAddress,
				})
				peerPl.TrySend(&plugin.Request{
					RequestID: req.RequestID,
					Packet:    fulfill,
				})
				continue
			}

			packet, err := PacketFromEncrypted(testSecret, prepare.Data)
			if err != nil {
				continue
			}
			reply := &Packet{
				IlpPacketType: ilpwire.TypeFulfill,
				PrepareAmount: prepare.Amount,
				Sequence:      packet.Sequence,
			}
			data, _ := reply.ToEncrypted(testSecret)
			fulfillment := GenerateFulfillment(testSecret, data)
			peerPl.TrySend(&plugin.Request{
				RequestID: req.RequestID,
				Packet:    ilpwire.NewFulfill(fulfillment, data),
			})
		}
	}()

	delivered, err := SendMoney(context.Background(), senderPl,
		testDestination, testSecret, 5000)
	require.NoError(t, err)
	require.EqualValues(t, 5000, delivered)

	// Success leaves the plugin open for the caller; close it here so
	// the scripted receiver can exit.
	senderPl.Close()
}
