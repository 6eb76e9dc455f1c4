package plugin

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/brock-ff/interledger-go/ilpwire"
)

// BTP message types. A message carries a Prepare toward the peer; the
// peer answers with a response (Fulfill) or an error (Reject) carrying
// the same request id.
const (
	btpTypeResponse uint8 = 1
	btpTypeError    uint8 = 2
	btpTypeMessage  uint8 = 6
)

const (
	// btpQueueSize is the depth of the send and receive queues. A full
	// send queue is what surfaces as TrySend backpressure.
	btpQueueSize = 32
)

// marshalBtpFrame serializes a request into a BTP frame: type byte, u32
// request id, then the ILP packet with its envelope as a
// length-prefixed field.
func marshalBtpFrame(req *Request) ([]byte, error) {
	var btpType uint8
	switch req.Packet.Type() {
	case ilpwire.TypePrepare:
		btpType = btpTypeMessage
	case ilpwire.TypeFulfill:
		btpType = btpTypeResponse
	case ilpwire.TypeReject:
		btpType = btpTypeError
	default:
		return nil, fmt.Errorf("unable to frame packet of type %v",
			req.Packet.Type())
	}

	packetBytes, err := ilpwire.MarshalPacket(req.Packet)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	b.WriteByte(btpType)
	var id [4]byte
	binary.BigEndian.PutUint32(id[:], req.RequestID)
	b.Write(id[:])
	if err := ilpwire.WriteOctetString(&b, packetBytes); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// parseBtpFrame deserializes a BTP frame produced by marshalBtpFrame.
func parseBtpFrame(frame []byte) (*Request, error) {
	r := bytes.NewReader(frame)

	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("truncated btp frame: %v", err)
	}
	btpType := header[0]
	switch btpType {
	case btpTypeMessage, btpTypeResponse, btpTypeError:
	default:
		return nil, fmt.Errorf("unknown btp frame type %d", btpType)
	}

	packetBytes, err := ilpwire.ReadOctetString(r)
	if err != nil {
		return nil, err
	}
	pkt, err := ilpwire.UnmarshalPacket(packetBytes)
	if err != nil {
		return nil, err
	}

	return &Request{
		RequestID: binary.BigEndian.Uint32(header[1:5]),
		Packet:    pkt,
	}, nil
}

// BtpPlugin speaks the Bilateral Transfer Protocol over a WebSocket
// connection. Frames are carried as binary WebSocket messages. Dedicated
// read and write pumps keep the socket moving while TrySend and Receive
// stay non-blocking against bounded queues.
type BtpPlugin struct {
	started  int32
	shutdown int32
	wg       sync.WaitGroup
	quit     chan struct{}

	conn *websocket.Conn

	sendQueue chan *Request
	recvQueue chan *Request
	ready     chan struct{}

	// readDone is closed when the read pump exits, which is how the
	// far end hanging up becomes visible to Receive.
	readDone chan struct{}
}

// A compile time check to ensure BtpPlugin implements the Plugin
// interface.
var _ Plugin = (*BtpPlugin)(nil)

// NewBtpPlugin wraps an established WebSocket connection and starts its
// read and write pumps. The caller hands over ownership of the
// connection.
func NewBtpPlugin(conn *websocket.Conn) *BtpPlugin {
	p := &BtpPlugin{
		quit:      make(chan struct{}),
		conn:      conn,
		sendQueue: make(chan *Request, btpQueueSize),
		recvQueue: make(chan *Request, btpQueueSize),
		ready:     make(chan struct{}, 1),
		readDone:  make(chan struct{}),
	}
	p.start()
	return p
}

// Dial connects to a BTP server at the passed WebSocket url, e.g.
// "ws://localhost:7768", and returns the plugin speaking through it.
func Dial(url string) (*BtpPlugin, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to dial btp server %s: %v", url,
			err)
	}
	return NewBtpPlugin(conn), nil
}

func (p *BtpPlugin) start() {
	if !atomic.CompareAndSwapInt32(&p.started, 0, 1) {
		return
	}

	p.wg.Add(2)
	go p.readPump()
	go p.writePump()
}

// readPump moves frames from the socket into the receive queue until
// the connection ends.
func (p *BtpPlugin) readPump() {
	defer p.wg.Done()
	defer close(p.readDone)
	defer p.signalReady()

	for {
		_, frame, err := p.conn.ReadMessage()
		if err != nil {
			if atomic.LoadInt32(&p.shutdown) == 0 {
				log.Debugf("btp read pump exiting: %v", err)
			}
			return
		}

		req, err := parseBtpFrame(frame)
		if err != nil {
			log.Warnf("Dropping malformed btp frame: %v", err)
			continue
		}

		select {
		case p.recvQueue <- req:
			p.signalReady()
		case <-p.quit:
			return
		}
	}
}

// writePump moves frames from the send queue onto the socket.
func (p *BtpPlugin) writePump() {
	defer p.wg.Done()

	for {
		select {
		case req := <-p.sendQueue:
			frame, err := marshalBtpFrame(req)
			if err != nil {
				log.Errorf("Unable to frame outgoing request %d: %v",
					req.RequestID, err)
				continue
			}
			err = p.conn.WriteMessage(websocket.BinaryMessage, frame)
			if err != nil {
				log.Debugf("btp write pump exiting: %v", err)
				return
			}

			// Draining the queue freed send capacity.
			p.signalReady()

		case <-p.quit:
			return
		}
	}
}

func (p *BtpPlugin) signalReady() {
	select {
	case p.ready <- struct{}{}:
	default:
	}
}

// TrySend enqueues the request for the write pump.
//
// This is part of the Plugin interface.
func (p *BtpPlugin) TrySend(req *Request) error {
	if atomic.LoadInt32(&p.shutdown) == 1 {
		return ErrPluginClosed
	}
	select {
	case p.sendQueue <- req:
		return nil
	default:
		return ErrSendNotReady
	}
}

// Receive returns the next frame read off the socket, if any.
//
// This is part of the Plugin interface.
func (p *BtpPlugin) Receive() (*Request, error) {
	select {
	case req := <-p.recvQueue:
		return req, nil
	default:
	}

	select {
	case <-p.readDone:
		// The read pump has exited; drain anything it queued before
		// reporting the close.
		select {
		case req := <-p.recvQueue:
			return req, nil
		default:
			return nil, ErrPluginClosed
		}
	default:
		return nil, ErrNoPacket
	}
}

// Ready returns the wakeup channel for this endpoint.
//
// This is part of the Plugin interface.
func (p *BtpPlugin) Ready() <-chan struct{} {
	return p.ready
}

// Close shuts down the pumps and the underlying connection.
//
// This is part of the Plugin interface.
func (p *BtpPlugin) Close() error {
	if !atomic.CompareAndSwapInt32(&p.shutdown, 0, 1) {
		return nil
	}

	close(p.quit)
	err := p.conn.Close()
	p.wg.Wait()
	p.signalReady()
	return err
}
