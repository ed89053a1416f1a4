package sftp

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	sshfx "github.com/paras-lalchandani/sftptogo/encoding/ssh/filexfer"
	bufsync "github.com/paras-lalchandani/sftptogo/internal/sync"
)

type result struct {
	pkt *sshfx.RawPacket
	err error
}

// clientConn correlates requests written to wr with the responses read from rd.
//
// Every request is assigned a fresh request id,
// and every response is routed to the waiter registered under its id.
type clientConn struct {
	reqid atomic.Uint32
	rd    io.Reader

	bufPool *bufsync.SlicePool[[]byte, byte]

	mu       sync.Mutex
	closed   chan struct{}
	inflight map[uint32]chan<- result
	err      error

	// wmu orders writes to wr. It is never held while taking mu,
	// so a write stalled by the peer can not block disconnect.
	wmu sync.Mutex
	wr  io.WriteCloser
}

func (c *clientConn) init(rd io.Reader, wr io.WriteCloser, bufPool *bufsync.SlicePool[[]byte, byte]) {
	c.rd = rd
	c.wr = wr
	c.bufPool = bufPool
	c.closed = make(chan struct{})
	c.inflight = make(map[uint32]chan<- result)
}

func (c *clientConn) handshake(ctx context.Context, maxPacket uint32) (map[string]string, error) {
	initPkt := &sshfx.InitPacket{
		Version: sshfx.ProtocolVersion,
	}

	data, err := initPkt.MarshalBinary()
	if err != nil {
		return nil, err
	}

	if _, err := c.wr.Write(data); err != nil {
		return nil, &Error{Op: "init", Kind: ErrConnection, Err: err}
	}

	var verPkt sshfx.VersionPacket
	errch := make(chan error, 1)

	go func() {
		defer close(errch)

		b := make([]byte, maxPacket)

		if err := verPkt.ReadFrom(c.rd, b, maxPacket); err != nil {
			errch <- err
			return
		}

		if verPkt.Version != sshfx.ProtocolVersion {
			errch <- &Error{
				Op:   "init",
				Kind: ErrProtocol,
				Err:  fmt.Errorf("unexpected server version: got %v, want %v", verPkt.Version, sshfx.ProtocolVersion),
			}
		}
	}()

	select {
	case err := <-errch:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	exts := make(map[string]string)
	for _, ext := range verPkt.Extensions {
		exts[ext.Name] = ext.Data
	}
	return exts, nil
}

func (c *clientConn) getChan(reqid uint32) (chan<- result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, loaded := c.inflight[reqid]
	delete(c.inflight, reqid)

	return ch, loaded
}

// Wait blocks until the connection has been disconnected, and returns the cause.
func (c *clientConn) Wait() error {
	<-c.closed
	return c.err
}

// disconnect closes the connection, and fails every pending request with err.
// Only the first call has any effect.
func (c *clientConn) disconnect(err error) {
	c.mu.Lock()

	select {
	case <-c.closed:
		// already closed
		c.mu.Unlock()
		return
	default:
	}

	c.err = err
	close(c.closed)

	bcastRes := result{
		err: err,
	}

	for reqid, ch := range c.inflight {
		// Every chan has a buffer of one, and is removed before sending,
		// so this can never block.
		ch <- bcastRes
		delete(c.inflight, reqid)
	}

	c.mu.Unlock()

	// Closing unblocks any dispatch stuck writing to a peer that stopped reading.
	c.wr.Close()
}

// recvLoop reads responses until the connection fails.
// It returns an error of kind ErrProtocol if a response does not match any pending request.
func (c *clientConn) recvLoop(maxPacket uint32) error {
	for {
		raw := new(sshfx.RawPacket)
		hint := c.bufPool.Get()

		if err := raw.ReadFrom(c.rd, hint, maxPacket); err != nil {
			switch err {
			case sshfx.ErrShortPacket, sshfx.ErrLongPacket:
				return &Error{Op: "recv", Kind: ErrProtocol, Err: err}
			}

			return &Error{Op: "recv", Kind: ErrConnection, Err: err}
		}

		ch, loaded := c.getChan(raw.RequestID)
		if !loaded {
			// This is an unexpected occurrence.
			// The connection can no longer be trusted,
			// so the caller fails every pending request.
			c.returnRaw(raw)
			return &Error{Op: "recv", Kind: ErrProtocol, Err: fmt.Errorf("request id not found: %d", raw.RequestID)}
		}

		ch <- result{pkt: raw}
	}
}

// dispatch will marshal, then dispatch the given request packet.
// Each packet is written atomically to the connection.
// It returns the allocated request id (a monotonously incrementing value),
// and either a channel upon which the result will be returned, or an error.
func (c *clientConn) dispatch(req sshfx.PacketMarshaller) (uint32, chan result, error) {
	reqid := c.reqid.Add(1)

	header, payload, err := req.MarshalPacket(reqid, c.bufPool.Get())
	if err != nil {
		return reqid, nil, err
	}
	defer c.bufPool.Put(header)

	// payload is all but guaranteed to alias a caller-held byte slice,
	// so, _do not_ put it into the bufPool.

	ch := make(chan result, 1)

	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return reqid, nil, c.err
	default:
	}

	c.inflight[reqid] = ch
	c.mu.Unlock()

	if err := c.write(header, payload); err != nil {
		c.getChan(reqid)

		select {
		case <-c.closed:
			// The write failed because the connection was closed underneath it.
			return reqid, nil, c.err
		default:
		}

		return reqid, nil, &Error{Op: "send", Kind: ErrConnection, Err: err}
	}

	return reqid, ch, nil
}

// write sends one packet, so that packets from concurrent requests never interleave.
func (c *clientConn) write(header, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if _, err := c.wr.Write(header); err != nil {
		return fmt.Errorf("write packet header: %w", err)
	}

	if len(payload) != 0 {
		if _, err := c.wr.Write(payload); err != nil {
			return fmt.Errorf("write packet payload: %w", err)
		}
	}

	return nil
}

func (c *clientConn) returnRaw(raw *sshfx.RawPacket) {
	c.bufPool.Put(raw.Data.HintReturn())
}

// discard waits for the response to an abandoned request, and returns its buffer to the pool.
// Every registered chan receives exactly one result, either the response or the disconnect error.
func (c *clientConn) discard(ch chan result) {
	res := <-ch

	if res.pkt != nil {
		c.returnRaw(res.pkt)
	}
}

func (c *clientConn) recv(ctx context.Context, reqid uint32, ch chan result) (*sshfx.RawPacket, error) {
	select {
	case <-ctx.Done():
		go c.discard(ch)
		return nil, ctx.Err()

	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}

		if res.pkt.RequestID != reqid {
			return nil, &Error{Op: "recv", Kind: ErrProtocol, Err: fmt.Errorf("unexpected request id: %d != %d", res.pkt.RequestID, reqid)}
		}

		return res.pkt, nil
	}
}

func (c *clientConn) send(ctx context.Context, req sshfx.PacketMarshaller) (*sshfx.RawPacket, error) {
	reqid, ch, err := c.dispatch(req)
	if err != nil {
		return nil, err
	}

	return c.recv(ctx, reqid, ch)
}
