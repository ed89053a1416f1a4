package sftp

import (
	"context"
	"fmt"
	"io/fs"
	"math"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	sshfx "github.com/paras-lalchandani/sftptogo/encoding/ssh/filexfer"
	bufsync "github.com/paras-lalchandani/sftptogo/internal/sync"
)

// State is the lifecycle state of a Session.
type State int32

// Session states.
//
// A Session moves forward only: Disconnected, Connecting, Ready,
// and then exactly one of Closed or Failed.
const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// SessionOption specifies an option that can be set on a Session.
type SessionOption func(*Session) error

// WithTransport sets the Transport used to open the channel.
// The default is an SSHTransport.
func WithTransport(t Transport) SessionOption {
	return func(s *Session) error {
		if t == nil {
			return fmt.Errorf("nil transport")
		}

		s.transport = t
		return nil
	}
}

// WithLogger sets the logger of the Session.
// The default is the logrus standard logger.
func WithLogger(log logrus.FieldLogger) SessionOption {
	return func(s *Session) error {
		if log == nil {
			return fmt.Errorf("nil logger")
		}

		s.log = log
		return nil
	}
}

// WithMaxDataLength sets the maximum length of a data that will be used in SSH_FX_READ and SSH_FX_WRITE requests.
// This will also adjust the maximum packet length to at least the data length + 1232 bytes as overhead room.
//
// The maximum data length can only be increased,
// if an attempt is made to set this value lower than it currently is,
// it will simply not perform any operation.
func WithMaxDataLength(length int) SessionOption {
	withPktLen := WithMaxPacketLength(length + sshfx.MaxPacketLengthOverhead)

	return func(s *Session) error {
		if err := withPktLen(s); err != nil {
			return err
		}

		if int64(length) > math.MaxUint32 {
			return fmt.Errorf("max data length must fit in a uint32: %d", length)
		}

		s.maxDataLen = max(s.maxDataLen, length)

		return nil
	}
}

// WithMaxPacketLength sets the maximum length of a packet that the Session will accept.
//
// The maximum packet length can only be increased,
// if an attempt is made to set this value lower than it currently is,
// it will simply not perform any operation.
func WithMaxPacketLength(length int) SessionOption {
	return func(s *Session) error {
		// This has to be cast to int64 to safely perform this test on 32-bit archs.
		if int64(length) > math.MaxUint32 {
			return fmt.Errorf("max packet length must fit in a uint32: %d", length)
		}

		if length < 0 {
			return nil
		}

		s.maxPacket = max(s.maxPacket, uint32(length))
		return nil
	}
}

// Session is one authenticated SFTP conversation with a server.
//
// A Session may be used concurrently from multiple goroutines,
// requests are written in the order they are issued.
// The zero value is a Session in StateDisconnected, on which every operation fails with ErrSessionNotReady.
type Session struct {
	params    ConnectionParameters
	transport Transport
	log       logrus.FieldLogger

	conn clientConn

	maxPacket  uint32
	maxDataLen int

	state atomic.Int32
	exts  map[string]string

	mu    sync.Mutex
	files map[*File]struct{}
}

// Connect opens a Session to the server described by params.
//
// The context bounds the dial, the authentication and the version negotiation.
// It does not affect the Session after Connect has returned.
func Connect(ctx context.Context, params *ConnectionParameters, opts ...SessionOption) (*Session, error) {
	if params == nil {
		return nil, &Error{Op: "connect", Kind: ErrInvalidArgument, Err: fmt.Errorf("nil parameters")}
	}

	if err := params.Validate(); err != nil {
		return nil, wrapErr("connect", params.Host, ErrInvalidArgument, err)
	}

	s := &Session{
		params:     *params,
		log:        logrus.StandardLogger(),
		maxPacket:  sshfx.DefaultMaxPacketLength,
		maxDataLen: sshfx.DefaultMaxDataLength,
		files:      make(map[*File]struct{}),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, &Error{Op: "connect", Path: params.Host, Kind: ErrInvalidArgument, Err: err}
		}
	}

	s.log = s.log.WithFields(logrus.Fields{
		"host": s.params.Host,
		"user": s.params.User,
	})

	if s.transport == nil {
		s.transport = &SSHTransport{Log: s.log}
	}

	s.setState(StateConnecting)

	ch, err := s.transport.OpenChannel(ctx, &s.params)
	if err != nil {
		s.setState(StateFailed)
		return nil, wrapErr("connect", s.params.Addr(), ErrConnection, err)
	}

	s.conn.init(ch, ch, bufsync.NewSlicePool[[]byte](64, int(s.maxPacket)))

	exts, err := s.conn.handshake(ctx, s.maxPacket)
	if err != nil {
		ch.Close()
		s.setState(StateFailed)
		return nil, wrapErr("connect", s.params.Addr(), ErrConnection, err)
	}

	s.exts = exts
	s.log.WithField("extensions", len(exts)).Debug("sftp version negotiated")

	go s.recvLoop()

	s.setState(StateReady)

	return s, nil
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
	s.log.WithField("state", state).Debug("session state")
}

// State returns the current lifecycle state of the Session.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Params returns the connection parameters the Session was opened with.
func (s *Session) Params() ConnectionParameters {
	return s.params
}

// Extensions returns the extensions announced by the server during version negotiation.
func (s *Session) Extensions() map[string]string {
	exts := make(map[string]string, len(s.exts))
	for name, data := range s.exts {
		exts[name] = data
	}
	return exts
}

// HasExtension reports whether the server announced the named extension.
func (s *Session) HasExtension(name string) bool {
	_, ok := s.exts[name]
	return ok
}

func (s *Session) recvLoop() {
	err := s.conn.recvLoop(s.maxPacket)

	if !s.state.CompareAndSwap(int32(StateReady), int32(StateFailed)) {
		// Closed (or racing a Close): the read failure is the expected consequence.
		return
	}

	s.log.WithError(err).Debug("session failed")
	s.conn.disconnect(err)
	s.forgetFiles()
}

// Close ends the Session.
// Every pending and every subsequent operation on the Session or its Files fails with ErrSessionClosed.
// Calling Close more than once is not an error.
func (s *Session) Close() error {
	if !s.state.CompareAndSwap(int32(StateReady), int32(StateClosed)) {
		return nil
	}

	s.log.WithField("state", StateClosed).Debug("session state")

	s.conn.disconnect(ErrSessionClosed)
	s.forgetFiles()

	return nil
}

// Wait blocks until the Session is closed or failed.
// It returns nil if the Session was closed, or the cause of the failure.
func (s *Session) Wait() error {
	if s.conn.closed == nil {
		return &Error{Op: "wait", Kind: ErrSessionNotReady}
	}

	err := s.conn.Wait()
	if err == ErrSessionClosed {
		return nil
	}
	return err
}

// checkReady returns an error if operations can not be performed on the Session.
func (s *Session) checkReady(op, path string) error {
	switch s.State() {
	case StateReady:
		return nil

	case StateClosed, StateFailed:
		var cause error
		if err := s.conn.Wait(); err != ErrSessionClosed {
			cause = err
		}

		return &Error{Op: op, Path: path, Kind: ErrSessionClosed, Err: cause}

	default:
		return &Error{Op: op, Path: path, Kind: ErrSessionNotReady}
	}
}

// protocolViolation fails the Session, because the server has sent something it should not have.
func (s *Session) protocolViolation(err error) error {
	err = &Error{Op: "recv", Kind: ErrProtocol, Err: err}

	if s.state.CompareAndSwap(int32(StateReady), int32(StateFailed)) {
		s.log.WithError(err).Debug("session failed")
		s.conn.disconnect(err)
		s.forgetFiles()
	}

	return err
}

// send dispatches req, and waits for its response.
// A response of kind ErrProtocol fails the whole Session.
func (s *Session) send(ctx context.Context, req sshfx.PacketMarshaller) (*sshfx.RawPacket, error) {
	raw, err := s.conn.send(ctx, req)
	if err != nil {
		if e, ok := err.(*Error); ok && e.Kind == ErrProtocol {
			return nil, s.protocolViolation(e.Err)
		}

		return nil, err
	}

	return raw, nil
}

type respPacket[PKT any] interface {
	*PKT
	sshfx.Packet
}

func getPacket[PKT any, P respPacket[PKT]](ctx context.Context, s *Session, req sshfx.PacketMarshaller) (*PKT, error) {
	raw, err := s.send(ctx, req)
	if err != nil {
		return nil, err
	}
	defer s.conn.returnRaw(raw)

	var resp P

	switch raw.PacketType {
	case resp.Type():
		resp = new(PKT)
		if err := resp.UnmarshalPacketBody(&raw.Data); err != nil {
			return nil, s.protocolViolation(err)
		}

		return resp, nil

	case sshfx.PacketTypeStatus:
		var status sshfx.StatusPacket
		if err := status.UnmarshalPacketBody(&raw.Data); err != nil {
			return nil, s.protocolViolation(err)
		}

		return nil, statusToError(&status, false)

	default:
		return nil, s.protocolViolation(&sshfx.UnexpectedPacketError{Want: resp.Type(), Got: raw.PacketType})
	}
}

// sendPacket sends req, and expects an SSH_FX_OK status in response.
func (s *Session) sendPacket(ctx context.Context, req sshfx.PacketMarshaller) error {
	raw, err := s.send(ctx, req)
	if err != nil {
		return err
	}
	defer s.conn.returnRaw(raw)

	switch raw.PacketType {
	case sshfx.PacketTypeStatus:
		var status sshfx.StatusPacket
		if err := status.UnmarshalPacketBody(&raw.Data); err != nil {
			return s.protocolViolation(err)
		}

		return statusToError(&status, true)

	default:
		return s.protocolViolation(&sshfx.UnexpectedPacketError{Want: sshfx.PacketTypeStatus, Got: raw.PacketType})
	}
}

// sendRead reads into resp.Data, which must be preallocated to the requested length.
// It returns the number of bytes read.
func (s *Session) sendRead(ctx context.Context, req *sshfx.ReadPacket, resp *sshfx.DataPacket) (int, error) {
	raw, err := s.send(ctx, req)
	if err != nil {
		return 0, err
	}
	defer s.conn.returnRaw(raw)

	switch raw.PacketType {
	case sshfx.PacketTypeData:
		if err := resp.UnmarshalPacketBody(&raw.Data); err != nil {
			return 0, s.protocolViolation(err)
		}

		if uint32(len(resp.Data)) > req.Length {
			return 0, s.protocolViolation(fmt.Errorf("read returned %d bytes, more than the %d requested", len(resp.Data), req.Length))
		}

		return len(resp.Data), nil

	case sshfx.PacketTypeStatus:
		var status sshfx.StatusPacket
		if err := status.UnmarshalPacketBody(&raw.Data); err != nil {
			return 0, s.protocolViolation(err)
		}

		return 0, statusToError(&status, false)

	default:
		return 0, s.protocolViolation(&sshfx.UnexpectedPacketError{Want: sshfx.PacketTypeData, Got: raw.PacketType})
	}
}

// closeHandle releases a server side handle.
//
// Do not pipe a context through here:
// even on a cancelled codepath, the SSH_FXP_CLOSE packet must still be sent.
func (s *Session) closeHandle(handle string) error {
	return s.sendPacket(context.Background(), &sshfx.ClosePacket{
		Handle: handle,
	})
}

func (s *Session) track(f *File) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.files != nil {
		s.files[f] = struct{}{}
	}
}

func (s *Session) untrack(f *File) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.files, f)
}

func (s *Session) forgetFiles() {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.files)
}

// openFiles returns the number of Files opened and not yet closed.
func (s *Session) openFiles() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.files)
}

// RealPath canonicalizes name on the server, resolving relative paths against the login directory.
func (s *Session) RealPath(ctx context.Context, name string) (string, error) {
	if err := s.checkReady("realpath", name); err != nil {
		return "", err
	}

	pkt, err := getPacket[sshfx.NamePacket](ctx, s, &sshfx.RealPathPacket{
		Path: name,
	})
	if err != nil {
		return "", wrapErr("realpath", name, ErrIO, err)
	}

	if len(pkt.Entries) != 1 {
		return "", s.protocolViolation(fmt.Errorf("realpath: expected 1 name, got %d", len(pkt.Entries)))
	}

	return pkt.Entries[0].Filename, nil
}

// Remove removes the named file.
func (s *Session) Remove(ctx context.Context, name string) error {
	if err := s.checkReady("remove", name); err != nil {
		return err
	}

	return wrapErr("remove", name, ErrIO, s.sendPacket(ctx, &sshfx.RemovePacket{
		Path: name,
	}))
}

// Mkdir creates the named directory with the given permissions.
// The parent directory must already exist.
func (s *Session) Mkdir(ctx context.Context, name string, perm fs.FileMode) error {
	if err := s.checkReady("mkdir", name); err != nil {
		return err
	}

	return wrapErr("mkdir", name, ErrIO, s.sendPacket(ctx, &sshfx.MkdirPacket{
		Path: name,
		Attrs: sshfx.Attributes{
			Flags:       sshfx.AttrPermissions,
			Permissions: sshfx.FileMode(perm.Perm()),
		},
	}))
}
