package sftp

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sshfx "github.com/paras-lalchandani/sftptogo/encoding/ssh/filexfer"
)

func TestConnect(t *testing.T) {
	mt := newMemTransport()

	s := connectMem(t, mt)

	assert.Equal(t, StateReady, s.State())
	assert.EqualValues(t, 1, mt.opened.Load(), "exactly one channel per connect")
	assert.Equal(t, "example.test", s.Params().Host)
	assert.NotNil(t, s.Extensions())

	s2 := connectMem(t, mt)
	assert.Equal(t, StateReady, s2.State())
	assert.EqualValues(t, 2, mt.opened.Load())
}

func TestConnectErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*ConnectionParameters)
		kind   error
		opened int32
	}{
		{
			name:   "unreachable host",
			modify: func(p *ConnectionParameters) { p.Host = "unreachable.test" },
			kind:   ErrConnection,
			opened: 0,
		},
		{
			name:   "bad password",
			modify: func(p *ConnectionParameters) { p.Password = "hunter2" },
			kind:   ErrAuthentication,
			opened: 0,
		},
		{
			name:   "missing user",
			modify: func(p *ConnectionParameters) { p.User = "" },
			kind:   ErrInvalidArgument,
			opened: 0,
		},
		{
			name:   "port out of range",
			modify: func(p *ConnectionParameters) { p.Port = 65536 },
			kind:   ErrInvalidArgument,
			opened: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mt := newMemTransport()

			params := testParams()
			tt.modify(params)

			s, err := Connect(context.Background(), params, WithTransport(mt), WithLogger(testLogger(t)))
			require.Error(t, err)
			assert.Nil(t, s)
			assert.ErrorIs(t, err, tt.kind)

			var e *Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, "connect", e.Op)

			assert.Equal(t, tt.opened, mt.opened.Load())
		})
	}
}

func TestConnectAuthIsNotConnectionError(t *testing.T) {
	params := testParams()
	params.Password = "wrong"

	_, err := Connect(context.Background(), params, WithTransport(newMemTransport()), WithLogger(testLogger(t)))
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.NotErrorIs(t, err, ErrConnection)
}

func TestSessionClose(t *testing.T) {
	ctx := context.Background()

	mt := newMemTransport()
	putFile(t, mt, "/data.bin", []byte("some data"))

	s := connectMem(t, mt)

	r, err := s.Open(ctx, "/data.bin", ModeRead)
	require.NoError(t, err)

	w, err := s.Create(ctx, "/out.bin")
	require.NoError(t, err)

	assert.Equal(t, 2, s.openFiles())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "second close must be silent")

	assert.Equal(t, StateClosed, s.State())
	assert.NoError(t, s.Wait())

	_, err = s.Stat(ctx, "/data.bin")
	assert.ErrorIs(t, err, ErrSessionClosed)

	_, err = s.RealPath(ctx, ".")
	assert.ErrorIs(t, err, ErrSessionClosed)

	_, err = s.Open(ctx, "/data.bin", ModeRead)
	assert.ErrorIs(t, err, ErrSessionClosed)

	_, err = s.ReadDir(ctx, "/")
	assert.ErrorIs(t, err, ErrSessionClosed)

	assert.ErrorIs(t, s.Remove(ctx, "/data.bin"), ErrSessionClosed)
	assert.ErrorIs(t, s.Mkdir(ctx, "/dir", 0o755), ErrSessionClosed)

	_, err = r.Read(make([]byte, 4))
	assert.ErrorIs(t, err, ErrSessionClosed)

	_, err = w.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrSessionClosed)

	_, err = r.Stat()
	assert.ErrorIs(t, err, ErrSessionClosed)

	assert.ErrorIs(t, r.Close(), ErrSessionClosed)
	assert.ErrorIs(t, w.Close(), ErrSessionClosed)

	assert.Equal(t, FileClosed, r.State())
	assert.Equal(t, FileClosed, w.State())
	assert.Zero(t, s.openFiles())

	res, err := s.Download(ctx, "/data.bin", io.Discard)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Equal(t, Failure, res.Outcome)
}

func TestSessionNotReady(t *testing.T) {
	ctx := context.Background()

	var s Session

	assert.Equal(t, StateDisconnected, s.State())

	_, err := s.Stat(ctx, "/")
	assert.ErrorIs(t, err, ErrSessionNotReady)

	_, err = s.Open(ctx, "/x", ModeRead)
	assert.ErrorIs(t, err, ErrSessionNotReady)

	for _, err := range s.List(ctx, "/") {
		assert.ErrorIs(t, err, ErrSessionNotReady)
	}

	assert.ErrorIs(t, s.Wait(), ErrSessionNotReady)
	assert.NoError(t, s.Close())
}

// rawServe speaks just enough of the server side of the protocol to drive a Session.
// Every request after the version negotiation is answered with whatever reply returns.
func rawServe(reply func(req *sshfx.RawPacket) (uint32, sshfx.PacketMarshaller)) func(conn net.Conn) {
	return func(conn net.Conn) {
		defer conn.Close()

		var initPkt sshfx.RawPacket
		if err := initPkt.ReadFrom(conn, nil, sshfx.DefaultMaxPacketLength); err != nil {
			return
		}

		ver, _ := (&sshfx.VersionPacket{
			Version: sshfx.ProtocolVersion,
			Extensions: []*sshfx.ExtensionPair{
				{Name: "fake@example.test", Data: "1"},
			},
		}).MarshalBinary()

		if _, err := conn.Write(ver); err != nil {
			return
		}

		for {
			var req sshfx.RawPacket
			if err := req.ReadFrom(conn, nil, sshfx.DefaultMaxPacketLength); err != nil {
				return
			}

			reqid, pkt := reply(&req)

			b, err := sshfx.ComposePacket(pkt.MarshalPacket(reqid, nil))
			if err != nil {
				return
			}

			if _, err := conn.Write(b); err != nil {
				return
			}
		}
	}
}

func connectRaw(t *testing.T, reply func(req *sshfx.RawPacket) (uint32, sshfx.PacketMarshaller)) *Session {
	t.Helper()

	s, err := Connect(context.Background(), testParams(),
		WithTransport(&pipeTransport{serve: rawServe(reply)}),
		WithLogger(testLogger(t)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func TestExtensions(t *testing.T) {
	s := connectRaw(t, func(req *sshfx.RawPacket) (uint32, sshfx.PacketMarshaller) {
		return req.RequestID, &sshfx.StatusPacket{StatusCode: sshfx.StatusOK}
	})

	assert.Equal(t, map[string]string{"fake@example.test": "1"}, s.Extensions())
	assert.True(t, s.HasExtension("fake@example.test"))
	assert.False(t, s.HasExtension("posix-rename@openssh.com"))
}

func TestUnknownRequestID(t *testing.T) {
	ctx := context.Background()

	s := connectRaw(t, func(req *sshfx.RawPacket) (uint32, sshfx.PacketMarshaller) {
		return req.RequestID + 1000, &sshfx.StatusPacket{StatusCode: sshfx.StatusOK}
	})

	err := s.Remove(ctx, "/foo")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)

	assert.Equal(t, StateFailed, s.State())
	assert.ErrorIs(t, s.Wait(), ErrProtocol)

	_, err = s.Stat(ctx, "/foo")
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, err, ErrProtocol, "the failure cause is kept")

	assert.NoError(t, s.Close())
	assert.Equal(t, StateFailed, s.State())
}

func TestUnexpectedPacketType(t *testing.T) {
	ctx := context.Background()

	s := connectRaw(t, func(req *sshfx.RawPacket) (uint32, sshfx.PacketMarshaller) {
		return req.RequestID, &sshfx.HandlePacket{Handle: "1"}
	})

	_, err := s.Stat(ctx, "/foo")
	assert.ErrorIs(t, err, ErrProtocol)

	var unexpected *sshfx.UnexpectedPacketError
	require.ErrorAs(t, err, &unexpected)
	assert.Equal(t, sshfx.PacketTypeAttrs, unexpected.Want)
	assert.Equal(t, sshfx.PacketTypeHandle, unexpected.Got)

	assert.Equal(t, StateFailed, s.State())
}

func TestStatusErrors(t *testing.T) {
	ctx := context.Background()

	codes := map[string]sshfx.Status{
		"/missing": sshfx.StatusNoSuchFile,
		"/secret":  sshfx.StatusPermissionDenied,
		"/broken":  sshfx.StatusFailure,
	}

	s := connectRaw(t, func(req *sshfx.RawPacket) (uint32, sshfx.PacketMarshaller) {
		var pkt sshfx.RemovePacket
		if err := pkt.UnmarshalPacketBody(&req.Data); err != nil {
			return req.RequestID, &sshfx.StatusPacket{StatusCode: sshfx.StatusBadMessage}
		}

		return req.RequestID, &sshfx.StatusPacket{
			StatusCode:   codes[pkt.Path],
			ErrorMessage: "nope",
		}
	})

	err := s.Remove(ctx, "/missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.Remove(ctx, "/secret")
	assert.ErrorIs(t, err, ErrPermission)

	err = s.Remove(ctx, "/broken")
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, sshfx.StatusFailure)

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "remove", e.Op)
	assert.Equal(t, "/broken", e.Path)

	assert.NoError(t, s.Remove(ctx, "/fine"))

	// Per-operation errors leave the Session usable.
	assert.Equal(t, StateReady, s.State())
}

func TestRealPathMkdirRemove(t *testing.T) {
	ctx := context.Background()

	s := connectMem(t, newMemTransport())

	p, err := s.RealPath(ctx, ".")
	require.NoError(t, err)
	assert.Equal(t, "/", p)

	require.NoError(t, s.Mkdir(ctx, "/dir", 0o755))

	ent, err := s.Stat(ctx, "/dir")
	require.NoError(t, err)
	assert.True(t, ent.IsDir())
	assert.Equal(t, "dir", ent.Name())

	f, err := s.Create(ctx, "/dir/file")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, s.Remove(ctx, "/dir/file"))

	_, err = s.Stat(ctx, "/dir/file")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, errors.Is(err, fs.ErrNotExist), "the status cause is kept")
}

func inflight(s *Session) int {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()

	return len(s.conn.inflight)
}

// stallServe negotiates the version, and then either stops reading altogether,
// or keeps reading requests without ever answering them.
func stallServe(readRequests bool, stop <-chan struct{}) func(conn net.Conn) {
	return func(conn net.Conn) {
		defer conn.Close()

		var initPkt sshfx.RawPacket
		if err := initPkt.ReadFrom(conn, nil, sshfx.DefaultMaxPacketLength); err != nil {
			return
		}

		ver, _ := (&sshfx.VersionPacket{Version: sshfx.ProtocolVersion}).MarshalBinary()
		if _, err := conn.Write(ver); err != nil {
			return
		}

		if !readRequests {
			<-stop
			return
		}

		io.Copy(io.Discard, conn)
	}
}

func TestCloseWithPendingRequest(t *testing.T) {
	tests := []struct {
		name         string
		readRequests bool
	}{
		{name: "server stopped reading", readRequests: false},
		{name: "server never replies", readRequests: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stop := make(chan struct{})
			defer close(stop)

			s, err := Connect(context.Background(), testParams(),
				WithTransport(&pipeTransport{serve: stallServe(tt.readRequests, stop)}),
				WithLogger(testLogger(t)),
			)
			require.NoError(t, err)

			errch := make(chan error, 1)
			go func() {
				errch <- s.Remove(context.Background(), "/pending")
			}()

			require.Eventually(t, func() bool { return inflight(s) == 1 }, 5*time.Second, time.Millisecond)

			closed := make(chan error, 1)
			go func() {
				closed <- s.Close()
			}()

			select {
			case err := <-closed:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("Close blocked behind a pending request")
			}

			select {
			case err := <-errch:
				assert.ErrorIs(t, err, ErrSessionClosed)
			case <-time.After(5 * time.Second):
				t.Fatal("pending request never completed")
			}

			assert.Equal(t, StateClosed, s.State())
			assert.Zero(t, inflight(s))
		})
	}
}

func TestCancelledRequestLateResponse(t *testing.T) {
	release := make(chan struct{})
	first := true

	s := connectRaw(t, func(req *sshfx.RawPacket) (uint32, sshfx.PacketMarshaller) {
		if first {
			first = false
			<-release
		}

		return req.RequestID, &sshfx.StatusPacket{StatusCode: sshfx.StatusOK}
	})

	ctx, cancel := context.WithCancel(context.Background())

	errch := make(chan error, 1)
	go func() {
		errch <- s.Remove(ctx, "/slow")
	}()

	require.Eventually(t, func() bool { return inflight(s) == 1 }, 5*time.Second, time.Millisecond)
	cancel()

	err := <-errch
	assert.ErrorIs(t, err, context.Canceled)

	// The late response still matches a registered request, so it must not fail the Session.
	close(release)

	require.NoError(t, s.Remove(context.Background(), "/fast"))
	assert.Equal(t, StateReady, s.State())
	assert.Zero(t, inflight(s))
}
