package sftp

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	pkgsftp "github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

var errInjected = errors.New("injected fault")

// memTransport serves every channel it opens from one in-memory filesystem,
// using the request server of github.com/pkg/sftp over a net.Pipe.
type memTransport struct {
	host, user, password string

	handlers pkgsftp.Handlers
	opened   atomic.Int32
}

func newMemTransport() *memTransport {
	return &memTransport{
		host:     "example.test",
		user:     "alice",
		password: "secret",
		handlers: pkgsftp.InMemHandler(),
	}
}

func (mt *memTransport) OpenChannel(ctx context.Context, params *ConnectionParameters) (Channel, error) {
	if params.Host != mt.host {
		return nil, &Error{Op: "dial", Path: params.Addr(), Kind: ErrConnection, Err: errors.New("no such host")}
	}

	if params.User != mt.user || params.Password != mt.password {
		return nil, &Error{Op: "auth", Path: params.String(), Kind: ErrAuthentication, Err: errors.New("bad credentials")}
	}

	client, server := net.Pipe()

	rs := pkgsftp.NewRequestServer(server, mt.handlers)
	go func() {
		rs.Serve()
		rs.Close()
	}()

	mt.opened.Add(1)

	return client, nil
}

func testParams() *ConnectionParameters {
	return &ConnectionParameters{
		Host:     "example.test",
		Port:     DefaultPort,
		User:     "alice",
		Password: "secret",
	}
}

func testLogger(t testing.TB) logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	log.SetLevel(logrus.DebugLevel)
	return log.WithField("test", t.Name())
}

// connectMem connects a Session to mt, which is closed when the test ends.
func connectMem(t testing.TB, mt *memTransport, opts ...SessionOption) *Session {
	t.Helper()

	opts = append([]SessionOption{WithTransport(mt), WithLogger(testLogger(t))}, opts...)

	s, err := Connect(context.Background(), testParams(), opts...)
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })

	return s
}

// putFile writes content to name through a second Session.
func putFile(t testing.TB, mt *memTransport, name string, content []byte) {
	t.Helper()

	s := connectMem(t, mt)

	f, err := s.Create(context.Background(), name)
	require.NoError(t, err)

	_, err = f.Write(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, s.Close())
}

// faultyHandlers returns in-memory handlers where every opened file fails
// its reads after okReads successful ReadAt calls, and its writes after okWrites successful WriteAt calls.
// A negative count never fails.
func faultyHandlers(okReads, okWrites int) pkgsftp.Handlers {
	h := pkgsftp.InMemHandler()

	h.FileGet = &faultyGetter{FileReader: h.FileGet, ok: okReads}
	h.FilePut = &faultyPutter{FileWriter: h.FilePut, ok: okWrites}

	return h
}

type faultyGetter struct {
	pkgsftp.FileReader
	ok int
}

func (g *faultyGetter) Fileread(r *pkgsftp.Request) (io.ReaderAt, error) {
	ra, err := g.FileReader.Fileread(r)
	if err != nil {
		return nil, err
	}

	return &faultyReaderAt{ReaderAt: ra, remaining: g.ok}, nil
}

type faultyReaderAt struct {
	io.ReaderAt

	mu        sync.Mutex
	remaining int
}

func (f *faultyReaderAt) ReadAt(b []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.remaining == 0 {
		return 0, errInjected
	}
	f.remaining--

	return f.ReaderAt.ReadAt(b, off)
}

type faultyPutter struct {
	pkgsftp.FileWriter
	ok int
}

func (p *faultyPutter) Filewrite(r *pkgsftp.Request) (io.WriterAt, error) {
	wa, err := p.FileWriter.Filewrite(r)
	if err != nil {
		return nil, err
	}

	return &faultyWriterAt{WriterAt: wa, remaining: p.ok}, nil
}

type faultyWriterAt struct {
	io.WriterAt

	mu        sync.Mutex
	remaining int
}

func (f *faultyWriterAt) WriteAt(b []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.remaining == 0 {
		return 0, errInjected
	}
	f.remaining--

	return f.WriterAt.WriteAt(b, off)
}

// pipeTransport hands out one end of a net.Pipe, and the other end to serve.
type pipeTransport struct {
	serve func(conn net.Conn)
}

func (pt *pipeTransport) OpenChannel(ctx context.Context, params *ConnectionParameters) (Channel, error) {
	client, server := net.Pipe()
	go pt.serve(server)
	return client, nil
}

// sshServer is a real ssh server on a loopback port, serving the sftp subsystem from memory.
type sshServer struct {
	addr     string
	port     int
	password string
	keys     []ssh.PublicKey
	hostKey  ssh.PublicKey

	mu       sync.Mutex
	attempts []string // auth methods tried, in order
}

func newSSHServer(t testing.TB, password string, authorized ...ssh.PublicKey) *sshServer {
	t.Helper()

	srv := &sshServer{
		password: password,
		keys:     authorized,
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			srv.record("password")

			if srv.password != "" && string(password) == srv.password {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", conn.User())
		},
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			srv.record("publickey:" + ssh.FingerprintSHA256(key))

			for _, k := range srv.keys {
				if string(k.Marshal()) == string(key.Marshal()) {
					return nil, nil
				}
			}
			return nil, fmt.Errorf("unknown public key for %q", conn.User())
		},
	}

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	hostSigner, err := ssh.NewSignerFromKey(hostKey)
	require.NoError(t, err)
	config.AddHostKey(hostSigner)
	srv.hostKey = hostSigner.PublicKey()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	srv.addr = l.Addr().String()
	srv.port = l.Addr().(*net.TCPAddr).Port

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}

			go srv.serve(conn, config)
		}
	}()

	return srv
}

func (srv *sshServer) record(method string) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	srv.attempts = append(srv.attempts, method)
}

func (srv *sshServer) tried() []string {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	return append([]string(nil), srv.attempts...)
}

func (srv *sshServer) params(user string) *ConnectionParameters {
	return &ConnectionParameters{
		Host: "127.0.0.1",
		Port: srv.port,
		User: user,
	}
}

func (srv *sshServer) serve(conn net.Conn, config *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}

		go func(in <-chan *ssh.Request) {
			for req := range in {
				ok := req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp"
				req.Reply(ok, nil)

				if ok {
					rs := pkgsftp.NewRequestServer(channel, pkgsftp.InMemHandler())
					go func() {
						rs.Serve()
						rs.Close()
					}()
				}
			}
		}(requests)
	}
}

// writeKey generates an ed25519 key, writes the private key in OpenSSH format to a file in dir,
// and returns the path, the private key and the public key.
func writeKey(t testing.TB, dir, name string) (string, ed25519.PrivateKey, ssh.PublicKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))

	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)

	return path, priv, sshPub
}
