package sftp

import (
	"context"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	sshagent "github.com/xanzy/ssh-agent"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Channel is a bidirectional byte stream carrying the SFTP subsystem.
//
// Closing a Channel must unblock any pending Read.
type Channel interface {
	io.Reader
	io.WriteCloser
}

// Transport opens the secure channel a Session runs the SFTP protocol over.
//
// Errors returned by OpenChannel should be classified as ErrConnection or ErrAuthentication.
type Transport interface {
	OpenChannel(ctx context.Context, params *ConnectionParameters) (Channel, error)
}

// SSHTransport is the default Transport,
// which dials a TCP connection and requests the sftp subsystem over SSH.
type SSHTransport struct {
	// HostKeyCallback, if set, verifies the server host key,
	// overriding ConnectionParameters.KnownHostsPath.
	HostKeyCallback ssh.HostKeyCallback

	// Agent returns the ssh-agent used when ConnectionParameters.AllowAgentAuth is set,
	// along with a Closer to release it once the handshake is done.
	// The default connects to the running ssh-agent or Pageant.
	Agent func() (agent.Agent, io.Closer, error)

	Log logrus.FieldLogger
}

func (t *SSHTransport) log() logrus.FieldLogger {
	if t.Log == nil {
		return logrus.StandardLogger()
	}

	return t.Log
}

// OpenChannel implements Transport.
func (t *SSHTransport) OpenChannel(ctx context.Context, params *ConnectionParameters) (Channel, error) {
	addr := params.Addr()
	log := t.log().WithField("addr", addr)

	auths, agentCloser, err := t.authMethods(params)
	if agentCloser != nil {
		defer agentCloser.Close()
	}
	if err != nil {
		return nil, err
	}

	hostKeyCallback, err := t.hostKeyCallback(params)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            params.User,
		Auth:            auths,
		HostKeyCallback: hostKeyCallback,
		Timeout:         params.timeout(),
	}

	ctx, cancel := context.WithTimeout(ctx, config.Timeout)
	defer cancel()

	log.Debug("dialing")

	d := net.Dialer{Timeout: config.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &Error{Op: "dial", Path: addr, Kind: ErrConnection, Err: err}
	}

	// The ssh handshake has no context support, so bound it with a deadline instead.
	deadline, _ := ctx.Deadline()
	_ = conn.SetDeadline(deadline)

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()

		// x/crypto/ssh has no typed client side error for exhausted auth methods,
		// only this message from its auth loop.
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, &Error{Op: "auth", Path: params.String(), Kind: ErrAuthentication, Err: err}
		}

		return nil, &Error{Op: "handshake", Path: addr, Kind: ErrConnection, Err: err}
	}

	_ = conn.SetDeadline(time.Time{})

	client := ssh.NewClient(c, chans, reqs)

	ch, err := newSSHChannel(client)
	if err != nil {
		client.Close()
		return nil, &Error{Op: "subsystem", Path: addr, Kind: ErrConnection, Err: err}
	}

	log.Debug("sftp subsystem started")

	return ch, nil
}

// authMethods builds the authentication methods for params.
//
// The ssh client tries every method type only once,
// so all key file and agent signers are offered through a single publickey method,
// with the key files first.
func (t *SSHTransport) authMethods(params *ConnectionParameters) ([]ssh.AuthMethod, io.Closer, error) {
	if params.Password != "" {
		password := params.Password

		return []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		}, nil, nil
	}

	log := t.log().WithField("user", params.User)

	var signers []ssh.Signer

	for _, path := range params.PrivateKeyPaths {
		signer, err := loadPrivateKey(path, params.KeyPassphrase)
		if err != nil {
			log.WithError(err).WithField("path", path).Warn("skipping private key")
			continue
		}

		signers = append(signers, signer)
	}

	var closer io.Closer

	if params.AllowAgentAuth {
		getAgent := t.Agent
		if getAgent == nil {
			getAgent = defaultAgent
		}

		ag, c, err := getAgent()
		if err != nil {
			log.WithError(err).Debug("ssh-agent unavailable")
		} else {
			closer = c

			agentSigners, err := ag.Signers()
			if err != nil {
				log.WithError(err).Warn("couldn't list ssh-agent keys")
			}

			log.Debugf("using %d keys from ssh-agent", len(agentSigners))
			signers = append(signers, agentSigners...)
		}
	}

	if len(signers) == 0 {
		return nil, closer, &Error{
			Op:   "auth",
			Path: params.String(),
			Kind: ErrAuthentication,
			Err:  errors.New("no authentication methods available"),
		}
	}

	return []ssh.AuthMethod{ssh.PublicKeys(signers...)}, closer, nil
}

func (t *SSHTransport) hostKeyCallback(params *ConnectionParameters) (ssh.HostKeyCallback, error) {
	if t.HostKeyCallback != nil {
		return t.HostKeyCallback, nil
	}

	if params.KnownHostsPath == "" {
		t.log().WithField("host", params.Host).Warn("host key verification disabled")
		return ssh.InsecureIgnoreHostKey(), nil
	}

	path, err := homedir.Expand(params.KnownHostsPath)
	if err != nil {
		return nil, &Error{Op: "known_hosts", Path: params.KnownHostsPath, Kind: ErrInvalidArgument, Err: err}
	}

	callback, err := knownhosts.New(path)
	if err != nil {
		return nil, &Error{Op: "known_hosts", Path: path, Kind: ErrConnection, Err: err}
	}

	return callback, nil
}

func loadPrivateKey(path, passphrase string) (ssh.Signer, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't expand key path")
	}

	key, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't read private key")
	}

	signer, err := ssh.ParsePrivateKey(key)
	if _, ok := err.(*ssh.PassphraseMissingError); ok && passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
	}
	if err != nil {
		return nil, errors.Wrap(err, "couldn't parse private key")
	}

	return signer, nil
}

func defaultAgent() (agent.Agent, io.Closer, error) {
	if !sshagent.Available() {
		return nil, nil, errors.New("ssh-agent not available")
	}

	ag, conn, err := sshagent.New()
	if err != nil {
		return nil, nil, errors.Wrap(err, "couldn't connect to ssh-agent")
	}

	if conn == nil {
		// Pageant has no connection to release.
		return ag, nil, nil
	}

	return ag, conn, nil
}

// sshChannel is the stdin/stdout pair of an ssh session running the sftp subsystem.
type sshChannel struct {
	client  *ssh.Client
	session *ssh.Session

	io.Reader
	w io.WriteCloser
}

func newSSHChannel(client *ssh.Client) (*sshChannel, error) {
	s, err := client.NewSession()
	if err != nil {
		return nil, err
	}

	w, err := s.StdinPipe()
	if err != nil {
		s.Close()
		return nil, err
	}

	r, err := s.StdoutPipe()
	if err != nil {
		s.Close()
		return nil, err
	}

	if err := s.RequestSubsystem("sftp"); err != nil {
		s.Close()
		return nil, err
	}

	return &sshChannel{
		client:  client,
		session: s,
		Reader:  r,
		w:       w,
	}, nil
}

func (c *sshChannel) Write(b []byte) (int, error) {
	return c.w.Write(b)
}

func (c *sshChannel) Close() error {
	err := c.w.Close()
	c.session.Close()

	if cerr := c.client.Close(); err == nil {
		err = cerr
	}

	return err
}
