// Package submitter delivers harvested flags into the engine's private
// submission port through an ssh tunnel opened on a team's host.
package submitter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/signalsfoundry/ad-ctf-simulator/internal/logging"
)

// ErrSubmission marks a flag batch that could not be delivered. The batch is
// lost; Submit never retries.
var ErrSubmission = errors.New("flag submission failed")

const (
	// SubmissionPort is the engine's private flag submission port.
	SubmissionPort = 1337
	sshPort        = 22
	dialTimeout    = 10 * time.Second

	// submitTimeout bounds a whole Submit call when ctx carries no deadline.
	submitTimeout = 30 * time.Second
)

// Session is an authenticated remote-shell session able to open direct
// tunnels. *ssh.Client satisfies it.
type Session interface {
	Dial(network, addr string) (net.Conn, error)
	Close() error
}

// SessionDialer opens a Session to addr.
type SessionDialer func(ctx context.Context, addr string, cfg *ssh.ClientConfig) (Session, error)

// Config describes how to reach team hosts and the engine.
type Config struct {
	User         string
	Signer       ssh.Signer
	EngineAddr   string // engine private address
	EnginePort   int
	HostKeyCheck ssh.HostKeyCallback
}

// Submitter relays flag batches. It keeps no state between calls and is safe
// for concurrent use.
type Submitter struct {
	cfg  Config
	dial SessionDialer
	log  logging.Logger
}

// Option customises a Submitter.
type Option func(*Submitter)

// WithDialer replaces the ssh dialer, mainly for tests.
func WithDialer(d SessionDialer) Option {
	return func(s *Submitter) {
		if d != nil {
			s.dial = d
		}
	}
}

// New builds a Submitter.
func New(cfg Config, log logging.Logger, opts ...Option) (*Submitter, error) {
	if cfg.User == "" {
		return nil, errors.New("submitter: login user is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("submitter: private key is required")
	}
	if cfg.EngineAddr == "" {
		return nil, errors.New("submitter: engine address is required")
	}
	if cfg.EnginePort == 0 {
		cfg.EnginePort = SubmissionPort
	}
	if cfg.HostKeyCheck == nil {
		// Team hosts are freshly provisioned VMs with unknown host keys.
		cfg.HostKeyCheck = ssh.InsecureIgnoreHostKey()
	}
	if log == nil {
		log = logging.Noop()
	}
	s := &Submitter{cfg: cfg, dial: dialSSH, log: log}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// LoadSigner reads and parses a private key file.
func LoadSigner(path string) (ssh.Signer, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", path, err)
	}
	return signer, nil
}

// Payload renders flags newline-joined with a trailing newline.
func Payload(flags []string) []byte {
	return []byte(strings.Join(flags, "\n") + "\n")
}

// Submit writes flags to the engine through a tunnel on host. flags must be
// non-empty. The session and tunnel are closed on every path.
func (s *Submitter) Submit(ctx context.Context, host string, flags []string) (err error) {
	if len(flags) == 0 {
		return fmt.Errorf("%w: empty flag batch for %s", ErrSubmission, host)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, submitTimeout)
		defer cancel()
	}

	clientCfg := &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(s.cfg.Signer)},
		HostKeyCallback: s.cfg.HostKeyCheck,
		Timeout:         dialTimeout,
	}

	session, err := s.dial(ctx, net.JoinHostPort(host, strconv.Itoa(sshPort)), clientCfg)
	if err != nil {
		return fmt.Errorf("%w: ssh to %s: %v", ErrSubmission, host, err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil && !errors.Is(cerr, io.EOF) {
			s.log.Debug(ctx, "closing ssh session", logging.String("host", host), logging.Err(cerr))
		}
	}()

	engine := net.JoinHostPort(s.cfg.EngineAddr, strconv.Itoa(s.cfg.EnginePort))
	tunnel, err := s.openTunnel(ctx, session, engine)
	if err != nil {
		return fmt.Errorf("%w: tunnel %s -> %s: %v", ErrSubmission, host, engine, err)
	}
	defer tunnel.Close()

	payload := Payload(flags)
	n, err := writeTunnel(ctx, tunnel, payload)
	if err != nil {
		return fmt.Errorf("%w: write to %s via %s: %v", ErrSubmission, engine, host, err)
	}
	if n != len(payload) {
		return fmt.Errorf("%w: short write to %s via %s: %d of %d bytes", ErrSubmission, engine, host, n, len(payload))
	}

	s.log.Debug(ctx, "submitted flags",
		logging.String("host", host),
		logging.Int("flags", len(flags)),
	)
	return nil
}

// openTunnel opens the direct-tcpip channel, giving up when ctx ends first.
func (s *Submitter) openTunnel(ctx context.Context, session Session, addr string) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := session.Dial("tcp", addr)
		ch <- result{conn: conn, err: err}
	}()
	select {
	case <-ctx.Done():
		// The deferred session close unblocks the pending Dial; drop its conn.
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		return r.conn, r.err
	}
}

// writeTunnel writes payload, closing the tunnel when ctx ends first. ssh
// channels ignore write deadlines.
func writeTunnel(ctx context.Context, tunnel net.Conn, payload []byte) (int, error) {
	stop := context.AfterFunc(ctx, func() { tunnel.Close() })
	n, err := tunnel.Write(payload)
	if !stop() && err != nil {
		return n, fmt.Errorf("%v (%w)", err, ctx.Err())
	}
	return n, err
}

func dialSSH(ctx context.Context, addr string, cfg *ssh.ClientConfig) (Session, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	// A host may accept TCP and never speak ssh. Bound the handshake by the
	// dial timeout and abort it when ctx ends.
	deadline := time.Now().Add(cfg.Timeout)
	if cfg.Timeout <= 0 {
		deadline = time.Now().Add(dialTimeout)
	}
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if !stop() || err != nil {
		conn.Close()
		if err == nil {
			c.Close()
			err = ctx.Err()
		}
		return nil, err
	}
	// The handshake deadline must not cut the session short.
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}
