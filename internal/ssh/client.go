package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/jbweber/grove/api/v1alpha1"
	"github.com/jbweber/grove/internal/faults"
)

const (
	// DefaultConnectTimeout bounds TCP connect plus SSH handshake.
	DefaultConnectTimeout = 10 * time.Second

	// PingCommand is the liveness probe run on idle sessions.
	PingCommand = "echo ok"
)

// Options controls how connections are established.
type Options struct {
	// ConnectTimeout bounds dial plus handshake. Zero means DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// KnownHostsPath is an OpenSSH known_hosts file. Empty disables host key checks
	// unless StrictHostKeys is set.
	KnownHostsPath string

	// StrictHostKeys rejects hosts missing from KnownHostsPath.
	StrictHostKeys bool

	// UseAgent enables keys from the agent at $SSH_AUTH_SOCK.
	UseAgent bool

	// Logger receives connection events. Nil means no logging.
	Logger *zap.Logger
}

// Result is the outcome of one remote command that ran to completion.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Success reports whether the command exited 0.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Client is one authenticated SSH connection to a host.
//
// A Client runs one command at a time per session; the pool guarantees a
// Client is never used by two callers concurrently.
type Client struct {
	host   v1alpha1.Host
	conn   *ssh.Client
	logger *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// Dial connects and authenticates to host. The returned Client must be closed
// via Close() when done.
//
// Failures are classified as faults.ErrHostUnreachable, faults.ErrTimeout or
// faults.ErrAuthenticationFailed.
func Dial(ctx context.Context, host v1alpha1.Host, opts Options) (*Client, error) {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("host", host.Name))

	config, err := clientConfig(host, opts, logger)
	if err != nil {
		return nil, faults.New(faults.ErrAuthenticationFailed, "dial", err).WithTarget(host.Name, "")
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	addr := host.Addr()
	logger.Debug("dialing", zap.String("addr", addr), zap.String("user", config.User))

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, classifyDialError(ctx, host, err)
	}

	// The handshake has no context support, so closing the socket is how
	// cancellation reaches it.
	stop := context.AfterFunc(dialCtx, func() { _ = conn.Close() })
	defer stop()

	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		if dialCtx.Err() != nil {
			return nil, classifyDialError(ctx, host, dialCtx.Err())
		}
		return nil, classifyHandshakeError(host, err)
	}
	if !stop() {
		// Context fired after the handshake finished; the socket is gone.
		_ = c.Close()
		return nil, classifyDialError(ctx, host, dialCtx.Err())
	}
	_ = conn.SetDeadline(time.Time{})

	logger.Debug("connected", zap.String("addr", addr))
	return &Client{host: host, conn: ssh.NewClient(c, chans, reqs), logger: logger}, nil
}

// Host returns the host this client is connected to.
func (c *Client) Host() v1alpha1.Host {
	return c.host
}

// Run executes cmd in a new session and waits for it to exit.
//
// A non-zero exit is not an error: it is reported in Result.ExitCode.
// Transport failures are returned as faults.ErrConnectionReset or
// faults.ErrTimeout with Sent set once the command reached the host. When ctx
// ends before the command exits, the remote process is signalled and the
// session closed.
func (c *Client) Run(ctx context.Context, cmd string) (Result, error) {
	if c.conn == nil {
		return Result{}, faults.New(faults.ErrConnectionReset, "run", fmt.Errorf("client not connected")).WithTarget(c.host.Name, "")
	}

	session, err := c.conn.NewSession()
	if err != nil {
		return Result{}, faults.New(faults.ErrConnectionReset, "run", fmt.Errorf("failed to open session: %w", err)).WithTarget(c.host.Name, "")
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	c.logger.Debug("running", zap.String("command", cmd))
	if err := session.Start(cmd); err != nil {
		return Result{}, faults.New(faults.ErrConnectionReset, "run", fmt.Errorf("failed to start command: %w", err)).WithTarget(c.host.Name, "")
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, &faults.Error{Kind: faults.ErrTimeout, Op: "run", Host: c.host.Name, Sent: true, Err: ctx.Err()}
		}
		// Cancelled by the caller: the session is gone but retrying is pointless.
		return Result{}, faults.NoRetry(&faults.Error{Kind: faults.ErrConnectionReset, Op: "run", Host: c.host.Name, Sent: true, Err: ctx.Err()})
	case err := <-done:
		res := Result{
			Stdout: strings.TrimSpace(stdout.String()),
			Stderr: strings.TrimSpace(stderr.String()),
		}
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return res, &faults.Error{Kind: faults.ErrConnectionReset, Op: "run", Host: c.host.Name, Sent: true, Err: err}
	}
}

// Ping verifies the connection is still alive by running PingCommand.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.Run(ctx, PingCommand)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 || res.Stdout != "ok" {
		return faults.Newf(faults.ErrConnectionReset, "ping", "unexpected response %q (exit %d)", res.Stdout, res.ExitCode).WithTarget(c.host.Name, "")
	}
	return nil
}

// Close closes the connection and releases resources.
// It is safe to call Close multiple times.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
			c.closeErr = fmt.Errorf("failed to close connection to %s: %w", c.host.Name, err)
		}
	})
	return c.closeErr
}

// clientConfig builds the ssh.ClientConfig for host.
func clientConfig(host v1alpha1.Host, opts Options, logger *zap.Logger) (*ssh.ClientConfig, error) {
	username := host.Username
	if username == "" {
		username = localUsername()
	}

	auth, err := authMethods(host, opts, logger)
	if err != nil {
		return nil, err
	}

	hostKeys, err := hostKeyCallback(opts)
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            username,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         opts.ConnectTimeout,
	}, nil
}

// localUsername returns the current OS user, falling back to $USER.
func localUsername() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

func classifyDialError(ctx context.Context, host v1alpha1.Host, err error) error {
	var netErr net.Error
	switch {
	case ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("dial %s cancelled: %w", host.Name, ctx.Err())
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return faults.New(faults.ErrTimeout, "dial", err).WithTarget(host.Name, "")
	default:
		return faults.New(faults.ErrHostUnreachable, "dial", err).WithTarget(host.Name, "")
	}
}

func classifyHandshakeError(host v1alpha1.Host, err error) error {
	msg := err.Error()
	var netErr net.Error
	switch {
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "no supported methods remain"),
		isHostKeyError(err):
		return faults.New(faults.ErrAuthenticationFailed, "handshake", err).WithTarget(host.Name, "")
	case errors.As(err, &netErr) && netErr.Timeout():
		return faults.New(faults.ErrTimeout, "handshake", err).WithTarget(host.Name, "")
	case errors.Is(err, io.EOF), strings.Contains(msg, "connection reset"):
		return faults.New(faults.ErrConnectionReset, "handshake", err).WithTarget(host.Name, "")
	default:
		return faults.New(faults.ErrHostUnreachable, "handshake", err).WithTarget(host.Name, "")
	}
}
