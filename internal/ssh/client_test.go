package ssh

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/jbweber/grove/api/v1alpha1"
	"github.com/jbweber/grove/internal/faults"
)

// execHandler answers one exec request.
type execHandler func(cmd string) (stdout, stderr string, code int)

// testServer is an in-process SSH server that answers exec requests.
type testServer struct {
	host    v1alpha1.Host
	keyPath string
	done    chan struct{}
}

// writeKey generates an ed25519 key, writes it in OpenSSH format, and returns
// the public half.
func writeKey(t *testing.T, dir, name string) (string, ssh.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0600))

	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return path, sshPub
}

func startTestServer(t *testing.T, handler execHandler) *testServer {
	t.Helper()
	dir := t.TempDir()
	keyPath, authorized := writeKey(t, dir, "id_ed25519")

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown key")
		},
	}
	config.AddHostKey(hostSigner)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &testServer{keyPath: keyPath, done: make(chan struct{})}
	t.Cleanup(func() {
		close(srv.done)
		_ = l.Close()
	})

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go srv.serve(conn, config, handler)
		}
	}()

	_, portStr, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	srv.host = v1alpha1.Host{
		Name:          "test-host",
		Address:       "127.0.0.1",
		Port:          port,
		Username:      "tester",
		CredentialRef: keyPath,
	}
	return srv
}

func (s *testServer) serve(nConn net.Conn, config *ssh.ServerConfig, handler execHandler) {
	_, chans, reqs, err := ssh.NewServerConn(nConn, config)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer func() { _ = ch.Close() }()
			for req := range requests {
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				_ = ssh.Unmarshal(req.Payload, &payload)
				_ = req.Reply(true, nil)

				stdout, stderr, code := handler(payload.Command)
				_, _ = io.WriteString(ch, stdout)
				_, _ = io.WriteString(ch.Stderr(), stderr)
				_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
				return
			}
		}()
	}
}

func echoHandler(cmd string) (string, string, int) {
	switch cmd {
	case PingCommand:
		return "ok\n", "", 0
	case "fail":
		return "", "boom\n", 3
	default:
		return "ran: " + cmd + "\n", "", 0
	}
}

func TestDial_RunAndPing(t *testing.T) {
	srv := startTestServer(t, echoHandler)
	ctx := context.Background()

	c, err := Dial(ctx, srv.host, Options{ConnectTimeout: 5 * time.Second})
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, c.Close())
	}()

	assert.Equal(t, "test-host", c.Host().Name)
	require.NoError(t, c.Ping(ctx))

	res, err := c.Run(ctx, "tart list")
	require.NoError(t, err)
	assert.Equal(t, "ran: tart list", res.Stdout)
	assert.True(t, res.Success())
}

func TestRun_NonZeroExitIsNotAnError(t *testing.T) {
	srv := startTestServer(t, echoHandler)
	ctx := context.Background()

	c, err := Dial(ctx, srv.host, Options{})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	res, err := c.Run(ctx, "fail")
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "boom", res.Stderr)
	assert.False(t, res.Success())
}

func TestRun_TimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	srv := startTestServer(t, func(cmd string) (string, string, int) {
		if cmd == "sleep" {
			<-release
		}
		return "", "", 0
	})

	c, err := Dial(context.Background(), srv.host, Options{})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = c.Run(ctx, "sleep")
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrTimeout)
	assert.True(t, faults.Retryable(err))
	assert.True(t, faults.WasSent(err))
}

func TestRun_CancelIsNotRetryable(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	srv := startTestServer(t, func(cmd string) (string, string, int) {
		<-release
		return "", "", 0
	})

	c, err := Dial(context.Background(), srv.host, Options{})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err = c.Run(ctx, "anything")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, faults.Retryable(err))
	assert.True(t, faults.IsTransport(err))
}

func TestDial_WrongKey(t *testing.T) {
	srv := startTestServer(t, echoHandler)
	otherKey, _ := writeKey(t, t.TempDir(), "other")

	host := srv.host
	host.CredentialRef = otherKey

	_, err := Dial(context.Background(), host, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrAuthenticationFailed)
	assert.False(t, faults.Retryable(err))
}

func TestDial_MissingCredential(t *testing.T) {
	host := v1alpha1.Host{Name: "h", Address: "127.0.0.1", CredentialRef: filepath.Join(t.TempDir(), "nope")}

	_, err := Dial(context.Background(), host, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrAuthenticationFailed)
}

func TestDial_Unreachable(t *testing.T) {
	keyPath, _ := writeKey(t, t.TempDir(), "id")

	// Grab a free port and close it so nothing is listening.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	host := v1alpha1.Host{Name: "h", Address: "127.0.0.1", Port: port, CredentialRef: keyPath}
	_, err = Dial(context.Background(), host, Options{ConnectTimeout: time.Second})
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrHostUnreachable)
}

func TestClose_Idempotent(t *testing.T) {
	srv := startTestServer(t, echoHandler)

	c, err := Dial(context.Background(), srv.host, Options{})
	require.NoError(t, err)

	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())

	var empty Client
	assert.NoError(t, empty.Close())
}

func TestRun_AfterClose(t *testing.T) {
	srv := startTestServer(t, echoHandler)

	c, err := Dial(context.Background(), srv.host, Options{})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = c.Run(context.Background(), "tart list")
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrConnectionReset)
}
