package ssh

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/jbweber/grove/api/v1alpha1"
)

// defaultKeyFiles are tried, in order, when a host has no credential.
var defaultKeyFiles = []string{
	"~/.ssh/id_ed25519",
	"~/.ssh/id_ecdsa",
	"~/.ssh/id_rsa",
}

// ExpandPath replaces a leading ~ with the current user's home directory.
func ExpandPath(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// CheckKeyFile verifies that path holds a private key ssh can parse.
// Passphrase-protected keys are accepted; the agent is expected to hold them.
func CheckKeyFile(path string) error {
	data, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return fmt.Errorf("failed to read key %s: %w", path, err)
	}
	if _, err := ssh.ParseRawPrivateKey(data); err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil
		}
		return fmt.Errorf("invalid private key %s: %w", path, err)
	}
	return nil
}

// authMethods collects auth methods from the host credential, the agent, and
// the default key files, in that order.
func authMethods(host v1alpha1.Host, opts Options, logger *zap.Logger) ([]ssh.AuthMethod, error) {
	var signers []ssh.Signer

	if host.CredentialRef != "" {
		signer, err := loadSigner(host.CredentialRef)
		if err != nil {
			return nil, err
		}
		if signer != nil {
			signers = append(signers, signer)
		} else {
			logger.Warn("credential is passphrase protected, relying on agent", zap.String("credential", host.CredentialRef))
		}
	} else {
		for _, path := range defaultKeyFiles {
			signer, err := loadSigner(path)
			if err != nil || signer == nil {
				continue
			}
			signers = append(signers, signer)
		}
	}

	var methods []ssh.AuthMethod
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	if opts.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			conn, err := net.Dial("unix", sock)
			if err != nil {
				logger.Warn("ssh agent unavailable", zap.Error(err))
			} else {
				methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			}
		}
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no usable credentials for %s: set a credential or run an ssh agent", host.Name)
	}
	return methods, nil
}

// loadSigner parses a private key file. It returns (nil, nil) for keys that
// need a passphrase.
func loadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read key %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse key %s: %w", path, err)
	}
	return signer, nil
}

// hostKeyCallback verifies server keys against known_hosts.
//
// In non-strict mode hosts missing from the file are accepted, but a host
// whose key changed is still rejected.
func hostKeyCallback(opts Options) (ssh.HostKeyCallback, error) {
	if opts.KnownHostsPath == "" {
		if opts.StrictHostKeys {
			return nil, fmt.Errorf("strict host key checking requires a known_hosts file")
		}
		return ssh.InsecureIgnoreHostKey(), nil
	}

	cb, err := knownhosts.New(ExpandPath(opts.KnownHostsPath))
	if err != nil {
		if !opts.StrictHostKeys && errors.Is(err, fs.ErrNotExist) {
			return ssh.InsecureIgnoreHostKey(), nil
		}
		return nil, fmt.Errorf("failed to load known hosts %s: %w", opts.KnownHostsPath, err)
	}
	if opts.StrictHostKeys {
		return cb, nil
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := cb(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			return nil
		}
		return err
	}, nil
}

func isHostKeyError(err error) bool {
	var keyErr *knownhosts.KeyError
	var revoked *knownhosts.RevokedError
	return errors.As(err, &keyErr) || errors.As(err, &revoked)
}
