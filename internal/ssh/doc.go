// Package ssh provides the transport grove uses to reach hosts.
//
// This package wraps golang.org/x/crypto/ssh to provide:
//   - Connection management (dial, ping, close)
//   - Authentication from a host credential, the ssh agent, or ~/.ssh keys
//   - Host key checks against known_hosts
//   - Classification of every failure into the faults taxonomy
//
// Connection Management:
//
//	client, err := ssh.Dial(ctx, host, ssh.Options{UseAgent: true})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	res, err := client.Run(ctx, "tart list")
//
// A Client is a single connection. Reuse and concurrency limits belong to
// internal/pool, which owns every Client it hands out.
//
// Consumer-Side Interfaces:
//
// This package does not define interfaces. internal/pool declares the Conn
// interface it needs, and *Client satisfies it implicitly.
package ssh
