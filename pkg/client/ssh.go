package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// KnownHostsCallback verifies host keys against the user's known_hosts files
func KnownHostsCallback() (ssh.HostKeyCallback, error) {
	var paths []string
	if env := os.Getenv("SSH_KNOWN_HOSTS"); env != "" {
		paths = append(paths, filepath.SplitList(env)...)
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".ssh", "known_hosts"))
	}

	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil, errors.New("no known_hosts file found; pass a host key callback explicitly")
	}
	return knownhosts.New(existing...)
}

func defaultSSHUser() string {
	for _, env := range []string{"CHATRELAY_SSH_USER", "USER", "USERNAME"} {
		if user := os.Getenv(env); user != "" {
			return user
		}
	}
	return "anonymous"
}

// sshConn carries the chat stream over one "session" channel
type sshConn struct {
	channel ssh.Channel
	client  *ssh.Client
	local   net.Addr
	remote  net.Addr
}

func dialSSH(ctx context.Context, ep endpoint, hostKey ssh.HostKeyCallback, timeout time.Duration) (net.Conn, error) {
	if hostKey == nil {
		cb, err := KnownHostsCallback()
		if err != nil {
			return nil, err
		}
		hostKey = cb
	}

	user := ep.user
	if user == "" {
		user = defaultSSHUser()
	}

	d := net.Dialer{Timeout: timeout}
	netConn, err := d.DialContext(ctx, "tcp", ep.address)
	if err != nil {
		return nil, err
	}

	// The relay accepts "none" auth; names are chosen in the chat handshake
	config := &ssh.ClientConfig{
		User:            user,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, ep.address, config)
	if err != nil {
		netConn.Close()
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) > 0 {
			return nil, fmt.Errorf("ssh host key for %s does not match known_hosts: %w", ep.address, err)
		}
		return nil, err
	}

	if banner := string(clientConn.ServerVersion()); !strings.HasPrefix(banner, relaySSHVersionPrefix) {
		clientConn.Close()
		return nil, fmt.Errorf("remote server advertised %q; expected a chat relay (banner prefix %q)", banner, relaySSHVersionPrefix)
	}

	client := ssh.NewClient(clientConn, chans, reqs)
	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		return nil, err
	}
	go ssh.DiscardRequests(requests)

	return &sshConn{
		channel: channel,
		client:  client,
		local:   netConn.LocalAddr(),
		remote:  netConn.RemoteAddr(),
	}, nil
}

func (c *sshConn) Read(b []byte) (int, error)  { return c.channel.Read(b) }
func (c *sshConn) Write(b []byte) (int, error) { return c.channel.Write(b) }

func (c *sshConn) Close() error {
	c.channel.Close()
	return c.client.Close()
}

func (c *sshConn) LocalAddr() net.Addr  { return c.local }
func (c *sshConn) RemoteAddr() net.Addr { return c.remote }

func (c *sshConn) SetDeadline(t time.Time) error      { return nil }
func (c *sshConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *sshConn) SetWriteDeadline(t time.Time) error { return nil }
