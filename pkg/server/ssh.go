package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// startSSHServer starts the SSH listener when a port is configured.
// Each "session" channel carries one chat session.
func (s *Server) startSSHServer() error {
	if s.config.SSHPort <= 0 {
		s.log.Info("SSH server disabled", zap.Int("ssh_port", s.config.SSHPort))
		return nil
	}

	hostKey, err := s.loadOrGenerateHostKey()
	if err != nil {
		return fmt.Errorf("failed to load host key: %w", err)
	}

	// Names are the only identity in the chat, so no SSH auth
	config := &ssh.ServerConfig{NoClientAuth: true}
	config.ServerVersion = "SSH-2.0-ChatRelay"
	config.AddHostKey(hostKey)

	listener, err := s.listen(s.config.SSHPort)
	if err != nil {
		return err
	}
	s.sshListener = listener
	s.log.Info("SSH server listening", zap.String("addr", listener.Addr().String()))

	s.wg.Add(1)
	go s.acceptSSHLoop(listener, config)

	return nil
}

func (s *Server) acceptSSHLoop(listener net.Listener, config *ssh.ServerConfig) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("SSH accept failed", zap.Error(err))
			continue
		}

		s.wg.Add(1)
		go s.handleSSHConnection(conn, config)
	}
}

func (s *Server) handleSSHConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		s.log.Debug("SSH handshake failed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		return
	}
	_ = conn.SetDeadline(time.Time{})
	defer sshConn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.shutdown:
			sshConn.Close()
		case <-done:
		}
	}()

	go ssh.DiscardRequests(reqs)

	var sessions sync.WaitGroup
	defer sessions.Wait()

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			s.log.Debug("could not accept SSH channel", zap.Error(err))
			continue
		}

		go handleSSHChannelRequests(requests)

		if !s.allowConnection() {
			s.refuse(&sshChannelConn{channel: channel, remote: sshConn.RemoteAddr()})
			continue
		}

		sessions.Add(1)
		go func() {
			defer sessions.Done()
			s.runSession(&sshChannelConn{channel: channel, local: sshConn.LocalAddr(), remote: sshConn.RemoteAddr()}, "ssh")
		}()
	}
}

func handleSSHChannelRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "shell", "pty-req", "env", "window-change":
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// sshChannelConn wraps ssh.Channel to implement net.Conn
type sshChannelConn struct {
	channel ssh.Channel
	local   net.Addr
	remote  net.Addr
}

func (c *sshChannelConn) Read(b []byte) (int, error) {
	return c.channel.Read(b)
}

func (c *sshChannelConn) Write(b []byte) (int, error) {
	return c.channel.Write(b)
}

func (c *sshChannelConn) Close() error {
	return c.channel.Close()
}

func (c *sshChannelConn) LocalAddr() net.Addr {
	if c.local == nil {
		return &net.TCPAddr{IP: net.IPv4zero}
	}
	return c.local
}

func (c *sshChannelConn) RemoteAddr() net.Addr {
	if c.remote == nil {
		return &net.TCPAddr{IP: net.IPv4zero}
	}
	return c.remote
}

// SSH channels have no deadlines; shutdown closes the connection instead
func (c *sshChannelConn) SetDeadline(t time.Time) error      { return nil }
func (c *sshChannelConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *sshChannelConn) SetWriteDeadline(t time.Time) error { return nil }

// loadOrGenerateHostKey loads the SSH host key or generates one if it doesn't exist
func (s *Server) loadOrGenerateHostKey() (ssh.Signer, error) {
	if strings.TrimSpace(s.config.SSHHostKeyPath) == "" {
		return nil, fmt.Errorf("ssh host key path is empty; set [ssh].host_key or remove it to use the default (%s)", DefaultConfig().SSHHostKeyPath)
	}

	keyPath, err := ExpandPath(s.config.SSHHostKeyPath)
	if err != nil {
		return nil, err
	}

	keyBytes, err := os.ReadFile(keyPath)
	if err == nil {
		key, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		s.log.Info("loaded SSH host key", zap.String("path", keyPath))
		return key, nil
	}

	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	s.log.Info("generating SSH host key", zap.String("path", keyPath))

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	privateKeyPEM := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	keyFile, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create key file: %w", err)
	}
	defer keyFile.Close()

	if err := pem.Encode(keyFile, privateKeyPEM); err != nil {
		return nil, fmt.Errorf("failed to write key: %w", err)
	}

	key, err := ssh.ParsePrivateKey(pem.EncodeToMemory(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated key: %w", err)
	}
	return key, nil
}
