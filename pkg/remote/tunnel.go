// Package remote reaches a switch over SSH: it forwards a local port to the
// switch's Redis and runs reload commands there.
package remote

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultRedisAddr is where Redis listens inside the switch.
const DefaultRedisAddr = "127.0.0.1:6379"

// Config describes an SSH endpoint.
type Config struct {
	Host     string
	Port     int    // default 22
	User     string
	Password string
	KeyFile  string // private key, tried before the password

	// KnownHosts is an OpenSSH known_hosts file. Empty disables host key
	// checking, which is only acceptable for lab switches.
	KnownHosts string
}

func (c Config) clientConfig() (*ssh.ClientConfig, error) {
	cfg := &ssh.ClientConfig{User: c.User}

	if c.KeyFile != "" {
		pem, err := os.ReadFile(c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading SSH key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parsing SSH key %s: %w", c.KeyFile, err)
		}
		cfg.Auth = append(cfg.Auth, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		cfg.Auth = append(cfg.Auth, ssh.Password(c.Password))
	}

	if c.KnownHosts != "" {
		cb, err := knownhosts.New(c.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("loading known hosts: %w", err)
		}
		cfg.HostKeyCallback = cb
	} else {
		cfg.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	return cfg, nil
}

func (c Config) addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// Client is an SSH connection to a switch.
type Client struct {
	ssh *ssh.Client
}

// Dial opens an SSH connection.
func Dial(c Config) (*Client, error) {
	cfg, err := c.clientConfig()
	if err != nil {
		return nil, err
	}
	sc, err := ssh.Dial("tcp", c.addr(), cfg)
	if err != nil {
		return nil, fmt.Errorf("SSH dial %s: %w", c.Host, err)
	}
	return &Client{ssh: sc}, nil
}

// Exec runs a command on the switch and returns the combined output.
// The SSH session is created per-call.
func (c *Client) Exec(cmd string) (string, error) {
	session, err := c.ssh.NewSession()
	if err != nil {
		return "", fmt.Errorf("SSH session: %w", err)
	}
	defer session.Close()

	output, err := session.CombinedOutput(cmd)
	if err != nil {
		return string(output), fmt.Errorf("SSH exec '%s': %w", cmd, err)
	}
	return string(output), nil
}

// Close closes the SSH connection.
func (c *Client) Close() error {
	return c.ssh.Close()
}

// Tunnel forwards a local TCP port to an address reachable from the switch.
// Used to access Redis, which listens only on the switch's loopback.
type Tunnel struct {
	client     *Client
	remoteAddr string
	localAddr  string
	listener   net.Listener
	done       chan struct{}
	wg         sync.WaitGroup
}

// NewTunnel dials SSH and opens a local listener on a random port.
// Connections to it are forwarded to remoteAddr on the switch
// (DefaultRedisAddr when empty).
func NewTunnel(c Config, remoteAddr string) (*Tunnel, error) {
	if remoteAddr == "" {
		remoteAddr = DefaultRedisAddr
	}
	client, err := Dial(c)
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("local listen: %w", err)
	}

	t := &Tunnel{
		client:     client,
		remoteAddr: remoteAddr,
		localAddr:  listener.Addr().String(),
		listener:   listener,
		done:       make(chan struct{}),
	}

	t.wg.Add(1)
	go t.acceptLoop()

	return t, nil
}

// LocalAddr returns the local address (e.g. "127.0.0.1:54321") that
// forwards to the remote address.
func (t *Tunnel) LocalAddr() string {
	return t.localAddr
}

// Client returns the underlying SSH client.
func (t *Tunnel) Client() *Client {
	return t.client
}

// Close stops the listener, closes the SSH connection, and waits for
// all forwarding goroutines to finish.
func (t *Tunnel) Close() error {
	close(t.done)
	t.listener.Close()
	t.wg.Wait()
	return t.client.Close()
}

func (t *Tunnel) acceptLoop() {
	defer t.wg.Done()
	for {
		local, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				continue
			}
		}
		t.wg.Add(1)
		go t.forward(local)
	}
}

func (t *Tunnel) forward(local net.Conn) {
	defer t.wg.Done()
	defer local.Close()

	remote, err := t.client.ssh.Dial("tcp", t.remoteAddr)
	if err != nil {
		return
	}
	defer remote.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(remote, local)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(local, remote)
		done <- struct{}{}
	}()
	<-done
}
