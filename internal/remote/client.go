// Package remote runs shell commands on the device over SSH and on the local
// host, and implements the housekeeping built on them: port reclaim, log
// discovery and tailing, and config file transfer.
package remote

import (
	"bufio"
	"bytes"
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
	"golang.org/x/crypto/ssh/knownhosts"
)

// Executor runs a shell command and returns its standard output.
type Executor interface {
	Execute(ctx context.Context, command string) (string, error)
}

// CommandError reports a command that ran but exited non-zero.
type CommandError struct {
	Command    string
	ExitStatus int
	Stderr     string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q exited with status %d", e.Command, e.ExitStatus)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

var ErrMissingHost = errors.New("missing device host")

type DialConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	KeyFile  string
	// KnownHosts is an OpenSSH known_hosts file. When empty the host key is
	// not verified; devices on the bench regenerate keys on reflash.
	KnownHosts string
	Timeout    time.Duration
}

// Client is an SSH connection to the device. Each command runs in its own
// session, so a Client may be shared between goroutines.
type Client struct {
	conn *ssh.Client
	addr string
}

func Dial(ctx context.Context, cfg DialConfig) (*Client, error) {
	if cfg.Host == "" {
		return nil, ErrMissingHost
	}
	port := cfg.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}
	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHosts != "" {
		hostKey, err = knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("known hosts: %w", err)
		}
	}
	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         cfg.Timeout,
	}

	dialer := net.Dialer{Timeout: cfg.Timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientCfg)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	return &Client{conn: ssh.NewClient(sshConn, chans, reqs), addr: addr}, nil
}

func authMethods(cfg DialConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if cfg.KeyFile != "" {
		pem, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse key %s: %w", cfg.KeyFile, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}
	// Many device images ship a root account with an empty password.
	if len(methods) == 0 {
		methods = append(methods, ssh.Password(""))
	}
	return methods, nil
}

func (c *Client) Addr() string { return c.addr }

func (c *Client) Close() error { return c.conn.Close() }

// Execute runs command in a new session. Cancelling ctx closes the session.
func (c *Client) Execute(ctx context.Context, command string) (string, error) {
	session, err := c.conn.NewSession()
	if err != nil {
		return "", fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Close()
		return "", ctx.Err()
	case err := <-done:
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				return stdout.String(), &CommandError{
					Command:    command,
					ExitStatus: exitErr.ExitStatus(),
					Stderr:     strings.TrimSpace(stderr.String()),
				}
			}
			return stdout.String(), fmt.Errorf("run %q: %w", command, err)
		}
		return stdout.String(), nil
	}
}

// Stream runs a long-lived command and calls fn for each output line until
// the command exits or ctx ends.
func (c *Client) Stream(ctx context.Context, command string, fn func(line string)) error {
	session, err := c.conn.NewSession()
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := session.Start(command); err != nil {
		return fmt.Errorf("start %q: %w", command, err)
	}

	stop := context.AfterFunc(ctx, func() { _ = session.Close() })
	defer stop()

	if err := scanLines(stdout, fn); err != nil && ctx.Err() == nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := session.Wait(); err != nil {
		return fmt.Errorf("%q: %w", command, err)
	}
	return nil
}

// Tail follows path on the device starting from its last n lines.
func (c *Client) Tail(ctx context.Context, path string, n int, fn func(line string)) error {
	return c.Stream(ctx, TailCommand(path, n), fn)
}

// TailCommand is the follow command used by Tail.
func TailCommand(path string, n int) string {
	if n < 0 {
		n = 0
	}
	return fmt.Sprintf("tail -n %d -F %s", n, Quote(path))
}

func scanLines(r io.Reader, fn func(string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	for scanner.Scan() {
		fn(strings.TrimRight(scanner.Text(), "\r"))
	}
	return scanner.Err()
}

// Quote wraps s in single quotes for a POSIX shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
