package remote

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"netsteer/internal/logging"
)

const (
	defaultPort    = 22
	defaultTimeout = 10 * time.Second
)

// Handle identifies a background process started on the remote host.
// Pattern is the command line used with pkill -f when the pid alone
// does not bring the process down.
type Handle struct {
	PID     int
	Pattern string
}

// Runner executes commands on a benchmark peer. Reachable is the only
// operation bounded by a timeout; everything else blocks until the
// remote side finishes.
type Runner interface {
	Reachable() error
	// Run executes the command and returns its exit status and combined
	// output. A non-zero exit is not an error.
	Run(command string) (int, string, error)
	StartBackground(command string) (Handle, error)
	// Terminate tears down a background process, tolerating the process
	// being gone already.
	Terminate(h Handle) error
	Close() error
}

// Options configures an SSH connection to a benchmark peer.
type Options struct {
	Host            string
	Port            int
	User            string
	KeyFile         string
	KnownHostsFile  string
	InsecureHostKey bool
	Timeout         time.Duration
}

// SSHRunner runs commands over a single cached SSH connection.
type SSHRunner struct {
	addr   string
	config *ssh.ClientConfig

	mu     sync.Mutex
	client *ssh.Client
}

func NewSSHRunner(opts Options) (*SSHRunner, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("remote host is required")
	}
	if opts.User == "" {
		return nil, fmt.Errorf("remote user is required")
	}

	keyFile, err := expandHome(opts.KeyFile)
	if err != nil {
		return nil, err
	}
	key, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read SSH key %s: %w", keyFile, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SSH key %s: %w", keyFile, err)
	}

	hostKeyCallback, err := hostKeyCallback(opts)
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	port := opts.Port
	if port <= 0 {
		port = defaultPort
	}

	return &SSHRunner{
		addr: net.JoinHostPort(opts.Host, strconv.Itoa(port)),
		config: &ssh.ClientConfig{
			User:            opts.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         timeout,
		},
	}, nil
}

func hostKeyCallback(opts Options) (ssh.HostKeyCallback, error) {
	if opts.InsecureHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := opts.KnownHostsFile
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to locate known_hosts: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	} else {
		expanded, err := expandHome(path)
		if err != nil {
			return nil, err
		}
		path = expanded
	}
	callback, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts %s: %w", path, err)
	}
	return callback, nil
}

// expandHome resolves a leading ~/ so profiles can name key files the
// way ssh configs do.
func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to expand %s: %w", path, err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, path[2:]), nil
}

func (r *SSHRunner) connect() (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}
	client, err := ssh.Dial("tcp", r.addr, r.config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", r.addr, err)
	}
	logging.GetLogger().WithField("host", r.addr).Debug("SSH connection established")
	r.client = client
	return client, nil
}

// Reachable dials the remote host, bounded by the configured timeout.
// The connection is kept for later Run calls.
func (r *SSHRunner) Reachable() error {
	_, err := r.connect()
	return err
}

func (r *SSHRunner) Run(command string) (int, string, error) {
	client, err := r.connect()
	if err != nil {
		return 0, "", err
	}
	session, err := client.NewSession()
	if err != nil {
		return 0, "", fmt.Errorf("failed to open SSH session: %w", err)
	}
	defer session.Close()

	var output bytes.Buffer
	session.Stdout = &output
	session.Stderr = &output

	err = session.Run(command)
	if err == nil {
		return 0, output.String(), nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), output.String(), nil
	}
	return 0, output.String(), fmt.Errorf("failed to run %q on %s: %w", command, r.addr, err)
}

// StartBackground launches a long-lived process detached from the SSH
// session and returns its pid.
func (r *SSHRunner) StartBackground(command string) (Handle, error) {
	status, output, err := r.Run(backgroundCommand(command))
	if err != nil {
		return Handle{}, err
	}
	if status != 0 {
		return Handle{}, fmt.Errorf("failed to start %q on %s: exit status %d: %s",
			command, r.addr, status, strings.TrimSpace(output))
	}
	pid, err := parsePID(output)
	if err != nil {
		return Handle{}, fmt.Errorf("failed to start %q on %s: %w", command, r.addr, err)
	}
	logging.GetLogger().WithField("host", r.addr).WithField("pid", pid).Debug("Remote process started")
	return Handle{PID: pid, Pattern: command}, nil
}

func (r *SSHRunner) Terminate(h Handle) error {
	logger := logging.GetLogger().WithField("host", r.addr)
	if h.PID > 0 {
		if status, out, err := r.Run(fmt.Sprintf("kill %d", h.PID)); err != nil {
			return err
		} else if status != 0 {
			logger.WithField("pid", h.PID).WithField("output", strings.TrimSpace(out)).
				Debug("kill reported nothing to do")
		}
	}
	if h.Pattern != "" {
		// Catch children the pid kill missed. pkill exits 1 when no
		// process matches, which is fine here.
		if _, _, err := r.Run(fmt.Sprintf("pkill -f %s", shellQuote(h.Pattern))); err != nil {
			return err
		}
	}
	return nil
}

func (r *SSHRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

// backgroundCommand wraps a command so it survives the SSH session and
// reports the pid of the detached process.
func backgroundCommand(command string) string {
	return fmt.Sprintf("nohup %s >/dev/null 2>&1 & echo $!", command)
}

func parsePID(output string) (int, error) {
	pid, err := strconv.Atoi(strings.TrimSpace(output))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("no pid in output %q", strings.TrimSpace(output))
	}
	return pid, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
