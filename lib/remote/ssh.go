// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/nixcast/nixcast/lib/daemon"
	"github.com/nixcast/nixcast/lib/store"
)

// remoteDaemonCommand starts the store daemon in stdio mode on the
// remote host. Older installations ship the standalone binary, newer
// ones the subcommand; trying both keeps either working.
const remoteDaemonCommand = "nix-daemon --stdio || exec nix daemon --stdio"

// SSHConfig holds the parameters for an SSH store backend.
type SSHConfig struct {
	// Descriptor is the parsed ssh:// URL.
	Descriptor *Descriptor

	// StoreDir is the remote store directory. The descriptor's path
	// component overrides it; defaults to "/nix/store".
	StoreDir string

	// KnownHostsFile verifies the remote host key. Defaults to
	// ~/.ssh/known_hosts.
	KnownHostsFile string

	// KeyFile is an unencrypted private key for authentication.
	// When empty, only the SSH agent is tried.
	KeyFile string

	// MaxSessions bounds concurrent protocol sessions to the host.
	// Defaults to 4.
	MaxSessions int

	// Logger receives operational messages. If nil, logging is
	// discarded.
	Logger *slog.Logger

	// openSession overrides the transport, for tests.
	openSession func(ctx context.Context) (io.ReadWriteCloser, error)
}

// SSH pushes to and pulls from a store on another host by running the
// store daemon in stdio mode over SSH and speaking the worker protocol
// across the channel. Metadata travels inside the import call, so
// PutMetadata is a no-op.
//
// SSH is safe for concurrent use; a bounded pool of protocol sessions
// carries the traffic.
type SSH struct {
	name        string
	storeDir    string
	logger      *slog.Logger
	openSession func(ctx context.Context) (io.ReadWriteCloser, error)
	sshClient   *ssh.Client

	sem chan struct{}

	mu     sync.Mutex
	idle   []*daemon.Client
	closed bool
}

var _ Backend = (*SSH)(nil)

// DialSSH connects to the host and verifies the remote daemon answers
// by opening one protocol session.
func DialSSH(ctx context.Context, cfg SSHConfig) (*SSH, error) {
	if cfg.Descriptor == nil || cfg.Descriptor.Kind != KindSSH {
		return nil, fmt.Errorf("remote: DialSSH needs an ssh:// descriptor")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	storeDir := cfg.Descriptor.RemoteStoreDir
	if storeDir == "" {
		storeDir = cfg.StoreDir
	}
	if storeDir == "" {
		storeDir = "/nix/store"
	}
	maxSessions := cfg.MaxSessions
	if maxSessions <= 0 {
		maxSessions = 4
	}

	s := &SSH{
		name:        cfg.Descriptor.Raw,
		storeDir:    storeDir,
		logger:      logger,
		openSession: cfg.openSession,
		sem:         make(chan struct{}, maxSessions),
	}

	if s.openSession == nil {
		sshClient, err := dialSSHClient(cfg)
		if err != nil {
			return nil, err
		}
		s.sshClient = sshClient
		s.openSession = func(ctx context.Context) (io.ReadWriteCloser, error) {
			return openDaemonSession(sshClient)
		}
	}

	// Probe one session so a bad host, command, or protocol fails the
	// operation before any transfer starts.
	client, err := s.dialDaemon(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.mu.Lock()
	s.idle = append(s.idle, client)
	s.mu.Unlock()
	return s, nil
}

// dialSSHClient establishes the TCP+SSH transport per the config's
// authentication and host-key policy.
func dialSSHClient(cfg SSHConfig) (*ssh.Client, error) {
	d := cfg.Descriptor

	knownHosts := cfg.KnownHostsFile
	if knownHosts == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("remote %s: locating known_hosts: %w", d.Raw, err)
		}
		knownHosts = filepath.Join(home, ".ssh", "known_hosts")
	}
	hostKeyCallback, err := knownhosts.New(knownHosts)
	if err != nil {
		return nil, fmt.Errorf("remote %s: reading %s: %w", d.Raw, knownHosts, err)
	}

	var methods []ssh.AuthMethod
	if cfg.KeyFile != "" {
		pem, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("remote %s: reading key: %w", d.Raw, err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("remote %s: parsing key %s: %w", d.Raw, cfg.KeyFile, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		conn, err := net.Dial("unix", sock)
		if err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("remote %s: no authentication available (no key file, no SSH agent)", d.Raw)
	}

	user := d.User
	if user == "" {
		user = os.Getenv("USER")
	}
	port := d.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(d.Host, strconv.Itoa(port))
	sshClient, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            user,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
	})
	if err != nil {
		if isAuthFailure(err) {
			return nil, fmt.Errorf("%w: %s: %v", ErrAuthorizationFailure, d.Raw, err)
		}
		return nil, &TransportError{Op: "dial", Remote: d.Raw, Err: err}
	}
	return sshClient, nil
}

// isAuthFailure matches the error x/crypto/ssh returns when every
// authentication method was rejected. The package reports it as a
// plain error, so the stable message substring is the only signal.
func isAuthFailure(err error) bool {
	return err != nil && strings.Contains(err.Error(), "unable to authenticate")
}

// sessionPipe adapts an SSH session running the stdio daemon to the
// io.ReadWriteCloser lib/daemon expects.
type sessionPipe struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

func openDaemonSession(client *ssh.Client) (io.ReadWriteCloser, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, err
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	if err := session.Start(remoteDaemonCommand); err != nil {
		session.Close()
		return nil, err
	}
	return &sessionPipe{session: session, stdin: stdin, stdout: stdout}, nil
}

func (p *sessionPipe) Read(buf []byte) (int, error)  { return p.stdout.Read(buf) }
func (p *sessionPipe) Write(buf []byte) (int, error) { return p.stdin.Write(buf) }

func (p *sessionPipe) Close() error {
	p.stdin.Close()
	return p.session.Close()
}

func (s *SSH) Name() string { return s.name }

func (s *SSH) Kind() Kind { return KindSSH }

// dialDaemon opens one protocol session. Handshake or transport
// failures are transient from the transfer engine's point of view.
func (s *SSH) dialDaemon(ctx context.Context) (*daemon.Client, error) {
	pipe, err := s.openSession(ctx)
	if err != nil {
		return nil, &TransportError{Op: "open session", Remote: s.name, Err: err}
	}
	client, err := daemon.New(pipe, s.logger)
	if err != nil {
		pipe.Close()
		return nil, &TransportError{Op: "daemon handshake", Remote: s.name, Err: err}
	}
	return client, nil
}

func (s *SSH) acquire(ctx context.Context) (*daemon.Client, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.sem
		return nil, fmt.Errorf("remote %s is closed", s.name)
	}
	if n := len(s.idle); n > 0 {
		client := s.idle[n-1]
		s.idle = s.idle[:n-1]
		s.mu.Unlock()
		return client, nil
	}
	s.mu.Unlock()

	client, err := s.dialDaemon(ctx)
	if err != nil {
		<-s.sem
		return nil, err
	}
	return client, nil
}

func (s *SSH) release(client *daemon.Client, broken bool) {
	s.mu.Lock()
	if broken || s.closed {
		s.mu.Unlock()
		client.Close()
		<-s.sem
		return
	}
	s.idle = append(s.idle, client)
	s.mu.Unlock()
	<-s.sem
}

// sessionBroken reports whether err leaves the protocol session
// desynchronized. Structured daemon errors keep the session usable.
func sessionBroken(err error) bool {
	if err == nil {
		return false
	}
	var daemonErr *daemon.Error
	if errors.As(err, &daemonErr) {
		return false
	}
	return !errors.Is(err, daemon.ErrPathInfoNotFound)
}

// wrapOp classifies an operation failure: daemon-reported errors are
// permanent, everything else on an SSH channel is transport trouble.
func (s *SSH) wrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	var daemonErr *daemon.Error
	if errors.As(err, &daemonErr) {
		return fmt.Errorf("%s: %s: %w", s.name, op, err)
	}
	return &TransportError{Op: op, Remote: s.name, Err: err}
}

// Exists asks the remote daemon whether path is valid.
func (s *SSH) Exists(ctx context.Context, path store.Path) (bool, error) {
	client, err := s.acquire(ctx)
	if err != nil {
		return false, err
	}
	valid, err := client.IsValidPath(ctx, s.storeDir, path)
	s.release(client, sessionBroken(err))
	return valid, s.wrapOp("probe", err)
}

// ExistsBatch resolves the whole set in one QueryValidPaths round
// trip.
func (s *SSH) ExistsBatch(ctx context.Context, paths []store.Path) (map[store.Path]bool, error) {
	client, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	valid, err := client.QueryValidPaths(ctx, s.storeDir, paths)
	s.release(client, sessionBroken(err))
	if err != nil {
		return nil, s.wrapOp("batch probe", err)
	}
	present := make(map[store.Path]bool, len(paths))
	for _, path := range paths {
		present[path] = false
	}
	for _, path := range valid {
		present[path] = true
	}
	return present, nil
}

// PutArchive imports the archive into the remote store. References
// and signatures travel inside the same call, so the metadata is
// registered atomically with the content.
func (s *SSH) PutArchive(ctx context.Context, info *store.PathInfo, nar io.Reader) (*Placement, error) {
	client, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	err = client.AddToStoreNar(ctx, s.storeDir, info, nar, false)
	s.release(client, sessionBroken(err))
	if err != nil {
		return nil, s.wrapOp("import "+info.Path.String(), err)
	}
	return &Placement{
		URL:         "nar/" + info.Path.Digest() + ".nar",
		Compression: "none",
		FileHash:    info.NarHash,
		FileSize:    info.NarSize,
	}, nil
}

// PutMetadata is a no-op: PutArchive already registered the metadata.
func (s *SSH) PutMetadata(ctx context.Context, info *store.NarInfo) error { return nil }

// FetchMetadata queries the remote daemon and renders the record in
// cache form.
func (s *SSH) FetchMetadata(ctx context.Context, path store.Path) (*store.NarInfo, error) {
	client, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	info, err := client.QueryPathInfo(ctx, s.storeDir, path)
	s.release(client, sessionBroken(err))
	if errors.Is(err, daemon.ErrPathInfoNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, s.wrapOp("fetch metadata", err)
	}
	return &store.NarInfo{
		StoreDir:    s.storeDir,
		Path:        info.Path,
		URL:         "nar/" + info.Path.Digest() + ".nar",
		Compression: "none",
		FileHash:    info.NarHash,
		FileSize:    info.NarSize,
		NarHash:     info.NarHash,
		NarSize:     info.NarSize,
		References:  append([]store.Path(nil), info.References...),
		Deriver:     info.Deriver,
		Signatures:  append([]store.Signature(nil), info.Signatures...),
		CA:          info.CA,
	}, nil
}

// FetchArchive streams the archive from the remote daemon, verified
// against the record. The session stays checked out until the stream
// is closed.
func (s *SSH) FetchArchive(ctx context.Context, info *store.NarInfo) (io.ReadCloser, error) {
	client, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := client.NarFromPath(ctx, s.storeDir, info.Path, info.NarSize)
	if err != nil {
		s.release(client, true)
		return nil, s.wrapOp("fetch archive", err)
	}
	verified := store.NewVerifiedReader(raw, info.Path.String(), info.NarHash, info.NarSize)
	return &sshArchiveStream{backend: s, client: client, verified: verified}, nil
}

type sshArchiveStream struct {
	backend  *SSH
	client   *daemon.Client
	verified io.Reader

	sawEOF bool
	closed bool
}

func (r *sshArchiveStream) Read(p []byte) (int, error) {
	if r.closed {
		return 0, fmt.Errorf("read from closed archive stream")
	}
	n, err := r.verified.Read(p)
	if err == io.EOF {
		r.sawEOF = true
	}
	return n, err
}

func (r *sshArchiveStream) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.backend.release(r.client, !r.sawEOF)
	return nil
}

// Close closes pooled sessions and the SSH connection.
func (s *SSH) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	idle := s.idle
	s.idle = nil
	s.mu.Unlock()

	var errs []error
	for _, client := range idle {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.sshClient != nil {
		if err := s.sshClient.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
