// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/nixcast/nixcast/lib/store"
)

// Protocol constants. These are wire values fixed by the daemon
// ecosystem; changing any of them breaks the handshake.
const (
	workerMagic1 = 0x6e697863
	workerMagic2 = 0x6478696f

	// clientVersion is the protocol version this client speaks,
	// encoded as major<<8 | minor.
	clientVersion = 1<<8 | 35

	// minDaemonVersion is the oldest daemon this client accepts.
	// 1.21 predates every daemon shipped in the last decade; the
	// framed archive sink needs 1.23 and is checked per operation.
	minDaemonVersion = 1<<8 | 21
)

// Operation opcodes.
const (
	opIsValidPath           = 1
	opQueryReferrers        = 6
	opQueryPathInfo         = 26
	opQueryPathFromHashPart = 29
	opQueryValidPaths       = 31
	opNarFromPath           = 38
	opAddToStoreNar         = 39
)

// Stderr stream message tags. After each request the daemon emits a
// stream of these until stderrLast (or stderrError) terminates it.
const (
	stderrNext          = 0x6f6c6d67
	stderrRead          = 0x64617461
	stderrWrite         = 0x64617416
	stderrLast          = 0x616c7473
	stderrError         = 0x63787470
	stderrStartActivity = 0x53545254
	stderrStopActivity  = 0x53544f50
	stderrResult        = 0x52534c54
)

// Error is a structured failure reported by the daemon over the
// stderr stream.
type Error struct {
	// Message is the daemon's rendered error text.
	Message string

	// Level is the daemon's verbosity level for the error.
	Level uint64
}

func (e *Error) Error() string {
	return fmt.Sprintf("daemon: %s", e.Message)
}

// Client speaks the worker protocol over one connection. The protocol
// is strictly request/response with no multiplexing, so a Client must
// not be used concurrently; lib/localstore pools several Clients to
// run queries in parallel.
type Client struct {
	conn    io.ReadWriteCloser
	br      *bufio.Reader
	in      wireReader
	out     wireWriter
	version uint64
	trusted bool
	logger  *slog.Logger

	// daemonVersion is the version string reported by daemons at
	// protocol 1.33 or later, e.g. "2.18.1".
	daemonVersion string
}

// Dial connects to the daemon's unix socket and performs the
// handshake.
func Dial(ctx context.Context, socketPath string, logger *slog.Logger) (*Client, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to daemon socket %s: %w", socketPath, err)
	}
	client, err := New(conn, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return client, nil
}

// New performs the worker-protocol handshake over an established
// connection. The SSH backend uses this directly with a channel
// running "nix-daemon --stdio" on the remote host.
func New(conn io.ReadWriteCloser, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	br := bufio.NewReaderSize(conn, 64*1024)
	client := &Client{
		conn:   conn,
		br:     br,
		in:     wireReader{br},
		out:    wireWriter{conn},
		logger: logger,
	}
	if err := client.handshake(); err != nil {
		return nil, fmt.Errorf("daemon handshake: %w", err)
	}
	return client, nil
}

func (c *Client) handshake() error {
	if err := c.out.uint64(workerMagic1); err != nil {
		return err
	}
	magic, err := c.in.uint64()
	if err != nil {
		return err
	}
	if magic != workerMagic2 {
		return fmt.Errorf("bad magic 0x%x from daemon, want 0x%x", magic, workerMagic2)
	}
	c.version, err = c.in.uint64()
	if err != nil {
		return err
	}
	if c.version < minDaemonVersion {
		return fmt.Errorf("daemon protocol %d.%d is older than supported minimum %d.%d",
			c.version>>8, c.version&0xff, minDaemonVersion>>8, minDaemonVersion&0xff)
	}
	if err := c.out.uint64(clientVersion); err != nil {
		return err
	}
	// Obsolete CPU affinity and reserve-space settings; the daemon
	// still expects the words.
	if err := c.out.uint64(0); err != nil {
		return err
	}
	if err := c.out.uint64(0); err != nil {
		return err
	}
	if c.version >= 1<<8|33 {
		c.daemonVersion, err = c.in.string()
		if err != nil {
			return err
		}
	}
	if c.version >= 1<<8|35 {
		// Trusted flag: 0 unknown, 1 trusted, 2 not trusted.
		flag, err := c.in.uint64()
		if err != nil {
			return err
		}
		c.trusted = flag == 1
	}
	if err := c.drainStderr(nil); err != nil {
		return err
	}
	c.logger.Debug("daemon connected",
		"protocol", fmt.Sprintf("%d.%d", c.version>>8, c.version&0xff),
		"daemon_version", c.daemonVersion,
		"trusted", c.trusted,
	)
	return nil
}

// Version returns the negotiated protocol version string.
func (c *Client) Version() string {
	return fmt.Sprintf("%d.%d", c.version>>8, c.version&0xff)
}

// DaemonVersion returns the daemon's self-reported release version,
// empty for daemons older than protocol 1.33.
func (c *Client) DaemonVersion() string { return c.daemonVersion }

// Trusted reports whether the daemon considers this client a trusted
// user. Untrusted imports have their signatures checked by the daemon.
func (c *Client) Trusted() bool { return c.trusted }

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// deadline applies the context deadline to the connection when the
// transport supports it, so a cancelled operation does not block
// forever on a dead daemon.
func (c *Client) deadline(ctx context.Context) func() {
	conn, ok := c.conn.(net.Conn)
	if !ok {
		return func() {}
	}
	if d, ok := ctx.Deadline(); ok {
		conn.SetDeadline(d)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(0, 1))
	})
	return func() {
		stop()
		conn.SetDeadline(time.Time{})
	}
}

// IsValidPath reports whether the store has a valid entry for path.
func (c *Client) IsValidPath(ctx context.Context, storeDir string, path store.Path) (bool, error) {
	defer c.deadline(ctx)()
	if err := c.out.uint64(opIsValidPath); err != nil {
		return false, err
	}
	if err := c.out.string(path.In(storeDir)); err != nil {
		return false, err
	}
	if err := c.drainStderr(nil); err != nil {
		return false, err
	}
	return c.in.bool()
}

// QueryValidPaths returns the subset of paths that are valid in the
// store.
func (c *Client) QueryValidPaths(ctx context.Context, storeDir string, paths []store.Path) ([]store.Path, error) {
	defer c.deadline(ctx)()
	if err := c.out.uint64(opQueryValidPaths); err != nil {
		return nil, err
	}
	absolute := make([]string, len(paths))
	for i, path := range paths {
		absolute[i] = path.In(storeDir)
	}
	if err := c.out.strings(absolute); err != nil {
		return nil, err
	}
	if c.version >= 1<<8|27 {
		// Substitute flag: do not ask the daemon to try substituters.
		if err := c.out.bool(false); err != nil {
			return nil, err
		}
	}
	if err := c.drainStderr(nil); err != nil {
		return nil, err
	}
	valid, err := c.in.strings()
	if err != nil {
		return nil, err
	}
	return parsePaths(storeDir, valid)
}

// QueryReferrers returns the store paths whose contents reference
// path (the reverse edges of the reference graph).
func (c *Client) QueryReferrers(ctx context.Context, storeDir string, path store.Path) ([]store.Path, error) {
	defer c.deadline(ctx)()
	if err := c.out.uint64(opQueryReferrers); err != nil {
		return nil, err
	}
	if err := c.out.string(path.In(storeDir)); err != nil {
		return nil, err
	}
	if err := c.drainStderr(nil); err != nil {
		return nil, err
	}
	referrers, err := c.in.strings()
	if err != nil {
		return nil, err
	}
	return parsePaths(storeDir, referrers)
}

// ErrPathInfoNotFound is returned by QueryPathInfo for paths the
// store does not have. Callers translate it to their own not-found
// sentinel.
var ErrPathInfoNotFound = fmt.Errorf("daemon: path info not found")

// QueryPathInfo returns the metadata record for path, or
// ErrPathInfoNotFound.
func (c *Client) QueryPathInfo(ctx context.Context, storeDir string, path store.Path) (*store.PathInfo, error) {
	defer c.deadline(ctx)()
	if err := c.out.uint64(opQueryPathInfo); err != nil {
		return nil, err
	}
	if err := c.out.string(path.In(storeDir)); err != nil {
		return nil, err
	}
	if err := c.drainStderr(nil); err != nil {
		return nil, err
	}
	found, err := c.in.bool()
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrPathInfoNotFound
	}
	return c.readPathInfo(storeDir, path)
}

// readPathInfo decodes the UnkeyedValidPathInfo reply shape: deriver,
// bare base16 NAR hash, references, registration time, NAR size,
// ultimate, signatures, content address.
func (c *Client) readPathInfo(storeDir string, path store.Path) (*store.PathInfo, error) {
	info := &store.PathInfo{Path: path}

	deriver, err := c.in.string()
	if err != nil {
		return nil, err
	}
	if deriver != "" {
		info.Deriver, err = store.ParsePath(storeDir, deriver)
		if err != nil {
			return nil, fmt.Errorf("daemon deriver: %w", err)
		}
	}

	narHash, err := c.in.string()
	if err != nil {
		return nil, err
	}
	info.NarHash, err = store.ParseHash(narHash)
	if err != nil {
		return nil, fmt.Errorf("daemon nar hash: %w", err)
	}

	references, err := c.in.strings()
	if err != nil {
		return nil, err
	}
	info.References, err = parsePaths(storeDir, references)
	if err != nil {
		return nil, fmt.Errorf("daemon references: %w", err)
	}
	store.SortPaths(info.References)

	registration, err := c.in.uint64()
	if err != nil {
		return nil, err
	}
	info.RegistrationTime = time.Unix(int64(registration), 0).UTC()

	narSize, err := c.in.uint64()
	if err != nil {
		return nil, err
	}
	info.NarSize = int64(narSize)

	info.Ultimate, err = c.in.bool()
	if err != nil {
		return nil, err
	}

	sigs, err := c.in.strings()
	if err != nil {
		return nil, err
	}
	for _, line := range sigs {
		sig, err := store.ParseSignature(line)
		if err != nil {
			return nil, fmt.Errorf("daemon signature: %w", err)
		}
		info.Signatures = append(info.Signatures, sig)
	}

	info.CA, err = c.in.string()
	if err != nil {
		return nil, err
	}
	return info, nil
}

// QueryPathFromHashPart resolves a bare store path digest to the full
// path, or ErrPathInfoNotFound when no valid path carries that digest.
// The binary-cache server uses this to answer narinfo requests, which
// name paths by digest alone.
func (c *Client) QueryPathFromHashPart(ctx context.Context, storeDir, digest string) (store.Path, error) {
	defer c.deadline(ctx)()
	if err := c.out.uint64(opQueryPathFromHashPart); err != nil {
		return store.Path{}, err
	}
	if err := c.out.string(digest); err != nil {
		return store.Path{}, err
	}
	if err := c.drainStderr(nil); err != nil {
		return store.Path{}, err
	}
	absolute, err := c.in.string()
	if err != nil {
		return store.Path{}, err
	}
	if absolute == "" {
		return store.Path{}, ErrPathInfoNotFound
	}
	return store.ParsePath(storeDir, absolute)
}

// NarFromPath streams the NAR serialization of path. The daemon sends
// raw NAR bytes after the stderr stream with no framing, so the
// caller must know the exact size from a prior QueryPathInfo; the
// returned reader yields exactly narSize bytes and then EOF. The
// client must not issue another operation until the reader is
// exhausted.
func (c *Client) NarFromPath(ctx context.Context, storeDir string, path store.Path, narSize int64) (io.Reader, error) {
	defer c.deadline(ctx)()
	if err := c.out.uint64(opNarFromPath); err != nil {
		return nil, err
	}
	if err := c.out.string(path.In(storeDir)); err != nil {
		return nil, err
	}
	if err := c.drainStderr(nil); err != nil {
		return nil, err
	}
	return io.LimitReader(c.br, narSize), nil
}

// AddToStoreNar imports a path into the store: the metadata record
// followed by the NAR content through the framed sink. The daemon
// validates the NAR hash against info.NarHash. checkSignatures asks
// the daemon to enforce its own signature policy; pulls from trusted
// remotes disable it because nixcast has already verified.
func (c *Client) AddToStoreNar(ctx context.Context, storeDir string, info *store.PathInfo, nar io.Reader, checkSignatures bool) error {
	if c.version < 1<<8|23 {
		return fmt.Errorf("daemon protocol %s is too old for framed imports (need 1.23)", c.Version())
	}
	defer c.deadline(ctx)()

	if err := c.out.uint64(opAddToStoreNar); err != nil {
		return err
	}
	if err := c.out.string(info.Path.In(storeDir)); err != nil {
		return err
	}
	deriver := ""
	if !info.Deriver.IsZero() {
		deriver = info.Deriver.In(storeDir)
	}
	if err := c.out.string(deriver); err != nil {
		return err
	}
	if err := c.out.string(info.NarHash.Base16()); err != nil {
		return err
	}
	references := make([]string, len(info.References))
	for i, ref := range info.References {
		references[i] = ref.In(storeDir)
	}
	if err := c.out.strings(references); err != nil {
		return err
	}
	registration := int64(0)
	if !info.RegistrationTime.IsZero() {
		registration = info.RegistrationTime.Unix()
	}
	if err := c.out.uint64(uint64(registration)); err != nil {
		return err
	}
	if err := c.out.uint64(uint64(info.NarSize)); err != nil {
		return err
	}
	if err := c.out.bool(info.Ultimate); err != nil {
		return err
	}
	sigs := make([]string, len(info.Signatures))
	for i, sig := range info.Signatures {
		sigs[i] = sig.String()
	}
	if err := c.out.strings(sigs); err != nil {
		return err
	}
	if err := c.out.string(info.CA); err != nil {
		return err
	}
	if err := c.out.bool(false); err != nil { // repair
		return err
	}
	if err := c.out.bool(!checkSignatures); err != nil { // dontCheckSigs
		return err
	}

	// The daemon reports progress on the stderr stream while the
	// archive is still arriving, so the stream must be drained
	// concurrently with the framed send: with both peers blocked
	// writing into full socket buffers the import would deadlock.
	drained := make(chan error, 1)
	go func() { drained <- c.drainStderr(nil) }()

	sendErr := c.sendFramed(nar)
	drainErr := <-drained

	// A daemon-side rejection closes our send path, so a structured
	// daemon error explains a send failure, not the other way around.
	var daemonErr *Error
	if errors.As(drainErr, &daemonErr) {
		return drainErr
	}
	if sendErr != nil {
		return fmt.Errorf("sending archive for %s: %w", info.Path, sendErr)
	}
	return drainErr
}

// frameSize is the chunk size for the framed archive sink. Large
// enough to amortize the length prefixes, small enough to keep memory
// bounded.
const frameSize = 64 * 1024

// sendFramed copies r through the framed sink: (u64 length, bytes)*
// terminated by a zero-length frame.
func (c *Client) sendFramed(r io.Reader) error {
	buf := make([]byte, frameSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if err := c.out.uint64(uint64(n)); err != nil {
				return err
			}
			if _, err := c.conn.Write(buf[:n]); err != nil {
				return err
			}
		}
		if err == io.EOF {
			return c.out.uint64(0)
		}
		if err != nil {
			// Terminate the frame stream so the connection stays
			// decodable, then surface the read failure.
			c.out.uint64(0)
			return err
		}
	}
}

// drainStderr processes the daemon's stderr stream until stderrLast,
// logging progress messages at debug and decoding structured errors.
// If sink is non-nil, stderrNext payloads are also written to it.
func (c *Client) drainStderr(sink io.Writer) error {
	for {
		tag, err := c.in.uint64()
		if err != nil {
			return err
		}
		switch tag {
		case stderrLast:
			return nil

		case stderrNext:
			line, err := c.in.string()
			if err != nil {
				return err
			}
			if sink != nil {
				io.WriteString(sink, line)
			}
			c.logger.Debug("daemon output", "line", line)

		case stderrError:
			daemonErr, err := c.readError()
			if err != nil {
				return err
			}
			return daemonErr

		case stderrStartActivity:
			// id, level, type, text, fields, parent — all discarded.
			for _, read := range []func() error{
				func() error { _, err := c.in.uint64(); return err },
				func() error { _, err := c.in.uint64(); return err },
				func() error { _, err := c.in.uint64(); return err },
				func() error { _, err := c.in.string(); return err },
				c.skipFields,
				func() error { _, err := c.in.uint64(); return err },
			} {
				if err := read(); err != nil {
					return err
				}
			}

		case stderrStopActivity:
			if _, err := c.in.uint64(); err != nil {
				return err
			}

		case stderrResult:
			if _, err := c.in.uint64(); err != nil {
				return err
			}
			if _, err := c.in.uint64(); err != nil {
				return err
			}
			if err := c.skipFields(); err != nil {
				return err
			}

		case stderrRead, stderrWrite:
			return fmt.Errorf("daemon requested a stream operation this client does not provide (tag 0x%x)", tag)

		default:
			return fmt.Errorf("unknown stderr tag 0x%x from daemon", tag)
		}
	}
}

// readError decodes the structured error shape daemons at protocol
// 1.26+ send: type, level, name, message, position flag, and traces.
func (c *Client) readError() (*Error, error) {
	if _, err := c.in.string(); err != nil { // type, always "Error"
		return nil, err
	}
	level, err := c.in.uint64()
	if err != nil {
		return nil, err
	}
	if _, err := c.in.string(); err != nil { // name, obsolete
		return nil, err
	}
	message, err := c.in.string()
	if err != nil {
		return nil, err
	}
	if _, err := c.in.uint64(); err != nil { // havePos, always 0
		return nil, err
	}
	traces, err := c.in.uint64()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < traces; i++ {
		if _, err := c.in.uint64(); err != nil { // havePos
			return nil, err
		}
		if _, err := c.in.string(); err != nil { // trace text
			return nil, err
		}
	}
	return &Error{Message: message, Level: level}, nil
}

// skipFields discards an activity field list: count, then per field a
// type tag (0 = u64, 1 = string) and the value.
func (c *Client) skipFields() error {
	count, err := c.in.uint64()
	if err != nil {
		return err
	}
	for i := uint64(0); i < count; i++ {
		kind, err := c.in.uint64()
		if err != nil {
			return err
		}
		switch kind {
		case 0:
			if _, err := c.in.uint64(); err != nil {
				return err
			}
		case 1:
			if _, err := c.in.string(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown activity field type %d", kind)
		}
	}
	return nil
}

func parsePaths(storeDir string, absolute []string) ([]store.Path, error) {
	paths := make([]store.Path, 0, len(absolute))
	for _, abs := range absolute {
		path, err := store.ParsePath(storeDir, abs)
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}
