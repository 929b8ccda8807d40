// Package ftp fetches pricing records from an FTP feed over a bounded pool of
// logged-in control connections.
package ftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/pricing-webhooks/internal/webhook"
)

// Config describes the FTP endpoint and pool limits.
type Config struct {
	Addr        string        `mapstructure:"addr"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	BaseDir     string        `mapstructure:"base_dir"`
	MaxConns    int           `mapstructure:"max_conns"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	MaxBytes    int64         `mapstructure:"max_bytes"`
}

func (c Config) withDefaults() Config {
	if c.MaxConns <= 0 {
		c.MaxConns = 4
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.Username == "" {
		c.Username = "anonymous"
	}
	if c.Password == "" {
		c.Password = "anonymous"
	}
	return c
}

// Conn is the part of an FTP control connection the fetcher uses.
type Conn interface {
	Retr(path string) (io.ReadCloser, error)
	Quit() error
}

// DialFunc opens a logged-in connection.
type DialFunc func(ctx context.Context, cfg Config) (Conn, error)

// Fetcher retrieves files from the feed. At most MaxConns transfers run at
// once; idle connections are reused.
type Fetcher struct {
	cfg    Config
	dial   DialFunc
	sem    *semaphore.Weighted
	logger *zap.Logger

	mu     sync.Mutex
	idle   []Conn
	closed bool
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithDialer replaces the network dialer.
func WithDialer(dial DialFunc) Option {
	return func(f *Fetcher) {
		if dial != nil {
			f.dial = dial
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// New builds an FTP fetcher.
func New(cfg Config, opts ...Option) (*Fetcher, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("ftp address is required")
	}
	cfg = cfg.withDefaults()
	f := &Fetcher{
		cfg:    cfg,
		dial:   dialServer,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConns)),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Fetch downloads the file named by resourceID relative to BaseDir.
func (f *Fetcher) Fetch(ctx context.Context, resourceID string) ([]byte, error) {
	if strings.TrimSpace(resourceID) == "" {
		return nil, fmt.Errorf("resource id is required")
	}
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("fetch %s: wait for connection: %w", resourceID, err)
	}
	defer f.sem.Release(1)

	conn, err := f.checkout(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", resourceID, err)
	}

	remote := f.remotePath(resourceID)
	data, err := f.retrieve(conn, remote)
	if err != nil {
		if isNotFound(err) {
			// The control connection survives a 550.
			f.checkin(conn)
			return nil, fmt.Errorf("fetch %s: %w", remote, webhook.ErrResourceNotFound)
		}
		f.discard(conn)
		return nil, fmt.Errorf("fetch %s: %w", remote, err)
	}
	f.checkin(conn)
	return data, nil
}

func (f *Fetcher) retrieve(conn Conn, remote string) ([]byte, error) {
	resp, err := conn.Retr(remote)
	if err != nil {
		return nil, err
	}
	var src io.Reader = resp
	if f.cfg.MaxBytes > 0 {
		src = io.LimitReader(resp, f.cfg.MaxBytes+1)
	}
	data, readErr := io.ReadAll(src)
	closeErr := resp.Close()
	if readErr != nil {
		return nil, fmt.Errorf("read: %w", readErr)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("close transfer: %w", closeErr)
	}
	if f.cfg.MaxBytes > 0 && int64(len(data)) > f.cfg.MaxBytes {
		return nil, fmt.Errorf("file exceeds %d bytes: %w", f.cfg.MaxBytes, webhook.ErrMalformedRecord)
	}
	return data, nil
}

func (f *Fetcher) remotePath(resourceID string) string {
	name := strings.TrimLeft(resourceID, "/")
	if f.cfg.BaseDir == "" {
		return name
	}
	return path.Join(f.cfg.BaseDir, name)
}

func (f *Fetcher) checkout(ctx context.Context) (Conn, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, errors.New("ftp fetcher closed")
	}
	if n := len(f.idle); n > 0 {
		conn := f.idle[n-1]
		f.idle = f.idle[:n-1]
		f.mu.Unlock()
		return conn, nil
	}
	f.mu.Unlock()

	conn, err := f.dial(ctx, f.cfg)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", f.cfg.Addr, err)
	}
	return conn, nil
}

func (f *Fetcher) checkin(conn Conn) {
	f.mu.Lock()
	if !f.closed && len(f.idle) < f.cfg.MaxConns {
		f.idle = append(f.idle, conn)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	f.discard(conn)
}

func (f *Fetcher) discard(conn Conn) {
	if err := conn.Quit(); err != nil {
		f.logger.Debug("ftp quit failed", zap.String("addr", f.cfg.Addr), zap.Error(err))
	}
}

// Idle returns the number of pooled connections.
func (f *Fetcher) Idle() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.idle)
}

// Close quits every idle connection. Subsequent fetches fail.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	idle := f.idle
	f.idle = nil
	f.closed = true
	f.mu.Unlock()

	var errs []error
	for _, conn := range idle {
		if err := conn.Quit(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func isNotFound(err error) bool {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return protoErr.Code == ftp.StatusFileUnavailable
	}
	return false
}

type serverConn struct {
	*ftp.ServerConn
}

func (c serverConn) Retr(path string) (io.ReadCloser, error) {
	resp, err := c.ServerConn.Retr(path)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func dialServer(ctx context.Context, cfg Config) (Conn, error) {
	conn, err := ftp.Dial(cfg.Addr,
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(cfg.DialTimeout),
	)
	if err != nil {
		return nil, err
	}
	if err := conn.Login(cfg.Username, cfg.Password); err != nil {
		_ = conn.Quit()
		return nil, fmt.Errorf("login: %w", err)
	}
	return serverConn{conn}, nil
}
