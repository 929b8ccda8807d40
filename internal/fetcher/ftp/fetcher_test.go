package ftp

import (
	"context"
	"errors"
	"io"
	"net/textproto"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pricing-webhooks/internal/webhook"
)

type fakeServer struct {
	mu       sync.Mutex
	files    map[string]string
	active   int
	peak     int
	dials    atomic.Int32
	quits    atomic.Int32
	delay    time.Duration
	failRetr error
}

func (s *fakeServer) dial(context.Context, Config) (Conn, error) {
	s.dials.Add(1)
	return &fakeConn{server: s}, nil
}

type fakeConn struct {
	server *fakeServer
}

func (c *fakeConn) Retr(path string) (io.ReadCloser, error) {
	s := c.server
	s.mu.Lock()
	if s.failRetr != nil {
		err := s.failRetr
		s.mu.Unlock()
		return nil, err
	}
	body, ok := s.files[path]
	s.active++
	if s.active > s.peak {
		s.peak = s.active
	}
	s.mu.Unlock()

	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	s.active--
	s.mu.Unlock()

	if !ok {
		return nil, &textproto.Error{Code: 550, Msg: "No such file or directory"}
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func (c *fakeConn) Quit() error {
	c.server.quits.Add(1)
	return nil
}

func TestNewRequiresAddr(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}

func TestFetchReusesConnections(t *testing.T) {
	t.Parallel()

	server := &fakeServer{files: map[string]string{"feeds/sku-1.json": `{"price":"1.00"}`}}
	f, err := New(Config{Addr: "ftp.example:21", BaseDir: "feeds"}, WithDialer(server.dial))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		data, err := f.Fetch(context.Background(), "sku-1.json")
		require.NoError(t, err)
		require.Equal(t, `{"price":"1.00"}`, string(data))
	}
	require.Equal(t, int32(1), server.dials.Load())
	require.Equal(t, 1, f.Idle())

	require.NoError(t, f.Close())
	require.Equal(t, int32(1), server.quits.Load())
	_, err = f.Fetch(context.Background(), "sku-1.json")
	require.Error(t, err)
}

func TestFetchMapsMissingFile(t *testing.T) {
	t.Parallel()

	server := &fakeServer{files: map[string]string{}}
	f, err := New(Config{Addr: "ftp.example:21"}, WithDialer(server.dial))
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), "missing.json")
	require.ErrorIs(t, err, webhook.ErrResourceNotFound)
	require.Equal(t, 1, f.Idle(), "connection survives a 550")
}

func TestFetchDiscardsBrokenConnections(t *testing.T) {
	t.Parallel()

	server := &fakeServer{failRetr: errors.New("connection reset")}
	f, err := New(Config{Addr: "ftp.example:21"}, WithDialer(server.dial))
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), "sku-1.json")
	require.Error(t, err)
	require.NotErrorIs(t, err, webhook.ErrResourceNotFound)
	require.Equal(t, 0, f.Idle())
	require.Equal(t, int32(1), server.quits.Load())
}

func TestFetchBoundsConcurrentTransfers(t *testing.T) {
	t.Parallel()

	server := &fakeServer{
		files: map[string]string{"a": "{}"},
		delay: 20 * time.Millisecond,
	}
	f, err := New(Config{Addr: "ftp.example:21", MaxConns: 2}, WithDialer(server.dial))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Fetch(context.Background(), "a")
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	server.mu.Lock()
	defer server.mu.Unlock()
	require.LessOrEqual(t, server.peak, 2)
	require.LessOrEqual(t, server.dials.Load(), int32(2))
}

func TestFetchEnforcesMaxBytes(t *testing.T) {
	t.Parallel()

	server := &fakeServer{files: map[string]string{"big": strings.Repeat("x", 32)}}
	f, err := New(Config{Addr: "ftp.example:21", MaxBytes: 8}, WithDialer(server.dial))
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), "big")
	require.ErrorIs(t, err, webhook.ErrMalformedRecord)
}

func TestFetchHonorsContextWhileWaiting(t *testing.T) {
	t.Parallel()

	server := &fakeServer{files: map[string]string{"a": "{}"}}
	f, err := New(Config{Addr: "ftp.example:21", MaxConns: 1}, WithDialer(server.dial))
	require.NoError(t, err)

	require.NoError(t, f.sem.Acquire(context.Background(), 1))
	defer f.sem.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = f.Fetch(ctx, "a")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
