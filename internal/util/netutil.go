package util

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/net/netutil"
)

const (
	// drainLimit bounds how many unread request bytes LingeringClose will discard.
	drainLimit = 64 << 10

	// DefaultLingerTimeout is how long a closing connection drains unread input.
	DefaultLingerTimeout = 2 * time.Second
)

// ListenAddress joins a bind host and a port. An empty host listens on all interfaces.
func ListenAddress(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// CreateListener creates a net.Listener on the given address. When maxConns
// is positive, at most maxConns accepted connections are open at once;
// further Accept calls block until one is closed. Connections accepted
// through the limit still close through LingeringClose.
func CreateListener(network, address string, maxConns int) (net.Listener, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, fmt.Errorf("unsupported network type: %s, only 'tcp', 'tcp4', or 'tcp6' are supported for CreateListener", network)
	}
	if maxConns < 0 {
		return nil, fmt.Errorf("maxConns cannot be negative, got %d", maxConns)
	}

	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener on %s %s: %w", network, address, err)
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(&lingerListener{Listener: ln, linger: DefaultLingerTimeout}, maxConns)
	}
	return ln, nil
}

// IsAddrInUse checks if the error indicates an "address already in use" condition.
func IsAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	// Go's net package wraps these in *net.OpError; fall back to the message.
	return strings.Contains(strings.ToLower(err.Error()), "address already in use")
}

// IsTemporaryAcceptError reports whether an Accept error is worth retrying.
func IsTemporaryAcceptError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE)
}

// SplitRemoteAddr splits a "host:port" peer address. If remoteAddr is not in
// that form it is returned unchanged as the host with port "0".
func SplitRemoteAddr(remoteAddr string) (host, port string) {
	host, port, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		if ip := net.ParseIP(remoteAddr); ip != nil {
			return ip.String(), "0"
		}
		return remoteAddr, "0"
	}
	return host, port
}

// closeWriter is implemented by *net.TCPConn and *net.UnixConn.
type closeWriter interface {
	CloseWrite() error
}

// LingeringClose half-closes conn, discards what the peer still sends for up
// to linger, then closes it. A TCP socket closed with unread input is reset,
// and the reset can discard response bytes the peer has not read yet.
func LingeringClose(conn net.Conn, linger time.Duration) error {
	cw, ok := conn.(closeWriter)
	if !ok || linger <= 0 {
		return conn.Close()
	}
	if err := cw.CloseWrite(); err != nil {
		return conn.Close()
	}
	if err := conn.SetReadDeadline(time.Now().Add(linger)); err == nil {
		io.Copy(io.Discard, io.LimitReader(conn, drainLimit))
	}
	return conn.Close()
}

// lingerListener hands out connections whose Close lingers. A wrapper
// stacked on top, such as netutil.LimitListener, hides CloseWrite but still
// calls Close on the connection it wraps.
type lingerListener struct {
	net.Listener
	linger time.Duration
}

func (l *lingerListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &lingerConn{Conn: c, linger: l.linger}, nil
}

type lingerConn struct {
	net.Conn
	linger    time.Duration
	closeOnce sync.Once
	closeErr  error
}

func (c *lingerConn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = LingeringClose(c.Conn, c.linger) })
	return c.closeErr
}
