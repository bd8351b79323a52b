package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/V4T54L/sbs-relay/internal/adapter/metrics"
)

const dialTimeout = 5 * time.Second

// SBSClient reads BaseStation lines from a receiver's TCP feed (dump1090 port
// 30003 and friends) over one persistent connection.
type SBSClient struct {
	addr        string
	readTimeout time.Duration
	metrics     *metrics.RelayMetrics
	logger      *slog.Logger

	conn    net.Conn
	reader  *bufio.Reader
	partial string // bytes of a line cut off by a read timeout

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewSBSClient creates a client for addr. m may be nil.
func NewSBSClient(addr string, readTimeout time.Duration, m *metrics.RelayMetrics, logger *slog.Logger) *SBSClient {
	if readTimeout <= 0 {
		readTimeout = time.Second
	}
	return &SBSClient{
		addr:           addr,
		readTimeout:    readTimeout,
		metrics:        m,
		logger:         logger.With("component", "sbs_capture", "addr", addr),
		initialBackoff: time.Second,
		maxBackoff:     30 * time.Second,
	}
}

func (c *SBSClient) connect(ctx context.Context) error {
	if c.metrics != nil {
		c.metrics.CaptureReconnects.Inc()
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.addr, err)
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.partial = ""
	return nil
}

// NextLine reads one line, connecting first if needed. It reports false with
// a nil error when the read timed out or the line was blank. On a connection
// error the connection is closed and the error returned; the next call
// reconnects.
func (c *SBSClient) NextLine(ctx context.Context) (string, bool, error) {
	if c.conn == nil {
		if err := c.connect(ctx); err != nil {
			return "", false, err
		}
		c.logger.Info("Connected to receiver feed")
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
		c.closeConnection()
		return "", false, fmt.Errorf("failed to set read deadline: %w", err)
	}

	chunk, err := c.reader.ReadString('\n')
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			c.partial += chunk
			return "", false, nil
		}
		c.closeConnection()
		if errors.Is(err, io.EOF) {
			return "", false, fmt.Errorf("connection closed by receiver")
		}
		return "", false, fmt.Errorf("failed to read line: %w", err)
	}

	line := strings.TrimRight(c.partial+chunk, "\r\n")
	c.partial = ""
	if strings.TrimSpace(line) == "" {
		return "", false, nil
	}

	if c.metrics != nil {
		c.metrics.LinesCaptured.Inc()
	}
	return line, true, nil
}

// StreamLines pushes every non-blank line to out until ctx is done,
// reconnecting with exponential backoff whenever the feed drops. It is meant
// to run on its own goroutine so a slow read never stalls publishing.
func (c *SBSClient) StreamLines(ctx context.Context, out chan<- string) error {
	defer c.closeConnection()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff
	b.MaxInterval = c.maxBackoff
	b.MaxElapsedTime = 0
	retry := backoff.WithContext(b, ctx)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, ok, err := c.NextLine(ctx)
		if err != nil {
			wait := retry.NextBackOff()
			if wait == backoff.Stop {
				return ctx.Err()
			}
			c.logger.Warn("Receiver feed error, reconnecting", "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		retry.Reset()
		if !ok {
			continue
		}

		select {
		case out <- line:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *SBSClient) closeConnection() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.reader = nil
	}
}

// Close closes the connection.
func (c *SBSClient) Close() error {
	c.closeConnection()
	return nil
}
