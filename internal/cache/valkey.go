package cache

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// ValkeyConfig holds connection parameters for a Valkey/Redis-compatible server.
type ValkeyConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
	TLS          bool
}

// ValkeyProvider implements Provider against a Valkey server. Connections are
// dialled per command; the pattern cache is read rarely enough that pooling
// would buy nothing.
type ValkeyProvider struct {
	cfg ValkeyConfig
}

// NewValkeyProvider creates a Provider using the supplied configuration and
// pings the target to fail fast on bad credentials or connectivity.
func NewValkeyProvider(cfg ValkeyConfig) (*ValkeyProvider, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey addr is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 500 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}

	provider := &ValkeyProvider{cfg: cfg}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := provider.ping(ctx); err != nil {
		return nil, err
	}
	return provider, nil
}

// Get fetches bytes by key, returning ErrCacheMiss when the key is absent.
func (p *ValkeyProvider) Get(ctx context.Context, key string) ([]byte, error) {
	var payload []byte
	err := p.withConn(ctx, func(c *conn) error {
		if err := c.write("GET", key); err != nil {
			return err
		}
		data, isNil, err := c.readBulk()
		if err != nil {
			return err
		}
		if isNil {
			return ErrCacheMiss
		}
		payload = data
		return nil
	})
	return payload, err
}

// Set stores bytes with the provided TTL.
func (p *ValkeyProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return p.withConn(ctx, func(c *conn) error {
		args := []string{"SET", key, string(value)}
		if ttl > 0 {
			args = append(args, "PX", strconv.FormatInt(ttl.Milliseconds(), 10))
		}
		if err := c.write(args...); err != nil {
			return err
		}
		return c.expectOK("SET")
	})
}

// Del removes a key from the cache.
func (p *ValkeyProvider) Del(ctx context.Context, key string) error {
	return p.withConn(ctx, func(c *conn) error {
		if err := c.write("DEL", key); err != nil {
			return err
		}
		_, _, err := c.readBulk()
		return err
	})
}

// Close is a no-op; the provider holds no persistent connections.
func (p *ValkeyProvider) Close() error { return nil }

func (p *ValkeyProvider) ping(ctx context.Context) error {
	return p.withConn(ctx, func(c *conn) error {
		if err := c.write("PING"); err != nil {
			return err
		}
		data, _, err := c.readBulk()
		if err != nil {
			return err
		}
		if !strings.EqualFold(string(data), "PONG") {
			return fmt.Errorf("unexpected PING response: %s", data)
		}
		return nil
	})
}

func (p *ValkeyProvider) withConn(ctx context.Context, fn func(*conn) error) error {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c, err := p.dial(ctx)
		if err == nil {
			err = p.auth(c)
			if err == nil {
				err = fn(c)
			}
			c.close()
		}
		if err == nil {
			return nil
		}
		lastErr = err

		var netErr net.Error
		if !errors.As(err, &netErr) || attempt == p.cfg.MaxRetries-1 {
			return err
		}
		time.Sleep(time.Duration(1<<attempt) * 25 * time.Millisecond)
	}
	return lastErr
}

func (p *ValkeyProvider) dial(ctx context.Context) (*conn, error) {
	dialer := net.Dialer{Timeout: p.cfg.DialTimeout}
	var (
		netConn net.Conn
		err     error
	)
	if p.cfg.TLS {
		host := p.cfg.Addr
		if h, _, splitErr := net.SplitHostPort(p.cfg.Addr); splitErr == nil {
			host = h
		}
		netConn, err = tls.DialWithDialer(&dialer, "tcp", p.cfg.Addr, &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: host,
		})
	} else {
		netConn, err = dialer.DialContext(ctx, "tcp", p.cfg.Addr)
	}
	if err != nil {
		return nil, err
	}
	return &conn{
		raw:          netConn,
		reader:       bufio.NewReader(netConn),
		writer:       bufio.NewWriter(netConn),
		readTimeout:  p.cfg.ReadTimeout,
		writeTimeout: p.cfg.WriteTimeout,
	}, nil
}

func (p *ValkeyProvider) auth(c *conn) error {
	if p.cfg.Password != "" {
		args := []string{"AUTH"}
		if p.cfg.Username != "" {
			args = append(args, p.cfg.Username)
		}
		args = append(args, p.cfg.Password)
		if err := c.write(args...); err != nil {
			return err
		}
		if err := c.expectOK("AUTH"); err != nil {
			return err
		}
	}
	if p.cfg.DB > 0 {
		if err := c.write("SELECT", strconv.Itoa(p.cfg.DB)); err != nil {
			return err
		}
		return c.expectOK("SELECT")
	}
	return nil
}

// conn wraps one network connection with just enough RESP framing.
type conn struct {
	raw          net.Conn
	reader       *bufio.Reader
	writer       *bufio.Writer
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *conn) close() { _ = c.raw.Close() }

func (c *conn) write(parts ...string) error {
	if err := c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	fmt.Fprintf(c.writer, "*%d\r\n", len(parts))
	for _, part := range parts {
		fmt.Fprintf(c.writer, "$%d\r\n%s\r\n", len(part), part)
	}
	return c.writer.Flush()
}

// readBulk consumes one reply, returning its payload. isNil reports a RESP
// nil bulk string. Integer replies come back as their decimal text.
func (c *conn) readBulk() (data []byte, isNil bool, err error) {
	if err := c.raw.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
		return nil, false, err
	}
	prefix, err := c.reader.ReadByte()
	if err != nil {
		return nil, false, err
	}
	line, err := c.readLine()
	if err != nil {
		return nil, false, err
	}

	switch prefix {
	case '+', ':':
		return line, false, nil
	case '-':
		return nil, false, errors.New(string(line))
	case '$':
		size, err := strconv.Atoi(string(line))
		if err != nil {
			return nil, false, err
		}
		if size < 0 {
			return nil, true, nil
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(c.reader, buf); err != nil {
			return nil, false, err
		}
		return buf[:size], false, nil
	default:
		return nil, false, fmt.Errorf("unexpected RESP prefix %q", prefix)
	}
}

func (c *conn) expectOK(op string) error {
	data, _, err := c.readBulk()
	if err != nil {
		return err
	}
	if !strings.EqualFold(string(data), "OK") {
		return fmt.Errorf("unexpected %s response: %s", op, data)
	}
	return nil
}

func (c *conn) readLine() ([]byte, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}
