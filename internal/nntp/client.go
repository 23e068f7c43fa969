// Package nntp implements the NNTP fetch pool: a worker pool of net/textproto
// connections consuming a priority queue of segments and publishing decoded
// article bytes into an order-keyed delivery map.
package nntp

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"time"
)

// ErrArticleNotFound corresponds to NNTP code 430: the article is
// permanently gone. Per spec this is fatal for the pipeline.
var ErrArticleNotFound = errors.New("nntp: article not found (430)")

// ErrPermanentFailure marks an error the worker should not retry: the
// connection itself (or the server) has rejected the operation in a way a
// reconnect cannot fix.
var ErrPermanentFailure = errors.New("nntp: permanent failure")

// Client wraps one NNTP connection.
type Client struct {
	conn    *textproto.Conn
	netConn net.Conn
	host    string
	port    int
	tls     bool
	user    string
	pass    string
	timeout time.Duration
}

// Dial opens a new NNTP connection and reads the server greeting.
func Dial(host string, port int, useTLS bool, timeout time.Duration) (*Client, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	var conn net.Conn
	var err error
	if useTLS {
		conn, err = tls.Dial("tcp", addr, nil)
	} else {
		conn, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("nntp: dial %s: %w", addr, err)
	}

	conn.SetDeadline(time.Now().Add(30 * time.Second))
	tp := textproto.NewConn(conn)
	if _, _, err := tp.ReadResponse(200); err != nil {
		tp.Close()
		return nil, fmt.Errorf("nntp: greeting: %w", err)
	}
	conn.SetDeadline(time.Time{})

	return &Client{conn: tp, netConn: conn, host: host, port: port, tls: useTLS, timeout: timeout}, nil
}

// Authenticate performs AUTHINFO USER/PASS.
func (c *Client) Authenticate(user, pass string) error {
	c.user, c.pass = user, pass
	c.setDeadline()

	id, err := c.conn.Cmd("AUTHINFO USER %s", user)
	if err != nil {
		return fmt.Errorf("nntp: AUTHINFO USER: %w", err)
	}
	c.conn.StartResponse(id)
	code, _, err := c.conn.ReadCodeLine(381)
	c.conn.EndResponse(id)
	if err != nil {
		if code == 281 {
			return nil // no password required
		}
		return fmt.Errorf("nntp: AUTHINFO USER response: %w", err)
	}

	id, err = c.conn.Cmd("AUTHINFO PASS %s", pass)
	if err != nil {
		return fmt.Errorf("nntp: AUTHINFO PASS: %w", err)
	}
	c.conn.StartResponse(id)
	_, _, err = c.conn.ReadCodeLine(281)
	c.conn.EndResponse(id)
	if err != nil {
		return fmt.Errorf("nntp: AUTHINFO PASS response: %w", err)
	}
	return nil
}

// Article fetches an article body via ARTICLE <msg-id> and returns its raw
// bytes (headers and body, dot-unstuffed), ready for the yEnc decoder's own
// header/trailer scan.
func (c *Client) Article(messageID string) ([]byte, error) {
	c.setDeadline()
	id, err := c.conn.Cmd("ARTICLE <%s>", messageID)
	if err != nil {
		return nil, fmt.Errorf("nntp: ARTICLE: %w", err)
	}

	c.conn.StartResponse(id)
	defer c.conn.EndResponse(id)

	code, _, err := c.conn.ReadCodeLine(220)
	if err != nil {
		if code == 430 {
			return nil, ErrArticleNotFound
		}
		return nil, fmt.Errorf("nntp: ARTICLE response: %w", err)
	}

	body, err := c.conn.ReadDotBytes()
	if err != nil {
		return nil, fmt.Errorf("nntp: read article body: %w", err)
	}
	return body, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) setDeadline() {
	if c.timeout <= 0 {
		return
	}
	c.netConn.SetDeadline(time.Now().Add(c.timeout))
}
