package stratum

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/proxy"
)

// DialFunc opens a TCP connection to addr.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// NewDialer returns a dialer that connects directly or through proxyURL.
// Supported schemes are http, socks4, socks4a and socks5.
func NewDialer(proxyURL string, timeout time.Duration) (DialFunc, error) {
	direct := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	if proxyURL == "" {
		return direct.DialContext, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("proxy url %q has no host", proxyURL)
	}

	switch u.Scheme {
	case "socks5", "socks5h":
		var auth *proxy.Auth
		if u.User != nil {
			pass, _ := u.User.Password()
			auth = &proxy.Auth{User: u.User.Username(), Password: pass}
		}
		d, err := proxy.SOCKS5("tcp", u.Host, auth, direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 proxy: %w", err)
		}
		if cd, ok := d.(proxy.ContextDialer); ok {
			return cd.DialContext, nil
		}
		return func(_ context.Context, network, addr string) (net.Conn, error) {
			return d.Dial(network, addr)
		}, nil

	case "socks4", "socks4a":
		remoteDNS := u.Scheme == "socks4a"
		user := ""
		if u.User != nil {
			user = u.User.Username()
		}
		return func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := direct.DialContext(ctx, network, u.Host)
			if err != nil {
				return nil, err
			}
			if err := socks4Handshake(ctx, conn, addr, user, remoteDNS, timeout); err != nil {
				_ = conn.Close()
				return nil, err
			}
			return conn, nil
		}, nil

	case "http":
		return func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := direct.DialContext(ctx, network, u.Host)
			if err != nil {
				return nil, err
			}
			c, err := httpConnect(conn, addr, u.User, timeout)
			if err != nil {
				_ = conn.Close()
				return nil, err
			}
			return c, nil
		}, nil

	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
}

func socks4Handshake(ctx context.Context, conn net.Conn, addr, user string, remoteDNS bool, timeout time.Duration) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return fmt.Errorf("invalid port %q", portStr)
	}

	req := []byte{4, 1, 0, 0}
	binary.BigEndian.PutUint16(req[2:], uint16(port))

	var ip net.IP
	if remoteDNS {
		ip = net.IPv4(0, 0, 0, 1)
	} else {
		ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
		if err != nil {
			return fmt.Errorf("socks4 resolve %s: %w", host, err)
		}
		ip = ips[0]
	}
	req = append(req, ip.To4()...)
	req = append(req, user...)
	req = append(req, 0)
	if remoteDNS {
		req = append(req, host...)
		req = append(req, 0)
	}

	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
		defer func() { _ = conn.SetDeadline(time.Time{}) }()
	}
	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("socks4 request: %w", err)
	}

	var resp [8]byte
	if _, err := io.ReadFull(conn, resp[:]); err != nil {
		return fmt.Errorf("socks4 response: %w", err)
	}
	if resp[1] != 0x5a {
		return fmt.Errorf("socks4 proxy refused connection (code %#x)", resp[1])
	}
	return nil
}

func httpConnect(conn net.Conn, addr string, user *url.Userinfo, timeout time.Duration) (net.Conn, error) {
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if user != nil {
		pass, _ := user.Password()
		cred := base64.StdEncoding.EncodeToString([]byte(user.Username() + ":" + pass))
		req.Header.Set("Proxy-Authorization", "Basic "+cred)
	}

	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
		defer func() { _ = conn.SetDeadline(time.Time{}) }()
	}
	if err := req.Write(conn); err != nil {
		return nil, fmt.Errorf("http proxy request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, fmt.Errorf("http proxy response: %w", err)
	}
	// The body of a successful CONNECT is the tunnel, so it is never read.
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http proxy refused CONNECT: %s", resp.Status)
	}

	// The pool may already have spoken; keep what the reader buffered.
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
