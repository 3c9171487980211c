package device

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// EgressDialer establishes outbound connections through a SOCKS5 or
// HTTP-CONNECT proxy, for devices whose only network egress is through
// a configured proxy. Optional: most devices dial the proxy tunnel
// endpoint directly.
type EgressDialer struct {
	proxyURL *url.URL
	timeout  time.Duration
}

// NewEgressDialer parses the egress proxy url. Supported schemes:
// socks5, socks5h, http, https.
func NewEgressDialer(rawURL string, timeout time.Duration) (*EgressDialer, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing egress proxy url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "socks5", "socks5h", "http", "https":
	default:
		return nil, fmt.Errorf("unsupported egress proxy scheme: %s", u.Scheme)
	}
	return &EgressDialer{proxyURL: u, timeout: timeout}, nil
}

// DialContext establishes a connection to addr through the egress proxy.
func (d *EgressDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	switch strings.ToLower(d.proxyURL.Scheme) {
	case "socks5", "socks5h":
		return d.dialSOCKS5(ctx, network, addr)
	default:
		return d.dialHTTPConnect(ctx, network, addr)
	}
}

func (d *EgressDialer) dialSOCKS5(ctx context.Context, network, addr string) (net.Conn, error) {
	var auth *proxy.Auth
	if d.proxyURL.User != nil {
		password, _ := d.proxyURL.User.Password()
		auth = &proxy.Auth{User: d.proxyURL.User.Username(), Password: password}
	}

	dialer, err := proxy.SOCKS5("tcp", d.proxyURL.Host, auth, &net.Dialer{Timeout: d.timeout})
	if err != nil {
		return nil, fmt.Errorf("creating socks5 dialer: %w", err)
	}
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, addr)
	}
	return dialer.Dial(network, addr)
}

func (d *EgressDialer) dialHTTPConnect(ctx context.Context, network, addr string) (net.Conn, error) {
	proxyHost := d.proxyURL.Host
	if !strings.Contains(proxyHost, ":") {
		if d.proxyURL.Scheme == "https" {
			proxyHost += ":443"
		} else {
			proxyHost += ":80"
		}
	}

	dialer := &net.Dialer{Timeout: d.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", proxyHost)
	if err != nil {
		return nil, fmt.Errorf("connecting to egress proxy: %w", err)
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", addr, addr)
	if d.proxyURL.User != nil {
		password, _ := d.proxyURL.User.Password()
		creds := base64.StdEncoding.EncodeToString([]byte(d.proxyURL.User.Username() + ":" + password))
		req += fmt.Sprintf("Proxy-Authorization: Basic %s\r\n", creds)
	}
	req += "\r\n"

	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending connect request: %w", err)
	}

	status, err := readStatusLine(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading connect response: %w", err)
	}
	if !strings.Contains(status, "200") {
		conn.Close()
		return nil, fmt.Errorf("http connect failed: %s", status)
	}
	return conn, nil
}

func readStatusLine(conn net.Conn) (string, error) {
	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return statusLine, nil
		}
		if strings.TrimSpace(line) == "" {
			break
		}
	}
	return statusLine, nil
}
