package edgehost

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// privateRanges is parsed once at init time to avoid repeated allocations on
// every classification call.
var privateRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		// IPv4 private and special-use ranges
		"0.0.0.0/8",       // "This" network (RFC 1122)
		"10.0.0.0/8",      // Private (RFC 1918)
		"100.64.0.0/10",   // Carrier-grade NAT (RFC 6598)
		"169.254.0.0/16",  // Link-local (RFC 3927)
		"172.16.0.0/12",   // Private (RFC 1918)
		"192.0.0.0/24",    // IETF protocol assignments (RFC 6890)
		"192.0.2.0/24",    // Documentation TEST-NET-1 (RFC 5737)
		"192.168.0.0/16",  // Private (RFC 1918)
		"198.18.0.0/15",   // Benchmarking (RFC 2544)
		"198.51.100.0/24", // Documentation TEST-NET-2 (RFC 5737)
		"203.0.113.0/24",  // Documentation TEST-NET-3 (RFC 5737)
		"240.0.0.0/4",     // Reserved for future use (RFC 1112)
		// IPv6 private and special-use ranges
		"fc00::/7", // Unique local address
	} {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("invalid CIDR: " + cidr)
		}
		privateRanges = append(privateRanges, n)
	}
}

// isPrivateIP returns true if the IP is in a private or special-use range
// (loopback and link-local count as private for the public/private split).
func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
		return true
	}
	for _, n := range privateRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// isLocalIP returns true for loopback and link-local addresses.
func isLocalIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsLinkLocalUnicast()
}

// peerPattern is one entry of a network allow/deny list: a well-known
// category or a literal host/CIDR.
type peerPattern struct {
	category string // "public", "private", "local", "network", or "" for literals
	cidr     *net.IPNet
	host     string
}

func parsePeerPattern(text string) peerPattern {
	switch text {
	case "public", "private", "local", "network":
		return peerPattern{category: text}
	}
	if _, n, err := net.ParseCIDR(text); err == nil {
		return peerPattern{cidr: n}
	}
	if ip := net.ParseIP(text); ip != nil {
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		return peerPattern{cidr: &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}}
	}
	return peerPattern{host: strings.ToLower(text)}
}

func (p peerPattern) matches(host string, ip net.IP) bool {
	switch p.category {
	case "network":
		return true
	case "public":
		return ip != nil && !isPrivateIP(ip)
	case "private":
		return ip != nil && isPrivateIP(ip) && !isLocalIP(ip)
	case "local":
		return ip != nil && isLocalIP(ip)
	}
	if p.cidr != nil {
		return ip != nil && p.cidr.Contains(ip)
	}
	return p.host != "" && strings.EqualFold(p.host, host)
}

// restrictedDialer dials only peers matched by the allow list and not by the
// deny list; an empty allow list permits every peer the deny list does not
// match. The check runs after DNS resolution, at actual connect time, so
// rebinding between check and connect is not possible.
type restrictedDialer struct {
	allow []peerPattern
	deny  []peerPattern
}

func newRestrictedDialer(allow, deny []string) *restrictedDialer {
	d := &restrictedDialer{}
	for _, a := range allow {
		d.allow = append(d.allow, parsePeerPattern(a))
	}
	for _, a := range deny {
		d.deny = append(d.deny, parsePeerPattern(a))
	}
	return d
}

func (d *restrictedDialer) permitted(host string, ip net.IP) bool {
	for _, p := range d.deny {
		if p.matches(host, ip) {
			return false
		}
	}
	if len(d.allow) == 0 {
		return true
	}
	for _, p := range d.allow {
		if p.matches(host, ip) {
			return true
		}
	}
	return false
}

// DialContext resolves addr and connects to the first resolved IP the peer
// restriction permits.
func (d *restrictedDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("DNS lookup failed for %s: %w", host, err)
	}

	for _, ip := range ips {
		if !d.permitted(strings.ToLower(host), ip.IP) {
			continue
		}
		dialer := &net.Dialer{}
		return dialer.DialContext(ctx, network, net.JoinHostPort(ip.IP.String(), port))
	}
	return nil, fmt.Errorf("connection to %s is not permitted by this network's peer restrictions", host)
}

// NetworkService is a generalized outbound HTTP client over a peer-restricted
// network view. The same instance serves every request; it keeps no
// per-request state.
type NetworkService struct {
	unsupportedEvents
	client *http.Client
}

var _ Service = (*NetworkService)(nil)
var _ WorkerInterface = (*NetworkService)(nil)

// newNetworkService builds the service from its allow/deny lists and
// optional TLS options.
func (s *Server) newNetworkService(conf NetworkConfig) (*NetworkService, error) {
	dialer := newRestrictedDialer(conf.Allow, conf.Deny)
	transport := &http.Transport{
		DialContext:       dialer.DialContext,
		ForceAttemptHTTP2: true,
	}
	if conf.TLSOptions != nil {
		tlsCfg, err := s.makeTLSConfig(*conf.TLSOptions)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsCfg
	}
	return &NetworkService{
		unsupportedEvents: unsupportedEvents{message: "External HTTP servers don't support this event type."},
		client:            &http.Client{Transport: transport, CheckRedirect: noRedirect},
	}, nil
}

// noRedirect leaves redirect handling to the calling worker.
func noRedirect(req *http.Request, via []*http.Request) error {
	return http.ErrUseLastResponse
}

// StartRequest returns the service itself; there is no per-request state.
func (n *NetworkService) StartRequest(metadata SubrequestMetadata) WorkerInterface {
	return n
}

// Request forwards the request to whatever host the URL names, subject to
// the peer restriction.
func (n *NetworkService) Request(ctx context.Context, method, url string, headers http.Header, body io.Reader, resp Responder) error {
	out, err := buildOutboundRequest(ctx, method, url, headers, body)
	if err != nil {
		return err
	}
	upstream, err := n.client.Do(out)
	if err != nil {
		return fmt.Errorf("network request: %w", err)
	}
	defer upstream.Body.Close()
	return relayResponse(upstream, nil, resp)
}

// buildOutboundRequest constructs an outbound http.Request from an absolute
// URL and a flat header set. The Host header, if present, becomes the
// request's Host field.
func buildOutboundRequest(ctx context.Context, method, url string, headers http.Header, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for name, vals := range headers {
		if name == "Host" {
			continue
		}
		req.Header[name] = append([]string(nil), vals...)
	}
	if host := headers.Get("Host"); host != "" {
		req.Host = host
	}
	return req, nil
}

// relayResponse copies an upstream response to the responder, applying the
// rewriter's response pass when one is given.
func relayResponse(upstream *http.Response, rewriter *HTTPRewriter, resp Responder) error {
	headers := upstream.Header.Clone()
	if rewriter != nil && rewriter.NeedsRewriteResponse() {
		rewriter.RewriteResponse(headers)
	}
	size := upstream.ContentLength
	w, err := resp.Send(upstream.StatusCode, statusText(upstream), headers, size)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, upstream.Body)
	return err
}

// statusText extracts the reason phrase from an upstream status line,
// falling back to the standard text.
func statusText(resp *http.Response) string {
	if i := strings.IndexByte(resp.Status, ' '); i >= 0 {
		return resp.Status[i+1:]
	}
	return http.StatusText(resp.StatusCode)
}

// dialTimeout bounds upstream connection establishment for pinned-address
// services.
const dialTimeout = 30 * time.Second

// pinnedDialer always dials the configured address, regardless of the URL
// host, the way a client bound to a resolved NetworkAddress behaves.
type pinnedDialer struct {
	addr string
}

func (d *pinnedDialer) DialContext(ctx context.Context, network, _ string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	return dialer.DialContext(ctx, network, d.addr)
}

// pinnedTransport builds a transport that connects only to addr. tlsCfg,
// when non-nil, upgrades the connection with certificateHost (or the URL
// host) as the verified name.
func pinnedTransport(addr string, tlsCfg *tls.Config, certificateHost string) *http.Transport {
	d := &pinnedDialer{addr: addr}
	t := &http.Transport{
		DialContext:       d.DialContext,
		ForceAttemptHTTP2: true,
	}
	if tlsCfg != nil {
		cfg := tlsCfg.Clone()
		if certificateHost != "" {
			cfg.ServerName = certificateHost
		}
		t.TLSClientConfig = cfg
	}
	return t
}
