package probe

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/moniwatch/moniwatch/internal/models"
)

// Certificate is the leaf certificate presented by a TLS endpoint.
type Certificate struct {
	Subject   string
	Issuer    string
	NotBefore time.Time
	NotAfter  time.Time
}

// CertProbe reads the validity window of TLS certificates.
type CertProbe struct {
	timeout time.Duration
}

// NewCertProbe creates a certificate probe.
func NewCertProbe(timeout time.Duration) *CertProbe {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CertProbe{timeout: timeout}
}

// Inspect completes a TLS handshake with domain and returns its leaf
// certificate. Chain verification is skipped so expired certificates can
// still be reported.
func (p *CertProbe) Inspect(ctx context.Context, domain string) (*Certificate, error) {
	addr, host, err := certAddress(domain)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: p.timeout},
		Config: &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: true, //nolint:gosec // dates are read, trust is not established
		},
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", models.ErrDomainCheck, addr, err)
	}
	defer conn.Close()

	certs := conn.(*tls.Conn).ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil, fmt.Errorf("%w: %s: no certificate presented", models.ErrDomainCheck, addr)
	}
	leaf := certs[0]
	return &Certificate{
		Subject:   leaf.Subject.CommonName,
		Issuer:    leaf.Issuer.CommonName,
		NotBefore: leaf.NotBefore,
		NotAfter:  leaf.NotAfter,
	}, nil
}

// certAddress turns "host", "host:port" or "https://host[:port]/path" into
// a dial address, defaulting to port 443.
func certAddress(domain string) (addr, host string, err error) {
	d := strings.TrimSpace(domain)
	if strings.Contains(d, "://") {
		u, perr := url.Parse(d)
		if perr != nil || u.Host == "" {
			return "", "", fmt.Errorf("%w: invalid domain %q", models.ErrDomainCheck, domain)
		}
		d = u.Host
	}
	d = strings.TrimSuffix(d, "/")
	if d == "" {
		return "", "", fmt.Errorf("%w: invalid domain %q", models.ErrDomainCheck, domain)
	}

	host, port, serr := net.SplitHostPort(d)
	if serr != nil {
		host, port = strings.Trim(d, "[]"), "443"
	}
	if host == "" {
		return "", "", fmt.Errorf("%w: invalid domain %q", models.ErrDomainCheck, domain)
	}
	return net.JoinHostPort(host, port), host, nil
}
