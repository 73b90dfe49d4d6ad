package dns

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// Resolver is the subset of *net.Resolver used for reputation checks and relay resolution.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

var ErrNotFound = errors.New("dns record not found")

type timeoutResolver struct {
	r       Resolver
	timeout time.Duration
}

// NewTimeoutResolver bounds every lookup of r by the timeout.
func NewTimeoutResolver(r Resolver, timeout time.Duration) Resolver {
	return timeoutResolver{
		r:       r,
		timeout: timeout,
	}
}

func NewSystemResolver(timeout time.Duration) Resolver {
	return NewTimeoutResolver(&net.Resolver{
		PreferGo: true,
	}, timeout)
}

func (tr timeoutResolver) LookupTXT(ctx context.Context, name string) (txts []string, err error) {
	ctx, cancel := context.WithTimeout(ctx, tr.timeout)
	defer cancel()
	return tr.r.LookupTXT(ctx, name)
}

func (tr timeoutResolver) LookupMX(ctx context.Context, name string) (mxs []*net.MX, err error) {
	ctx, cancel := context.WithTimeout(ctx, tr.timeout)
	defer cancel()
	return tr.r.LookupMX(ctx, name)
}

func (tr timeoutResolver) LookupIPAddr(ctx context.Context, host string) (addrs []net.IPAddr, err error) {
	ctx, cancel := context.WithTimeout(ctx, tr.timeout)
	defer cancel()
	return tr.r.LookupIPAddr(ctx, host)
}

func (tr timeoutResolver) LookupAddr(ctx context.Context, addr string) (names []string, err error) {
	ctx, cancel := context.WithTimeout(ctx, tr.timeout)
	defer cancel()
	return tr.r.LookupAddr(ctx, addr)
}

// IsNotFound reports whether err means the name or record does not exist, as opposed to a lookup failure.
func IsNotFound(err error) (notFound bool) {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		notFound = dnsErr.IsNotFound
	}
	return
}

func IsFQDN(s string) bool {
	return strings.HasSuffix(s, ".")
}

func FQDN(s string) string {
	if IsFQDN(s) {
		return strings.ToLower(s)
	}
	return strings.ToLower(s) + "."
}

// Unroot removes the trailing dot of a fully qualified name.
func Unroot(s string) string {
	return strings.ToLower(strings.TrimSuffix(s, "."))
}
