package reputation

import (
	"context"
	"github.com/postkit/mta/service/dns"
	"net"
)

// Checker runs the DNS based sender reputation checks. Every method is a pure function of its inputs and DNS.
type Checker interface {

	// ReverseDns resolves the PTR names of the ip and forward-confirms them.
	ReverseDns(ctx context.Context, ip net.IP) (status RdnsStatus, name string, err error)

	// Spf evaluates the sender domain's policy, or the HELO domain's one when the sender is empty (bounce).
	Spf(ctx context.Context, ip net.IP, helo, sender string) (result SpfResult, err error)

	// Dmarc looks up the policy of the domain, falling back to its organizational domain.
	// Returns nil policy when none is published.
	Dmarc(ctx context.Context, domain string) (p *DmarcPolicy, err error)

	HasMx(ctx context.Context, domain string) (found bool, err error)
}

type checker struct {
	resolver dns.Resolver
}

func NewChecker(resolver dns.Resolver) Checker {
	return checker{
		resolver: resolver,
	}
}

func (c checker) HasMx(ctx context.Context, domain string) (found bool, err error) {
	var mxs []*net.MX
	mxs, err = c.resolver.LookupMX(ctx, domain)
	switch {
	case err == nil:
		found = len(mxs) > 0
	case dns.IsNotFound(err):
		err = nil
	}
	return
}
