package resolver

import (
	"context"
	"errors"
	"fmt"
	"github.com/postkit/mta/model"
	"github.com/postkit/mta/service/cache"
	"github.com/postkit/mta/service/dns"
	"github.com/postkit/mta/util"
	"golang.org/x/sync/errgroup"
	"net"
	"sort"
	"strings"
)

// Service resolves destination domains to relay targets.
type Service interface {

	// Resolve resolves every unique domain in parallel and merges the targets into one list sorted by ascending
	// priority. A failing domain does not abort the others, it is reported in the failures.
	Resolve(ctx context.Context, domains ...string) (targets []model.RelayTarget, failures []DomainError)

	// ResolveRecipients is Resolve over the domains of the recipient addresses.
	ResolveRecipients(ctx context.Context, rcpts ...string) (targets []model.RelayTarget, failures []DomainError)
}

type DomainError struct {
	Domain string
	Err    error
}

func (e DomainError) Error() string {
	return fmt.Sprintf("%s: %s", e.Domain, e.Err)
}

func (e DomainError) Unwrap() error {
	return e.Err
}

var ErrInvalidDomain = errors.New("invalid domain")
var ErrNullMx = errors.New("domain does not accept mail")
var ErrNoHost = errors.New("no mail exchanger found")
var ErrLookup = errors.New("mx lookup failure")

type service struct {
	resolver    dns.Resolver
	cache       cache.Cache[string, []model.RelayTarget]
	concurrency int
	addrHosts   int
}

func NewService(resolver dns.Resolver, c cache.Cache[string, []model.RelayTarget], concurrency, addrHosts int) Service {
	return service{
		resolver:    resolver,
		cache:       c,
		concurrency: concurrency,
		addrHosts:   addrHosts,
	}
}

func (svc service) ResolveRecipients(ctx context.Context, rcpts ...string) (targets []model.RelayTarget, failures []DomainError) {
	var domains []string
	for _, rcpt := range rcpts {
		_, _, domain, err := util.ParseAddress(rcpt)
		switch err {
		case nil:
			domains = append(domains, domain)
		default:
			failures = append(failures, DomainError{Domain: rcpt, Err: err})
		}
	}
	resolved, resolveFailures := svc.Resolve(ctx, domains...)
	targets = resolved
	failures = append(failures, resolveFailures...)
	return
}

func (svc service) Resolve(ctx context.Context, domains ...string) (targets []model.RelayTarget, failures []DomainError) {
	unique := make([]string, 0, len(domains))
	seen := make(map[string]bool, len(domains))
	for _, d := range domains {
		d = dns.Unroot(strings.TrimSpace(d))
		switch {
		case d == "":
			failures = append(failures, DomainError{Domain: d, Err: ErrInvalidDomain})
		case !seen[d]:
			seen[d] = true
			unique = append(unique, d)
		}
	}
	results := make([][]model.RelayTarget, len(unique))
	errs := make([]error, len(unique))
	var g errgroup.Group
	if svc.concurrency > 0 {
		g.SetLimit(svc.concurrency)
	}
	for i, d := range unique {
		g.Go(func() error {
			results[i], errs[i] = svc.resolveDomain(ctx, d)
			return nil
		})
	}
	_ = g.Wait()
	for i, d := range unique {
		switch errs[i] {
		case nil:
			targets = append(targets, results[i]...)
		default:
			failures = append(failures, DomainError{Domain: d, Err: errs[i]})
		}
	}
	sort.SliceStable(targets, func(i, j int) bool {
		return targets[i].Priority < targets[j].Priority
	})
	return
}

func (svc service) resolveDomain(ctx context.Context, domain string) (targets []model.RelayTarget, err error) {
	var hit bool
	targets, hit = svc.cache.Get(domain)
	if hit {
		metricCache.WithLabelValues("hit").Inc()
		targets = copyTargets(targets)
		return
	}
	metricCache.WithLabelValues("miss").Inc()
	var mxs []*net.MX
	var implicit bool
	mxs, err = svc.resolver.LookupMX(ctx, domain)
	switch {
	case err == nil && len(mxs) == 1 && (mxs[0].Host == "." || mxs[0].Host == ""):
		err = fmt.Errorf("%w: %s", ErrNullMx, domain)
	case err == nil && len(mxs) > 0:
		for _, mx := range mxs {
			targets = append(targets, model.RelayTarget{
				Domain:   domain,
				Priority: mx.Pref,
				Host:     dns.Unroot(mx.Host),
			})
		}
	case err == nil, dns.IsNotFound(err):
		// no mx: the domain itself is the implicit exchanger when it has an address
		err = nil
		implicit = true
		targets = []model.RelayTarget{
			{
				Domain: domain,
				Host:   domain,
			},
		}
	default:
		err = fmt.Errorf("%w: %s", ErrLookup, err)
	}
	if err != nil {
		return
	}
	sort.SliceStable(targets, func(i, j int) bool {
		if targets[i].Priority != targets[j].Priority {
			return targets[i].Priority < targets[j].Priority
		}
		return targets[i].Host < targets[j].Host
	})
	svc.resolveAddrs(ctx, targets)
	if implicit && len(targets[0].IPv4)+len(targets[0].IPv6) == 0 {
		err = fmt.Errorf("%w: %s", ErrNoHost, domain)
		targets = nil
		return
	}
	svc.cache.Set(domain, targets)
	targets = copyTargets(targets)
	return
}

// resolveAddrs fills the addresses of the most preferred hosts. A host that does not resolve keeps its name only.
func (svc service) resolveAddrs(ctx context.Context, targets []model.RelayTarget) {
	n := min(len(targets), svc.addrHosts)
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		addrs, err := svc.resolver.LookupIPAddr(ctx, targets[i].Host)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			switch a.IP.To4() {
			case nil:
				targets[i].IPv6 = append(targets[i].IPv6, a.IP.String())
			default:
				targets[i].IPv4 = append(targets[i].IPv4, a.IP.String())
			}
		}
	}
}

func copyTargets(src []model.RelayTarget) (dst []model.RelayTarget) {
	dst = make([]model.RelayTarget, len(src))
	copy(dst, src)
	return
}
