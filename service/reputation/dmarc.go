package reputation

import (
	"context"
	"fmt"
	"github.com/emersion/go-msgauth/dmarc"
	"github.com/postkit/mta/service/dns"
	"golang.org/x/net/publicsuffix"
	"strings"
)

type DmarcPolicy struct {
	Domain string
	Policy dmarc.Policy
	// Percent is the share of failing messages the policy is enforced on, 0..100.
	Percent int
}

// Applies decides whether the policy is enforced on a single message given a sample drawn from [0, 1).
func (p DmarcPolicy) Applies(sample float64) bool {
	return sample*100 < float64(p.Percent)
}

func (c checker) Dmarc(ctx context.Context, domain string) (p *DmarcPolicy, err error) {
	domain = dns.Unroot(strings.ToLower(domain))
	var rec *dmarc.Record
	rec, err = c.dmarcRecord(ctx, domain)
	if err == nil && rec == nil {
		orgDomain, orgErr := publicsuffix.EffectiveTLDPlusOne(domain)
		if orgErr == nil && orgDomain != domain {
			rec, err = c.dmarcRecord(ctx, orgDomain)
			if rec != nil && rec.SubdomainPolicy != "" {
				rec.Policy = rec.SubdomainPolicy
			}
		}
	}
	if err == nil && rec != nil {
		p = &DmarcPolicy{
			Domain:  domain,
			Policy:  rec.Policy,
			Percent: 100,
		}
		if rec.Percent != nil {
			p.Percent = *rec.Percent
		}
	}
	return
}

func (c checker) dmarcRecord(ctx context.Context, domain string) (rec *dmarc.Record, err error) {
	var txts []string
	txts, err = c.resolver.LookupTXT(ctx, "_dmarc."+domain)
	switch {
	case dns.IsNotFound(err):
		err = nil
		return
	case err != nil:
		err = fmt.Errorf("%w: %s", ErrDns, err)
		return
	}
	for _, txt := range txts {
		if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(txt)), "v=dmarc1") {
			continue
		}
		// an invalid record is treated as no record
		rec, _ = dmarc.Parse(txt)
		break
	}
	return
}
