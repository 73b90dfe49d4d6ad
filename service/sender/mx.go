package sender

import (
	"context"
	"errors"
	"fmt"
	"github.com/postkit/mta/model"
	"github.com/postkit/mta/service/resolver"
	"github.com/postkit/mta/util"
)

const TransportMx = "mx"

type mxTransport struct {
	resolver resolver.Service
	pool     *Pool
	port     uint16
}

// NewMxTransport delivers directly to the recipients' mail exchangers, most preferred first.
func NewMxTransport(r resolver.Service, pool *Pool, port uint16) Transport {
	return mxTransport{
		resolver: r,
		pool:     pool,
		port:     port,
	}
}

func (t mxTransport) Name() string {
	return TransportMx
}

func (t mxTransport) Send(ctx context.Context, env Envelope, raw []byte) (r Result, err error) {
	r.Transport = TransportMx
	var domains []string
	byDomain := map[string][]string{}
	for _, rcpt := range env.To {
		_, _, domain, parseErr := util.ParseAddress(rcpt)
		if parseErr != nil {
			r.Rejected = append(r.Rejected, rcpt)
			err = parseErr
			continue
		}
		if _, ok := byDomain[domain]; !ok {
			domains = append(domains, domain)
		}
		byDomain[domain] = append(byDomain[domain], rcpt)
	}
	for _, domain := range domains {
		dr, domainErr := t.sendDomain(ctx, domain, Envelope{From: env.From, To: byDomain[domain]}, raw)
		r.Accepted = append(r.Accepted, dr.Accepted...)
		r.Rejected = append(r.Rejected, dr.Rejected...)
		r.Deferred = append(r.Deferred, dr.Deferred...)
		if domainErr != nil {
			err = domainErr
			r.Warnings = append(r.Warnings, fmt.Sprintf("%s: %s", domain, domainErr))
		}
	}
	metricAttempts.WithLabelValues(TransportMx, attemptOutcome(r)).Inc()
	err = outcome(r, err)
	return
}

func (t mxTransport) sendDomain(ctx context.Context, domain string, env Envelope, raw []byte) (r Result, lastErr error) {
	targets, failures := t.resolver.Resolve(ctx, domain)
	if len(failures) > 0 {
		lastErr = failures[0]
		switch {
		case errors.Is(lastErr, resolver.ErrLookup):
			r.Deferred = env.To
		default:
			r.Rejected = env.To
		}
		return
	}
	for _, target := range targets {
		cfg := model.SmtpConfig{
			Host: target.Host,
			Port: t.port,
		}
		c, err := t.pool.Acquire(ctx, cfg)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		var connErr error
		r, lastErr, connErr = sendOver(c, env, raw)
		t.pool.Release(c, connErr == nil)
		if connErr == nil {
			return
		}
		// the exchanger dropped the connection mid transaction, the next one may do better
		r = Result{}
	}
	r.Deferred = env.To
	return
}
