package reputation

import (
	"context"
	"fmt"
	"github.com/postkit/mta/util"
	"log/slog"
	"net"
)

type logging struct {
	svc Checker
	log *slog.Logger
}

func NewLogging(svc Checker, log *slog.Logger) Checker {
	return logging{
		svc: svc,
		log: log,
	}
}

func (l logging) ReverseDns(ctx context.Context, ip net.IP) (status RdnsStatus, name string, err error) {
	status, name, err = l.svc.ReverseDns(ctx, ip)
	l.log.Log(ctx, util.LogLevel(err), fmt.Sprintf("reputation.ReverseDns(ip=%s): %s, %s, %s", ip, status, name, err))
	return
}

func (l logging) Spf(ctx context.Context, ip net.IP, helo, sender string) (result SpfResult, err error) {
	result, err = l.svc.Spf(ctx, ip, helo, sender)
	l.log.Log(ctx, util.LogLevel(err), fmt.Sprintf("reputation.Spf(ip=%s, helo=%s, sender=%s): %s, %s", ip, helo, sender, result, err))
	return
}

func (l logging) Dmarc(ctx context.Context, domain string) (p *DmarcPolicy, err error) {
	p, err = l.svc.Dmarc(ctx, domain)
	switch p {
	case nil:
		l.log.Log(ctx, util.LogLevel(err), fmt.Sprintf("reputation.Dmarc(domain=%s): <none>, %s", domain, err))
	default:
		l.log.Log(ctx, util.LogLevel(err), fmt.Sprintf("reputation.Dmarc(domain=%s): p=%s pct=%d, %s", domain, p.Policy, p.Percent, err))
	}
	return
}

func (l logging) HasMx(ctx context.Context, domain string) (found bool, err error) {
	found, err = l.svc.HasMx(ctx, domain)
	l.log.Log(ctx, util.LogLevel(err), fmt.Sprintf("reputation.HasMx(domain=%s): %t, %s", domain, found, err))
	return
}
