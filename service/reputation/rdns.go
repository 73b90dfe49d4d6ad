package reputation

import (
	"context"
	"errors"
	"fmt"
	"github.com/postkit/mta/service/dns"
	"net"
)

type RdnsStatus string

const (
	// RdnsPass means a PTR name resolves back to the ip.
	RdnsPass RdnsStatus = "pass"
	// RdnsFail means PTR names exist but none resolves back to the ip.
	RdnsFail      RdnsStatus = "fail"
	RdnsTempError RdnsStatus = "temperror"
	// RdnsPermError means there is no PTR record at all.
	RdnsPermError RdnsStatus = "permerror"
)

var ErrDns = errors.New("dns lookup failure")

func (c checker) ReverseDns(ctx context.Context, ip net.IP) (status RdnsStatus, name string, err error) {
	var names []string
	names, err = c.resolver.LookupAddr(ctx, ip.String())
	switch {
	case err == nil && len(names) == 0, dns.IsNotFound(err):
		status = RdnsPermError
		err = nil
		return
	case err != nil:
		status = RdnsTempError
		err = fmt.Errorf("%w: %s", ErrDns, err)
		return
	}
	var lastErr error
	for _, n := range names {
		addrs, fwdErr := c.resolver.LookupIPAddr(ctx, n)
		for _, a := range addrs {
			if a.IP.Equal(ip) {
				status = RdnsPass
				name = dns.Unroot(n)
				return
			}
		}
		if fwdErr != nil && !dns.IsNotFound(fwdErr) {
			lastErr = fwdErr
		}
	}
	switch lastErr {
	case nil:
		status = RdnsFail
	default:
		status = RdnsTempError
		err = fmt.Errorf("%w: %s", ErrDns, lastErr)
	}
	return
}
