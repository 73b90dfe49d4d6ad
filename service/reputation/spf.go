package reputation

import (
	"blitiri.com.ar/go/spf"
	"context"
	"net"
	"strings"
)

type SpfResult string

const (
	SpfPass       SpfResult = "pass"
	SpfFail       SpfResult = "fail"
	SpfSoftFail   SpfResult = "softfail"
	SpfNeutral    SpfResult = "neutral"
	SpfNone       SpfResult = "none"
	SpfPermissive SpfResult = "permissive"
	SpfTempError  SpfResult = "temperror"
	SpfPermError  SpfResult = "permerror"
)

const spfPrefix = "v=spf1"

func (c checker) Spf(ctx context.Context, ip net.IP, helo, sender string) (result SpfResult, err error) {
	domain := helo
	switch sender {
	case "":
		sender = "postmaster@" + helo
	default:
		if sepIdx := strings.LastIndex(sender, "@"); sepIdx >= 0 {
			domain = sender[sepIdx+1:]
		}
	}
	var r spf.Result
	r, err = spf.CheckHostWithSender(ip, helo, sender, spf.WithContext(ctx), spf.WithResolver(c.resolver))
	result = SpfResult(r)
	if result == SpfPass && c.permissive(ctx, domain) {
		result = SpfPermissive
	}
	return
}

// permissive reports whether the domain's published record ends with a passing "all", authorizing any host.
func (c checker) permissive(ctx context.Context, domain string) (allowAll bool) {
	txts, err := c.resolver.LookupTXT(ctx, domain)
	if err != nil {
		return
	}
	for _, txt := range txts {
		fields := strings.Fields(strings.ToLower(txt))
		if len(fields) < 2 || fields[0] != spfPrefix {
			continue
		}
		switch fields[len(fields)-1] {
		case "all", "+all":
			allowAll = true
		}
	}
	return
}
