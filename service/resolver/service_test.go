package resolver

import (
	"context"
	"fmt"
	"github.com/postkit/mta/model"
	"github.com/postkit/mta/service/cache"
	"github.com/postkit/mta/service/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"
)

var log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

func newTestService(t *testing.T, zones map[string]dns.MockZone) (svc Service, r *dns.MockResolver) {
	r = dns.NewMockResolver(zones)
	c, err := cache.NewTtlCache[string, []model.RelayTarget](100, time.Minute)
	require.Nil(t, err)
	svc = NewLogging(NewService(r, c, 4, 2), log)
	return
}

func TestService_Resolve_Ordering(t *testing.T) {
	svc, _ := newTestService(t, map[string]dns.MockZone{
		"example.com": {
			MX: []net.MX{
				{Host: "mx20.example.com.", Pref: 20},
				{Host: "mx10.example.com.", Pref: 10},
				{Host: "mx30.example.com.", Pref: 30},
			},
		},
		"mx10.example.com": {
			A:    []string{"192.0.2.10"},
			AAAA: []string{"2001:db8::10"},
		},
		"mx20.example.com": {
			A: []string{"192.0.2.20"},
		},
		"mx30.example.com": {
			A: []string{"192.0.2.30"},
		},
	})
	targets, failures := svc.Resolve(context.TODO(), "example.com")
	assert.Empty(t, failures)
	require.Len(t, targets, 3)
	var priorities []uint16
	var hosts []string
	for _, tgt := range targets {
		priorities = append(priorities, tgt.Priority)
		hosts = append(hosts, tgt.Host)
		assert.Equal(t, "example.com", tgt.Domain)
	}
	assert.Equal(t, []uint16{10, 20, 30}, priorities)
	assert.Equal(t, []string{"mx10.example.com", "mx20.example.com", "mx30.example.com"}, hosts)
	assert.Equal(t, []string{"192.0.2.10"}, targets[0].IPv4)
	assert.Equal(t, []string{"2001:db8::10"}, targets[0].IPv6)
	assert.Equal(t, []string{"192.0.2.20"}, targets[1].IPv4)
	// only the 2 most preferred hosts get addresses
	assert.Empty(t, targets[2].IPv4)
}

func TestService_Resolve_Cached(t *testing.T) {
	svc, r := newTestService(t, map[string]dns.MockZone{
		"example.com": {
			MX: []net.MX{{Host: "mx1.example.com.", Pref: 10}},
		},
		"mx1.example.com": {
			A: []string{"192.0.2.1"},
		},
	})
	first, failures := svc.Resolve(context.TODO(), "example.com")
	assert.Empty(t, failures)
	second, failures := svc.Resolve(context.TODO(), "EXAMPLE.com.", "example.com")
	assert.Empty(t, failures)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, r.Calls("MX", "example.com"))
	assert.Equal(t, 1, r.Calls("IP", "mx1.example.com"))
}

func TestService_Resolve_PartialFailure(t *testing.T) {
	zones := map[string]dns.MockZone{
		"broken.example": {
			Fail: true,
		},
	}
	var domains []string
	for i := 0; i < 9; i++ {
		d := fmt.Sprintf("d%d.example", i)
		mx := fmt.Sprintf("mx.d%d.example", i)
		zones[d] = dns.MockZone{
			MX: []net.MX{{Host: mx + ".", Pref: uint16(10 * (9 - i))}},
		}
		zones[mx] = dns.MockZone{
			A: []string{fmt.Sprintf("192.0.2.%d", i+1)},
		}
		domains = append(domains, d)
	}
	domains = append(domains, "broken.example")
	svc, _ := newTestService(t, zones)
	targets, failures := svc.Resolve(context.TODO(), domains...)
	assert.Len(t, targets, 9)
	require.Len(t, failures, 1)
	assert.Equal(t, "broken.example", failures[0].Domain)
	assert.ErrorIs(t, failures[0], ErrLookup)
	for i := 1; i < len(targets); i++ {
		assert.LessOrEqual(t, targets[i-1].Priority, targets[i].Priority)
	}
}

func TestService_Resolve_Special(t *testing.T) {
	svc, _ := newTestService(t, map[string]dns.MockZone{
		"nomail.example": {
			MX: []net.MX{{Host: ".", Pref: 0}},
		},
		"implicit.example": {
			A: []string{"192.0.2.77"},
		},
	})
	cases := map[string]struct {
		domain string
		host   string
		ipv4   []string
		err    error
	}{
		"null mx": {
			domain: "nomail.example",
			err:    ErrNullMx,
		},
		"implicit mx": {
			domain: "implicit.example",
			host:   "implicit.example",
			ipv4:   []string{"192.0.2.77"},
		},
		"no such domain": {
			domain: "missing.example",
			err:    ErrNoHost,
		},
		"empty": {
			domain: " ",
			err:    ErrInvalidDomain,
		},
	}
	for k, c := range cases {
		t.Run(k, func(t *testing.T) {
			targets, failures := svc.Resolve(context.TODO(), c.domain)
			if c.err != nil {
				assert.Empty(t, targets)
				require.Len(t, failures, 1)
				assert.ErrorIs(t, failures[0], c.err)
				return
			}
			assert.Empty(t, failures)
			require.Len(t, targets, 1)
			assert.Equal(t, c.host, targets[0].Host)
			assert.Equal(t, uint16(0), targets[0].Priority)
			assert.Equal(t, c.ipv4, targets[0].IPv4)
		})
	}
}

func TestService_ResolveRecipients(t *testing.T) {
	svc, r := newTestService(t, map[string]dns.MockZone{
		"example.com": {
			MX: []net.MX{{Host: "mx1.example.com.", Pref: 10}},
		},
	})
	targets, failures := svc.ResolveRecipients(context.TODO(), "user@example.com", "Other <other@Example.com>", "not an address")
	require.Len(t, targets, 1)
	assert.Equal(t, "mx1.example.com", targets[0].Host)
	require.Len(t, failures, 1)
	assert.Equal(t, "not an address", failures[0].Domain)
	assert.Equal(t, 1, r.Calls("MX", "example.com"))
}
