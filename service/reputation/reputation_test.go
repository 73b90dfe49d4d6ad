package reputation

import (
	"context"
	"github.com/emersion/go-msgauth/dmarc"
	"github.com/postkit/mta/service/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"net"
	"os"
	"testing"
)

var log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

func newTestChecker() Checker {
	r := dns.NewMockResolver(map[string]dns.MockZone{
		"203.0.113.7": {
			PTR: []string{"mail.example.com."},
		},
		"203.0.113.8": {
			PTR: []string{"spoof.example.net."},
		},
		"203.0.113.9": {
			Fail: true,
		},
		"mail.example.com": {
			A: []string{"203.0.113.7"},
		},
		"spoof.example.net": {
			A: []string{"198.51.100.1"},
		},
		"example.com": {
			MX:  []net.MX{{Host: "mail.example.com.", Pref: 10}},
			TXT: []string{"some-verification=123", "v=spf1 ip4:203.0.113.7 -all"},
		},
		"soft.example.com": {
			TXT: []string{"v=spf1 ip4:203.0.113.7 ~all"},
		},
		"open.example.com": {
			TXT: []string{"v=spf1 +all"},
		},
		"bare.example.com": {},
		"helo.example.org": {
			TXT: []string{"v=spf1 ip4:198.51.100.0/24 -all"},
		},
		"_dmarc.example.com": {
			TXT: []string{"v=DMARC1; p=reject; sp=quarantine; pct=100"},
		},
		"_dmarc.sampled.org": {
			TXT: []string{"v=DMARC1; p=quarantine; pct=50"},
		},
	})
	return NewLogging(NewChecker(r), log)
}

func TestChecker_ReverseDns(t *testing.T) {
	c := newTestChecker()
	cases := map[string]struct {
		ip     string
		status RdnsStatus
		name   string
		err    error
	}{
		"forward confirmed": {
			ip:     "203.0.113.7",
			status: RdnsPass,
			name:   "mail.example.com",
		},
		"forward mismatch": {
			ip:     "203.0.113.8",
			status: RdnsFail,
		},
		"no ptr": {
			ip:     "203.0.113.10",
			status: RdnsPermError,
		},
		"dns failure": {
			ip:     "203.0.113.9",
			status: RdnsTempError,
			err:    ErrDns,
		},
	}
	for k, c1 := range cases {
		t.Run(k, func(t *testing.T) {
			status, name, err := c.ReverseDns(context.TODO(), net.ParseIP(c1.ip))
			assert.Equal(t, c1.status, status)
			assert.Equal(t, c1.name, name)
			assert.ErrorIs(t, err, c1.err)
		})
	}
}

func TestChecker_Spf(t *testing.T) {
	c := newTestChecker()
	cases := map[string]struct {
		ip     string
		helo   string
		sender string
		result SpfResult
	}{
		"pass": {
			ip:     "203.0.113.7",
			helo:   "mail.example.com",
			sender: "alice@example.com",
			result: SpfPass,
		},
		"fail": {
			ip:     "198.51.100.1",
			helo:   "spoof.example.net",
			sender: "alice@example.com",
			result: SpfFail,
		},
		"softfail": {
			ip:     "198.51.100.1",
			helo:   "spoof.example.net",
			sender: "bob@soft.example.com",
			result: SpfSoftFail,
		},
		"permissive": {
			ip:     "198.51.100.1",
			helo:   "spoof.example.net",
			sender: "bob@open.example.com",
			result: SpfPermissive,
		},
		"none": {
			ip:     "198.51.100.1",
			helo:   "spoof.example.net",
			sender: "bob@bare.example.com",
			result: SpfNone,
		},
		"bounce uses helo": {
			ip:     "198.51.100.1",
			helo:   "helo.example.org",
			result: SpfPass,
		},
	}
	for k, c1 := range cases {
		t.Run(k, func(t *testing.T) {
			result, _ := c.Spf(context.TODO(), net.ParseIP(c1.ip), c1.helo, c1.sender)
			assert.Equal(t, c1.result, result)
		})
	}
}

func TestChecker_Dmarc(t *testing.T) {
	c := newTestChecker()
	cases := map[string]struct {
		domain  string
		policy  dmarc.Policy
		percent int
		none    bool
	}{
		"published": {
			domain:  "example.com",
			policy:  dmarc.PolicyReject,
			percent: 100,
		},
		"organizational domain subdomain policy": {
			domain:  "news.example.com",
			policy:  dmarc.PolicyQuarantine,
			percent: 100,
		},
		"sampled": {
			domain:  "sampled.org",
			policy:  dmarc.PolicyQuarantine,
			percent: 50,
		},
		"missing": {
			domain: "bare.example.org",
			none:   true,
		},
	}
	for k, c1 := range cases {
		t.Run(k, func(t *testing.T) {
			p, err := c.Dmarc(context.TODO(), c1.domain)
			require.Nil(t, err)
			if c1.none {
				assert.Nil(t, p)
				return
			}
			require.NotNil(t, p)
			assert.Equal(t, c1.policy, p.Policy)
			assert.Equal(t, c1.percent, p.Percent)
		})
	}
}

func TestDmarcPolicy_Applies(t *testing.T) {
	p := DmarcPolicy{Policy: dmarc.PolicyReject, Percent: 50}
	assert.True(t, p.Applies(0.49))
	assert.False(t, p.Applies(0.5))
	assert.False(t, p.Applies(0.99))
	p.Percent = 100
	assert.True(t, p.Applies(0.999))
	p.Percent = 0
	assert.False(t, p.Applies(0))
}

func TestChecker_HasMx(t *testing.T) {
	c := newTestChecker()
	found, err := c.HasMx(context.TODO(), "example.com")
	assert.Nil(t, err)
	assert.True(t, found)
	found, err = c.HasMx(context.TODO(), "receive-only.example.org")
	assert.Nil(t, err)
	assert.False(t, found)
}

func TestSpfPenalty(t *testing.T) {
	assert.Equal(t, 0.0, SpfPenalty(SpfPass))
	assert.Equal(t, 5.0, SpfPenalty(SpfFail))
	assert.Equal(t, 3.0, SpfPenalty(SpfSoftFail))
	assert.Equal(t, 3.0, SpfPenalty(SpfPermissive))
	assert.Equal(t, 2.0, SpfPenalty(SpfNone))
	assert.Equal(t, 1.0, SpfPenalty(SpfNeutral))
	assert.Equal(t, 1.0, SpfPenalty(SpfTempError))
	assert.Equal(t, 1.0, SpfPenalty(SpfPermError))
}
