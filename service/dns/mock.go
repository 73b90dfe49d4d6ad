package dns

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
)

type (
	MockZone struct {
		A     []string `json:"A"`
		AAAA  []string `json:"AAAA"`
		MX    []net.MX `json:"MX"`
		TXT   []string `json:"TXT"`
		PTR   []string `json:"PTR"`
		CNAME string   `json:"CNAME"`
		// Fail makes every lookup in the zone return a temporary error.
		Fail bool `json:"fail"`
	}

	// MockResolver answers from a static zone map and counts the lookups it serves.
	MockResolver struct {
		Zones map[string]MockZone
		lock  sync.Mutex
		calls map[string]int
	}

	zoneData struct {
		Data map[string]MockZone `json:"data"`
	}
)

func NewMockResolver(zones map[string]MockZone) *MockResolver {
	fqdnZones := make(map[string]MockZone, len(zones))
	for k, z := range zones {
		fqdnZones[FQDN(k)] = z
	}
	return &MockResolver{
		Zones: fqdnZones,
		calls: map[string]int{},
	}
}

func NewMockResolverFromFile(src string) (r *MockResolver, err error) {
	var b []byte
	b, err = os.ReadFile(src)
	if err != nil {
		err = fmt.Errorf("failed to read mock dns file %s: %w", src, err)
		return
	}
	data := zoneData{}
	err = json.Unmarshal(b, &data)
	if err != nil {
		err = fmt.Errorf("invalid mock dns file %s: %w", src, err)
		return
	}
	r = NewMockResolver(data.Data)
	return
}

// Calls returns how many lookups of the kind ("MX", "TXT", "IP", "PTR") were made for the name.
func (r *MockResolver) Calls(kind, name string) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.calls[kind+" "+FQDN(name)]
}

func (r *MockResolver) count(kind, name string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.calls[kind+" "+FQDN(name)]++
}

func (r *MockResolver) targetZone(name string) (z MockZone, err error) {
	name = FQDN(name)
	z, ok := r.Zones[name]
	for ok && z.CNAME != "" {
		z, ok = r.Zones[FQDN(z.CNAME)]
	}
	switch {
	case !ok:
		err = &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
	case z.Fail:
		err = &net.DNSError{Err: "server misbehaving", Name: name, IsTemporary: true}
	}
	return
}

func (r *MockResolver) LookupTXT(ctx context.Context, name string) (txts []string, err error) {
	r.count("TXT", name)
	var z MockZone
	z, err = r.targetZone(name)
	if err == nil {
		txts = make([]string, len(z.TXT))
		copy(txts, z.TXT)
	}
	return
}

func (r *MockResolver) LookupMX(ctx context.Context, name string) (mxs []*net.MX, err error) {
	r.count("MX", name)
	var z MockZone
	z, err = r.targetZone(name)
	if err == nil {
		for _, mx := range z.MX {
			rec := mx
			mxs = append(mxs, &rec)
		}
	}
	return
}

func (r *MockResolver) LookupIPAddr(ctx context.Context, host string) (addrs []net.IPAddr, err error) {
	r.count("IP", host)
	var z MockZone
	z, err = r.targetZone(host)
	if err == nil {
		for _, s := range append(append([]string{}, z.A...), z.AAAA...) {
			ip := net.ParseIP(s)
			if ip == nil {
				err = fmt.Errorf("invalid ip %s in zone %s", s, host)
				return
			}
			addrs = append(addrs, net.IPAddr{IP: ip})
		}
		if len(addrs) == 0 {
			err = &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
		}
	}
	return
}

// LookupAddr expects PTR records under the plain IP string as zone name, e.g. "203.0.113.7".
func (r *MockResolver) LookupAddr(ctx context.Context, addr string) (names []string, err error) {
	r.count("PTR", addr)
	var z MockZone
	z, err = r.targetZone(addr)
	if err == nil {
		names = append(names, z.PTR...)
		if len(names) == 0 {
			err = &net.DNSError{Err: "no such host", Name: addr, IsNotFound: true}
		}
	}
	return
}
