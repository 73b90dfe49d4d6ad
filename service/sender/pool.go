package sender

import (
	"context"
	"errors"
	"github.com/postkit/mta/model"
	"golang.org/x/time/rate"
	"net"
	"strconv"
	"sync"
	"time"
)

type PoolConfig struct {
	// MaxConnections per host:port.
	MaxConnections int
	// MaxMessages sent over one connection before it is closed.
	MaxMessages int
	// RateLimit is the messages per second ceiling of one connection, zero means unlimited.
	RateLimit   float64
	IdleTimeout time.Duration
}

// Pool shares SMTP connections per host:port between the delivery workers.
type Pool struct {
	dial   Dialer
	cfg    PoolConfig
	lock   sync.Mutex
	hosts  map[string]*hostPool
	closed bool
	now    func() time.Time
}

type hostPool struct {
	slots chan struct{}
	idle  []*Conn
}

// Conn is a pooled client session, exclusively owned between Acquire and Release.
type Conn struct {
	Client
	key      string
	messages int
	limiter  *rate.Limiter
	lastUsed time.Time
}

var ErrPoolClosed = errors.New("connection pool is closed")

func NewPool(dial Dialer, cfg PoolConfig) *Pool {
	if cfg.MaxConnections < 1 {
		cfg.MaxConnections = 1
	}
	if cfg.MaxMessages < 1 {
		cfg.MaxMessages = 1
	}
	return &Pool{
		dial:  dial,
		cfg:   cfg,
		hosts: map[string]*hostPool{},
		now:   time.Now,
	}
}

func Key(cfg model.SmtpConfig) string {
	return net.JoinHostPort(cfg.Host, strconv.Itoa(int(cfg.Port)))
}

// Acquire blocks until the host has a free connection slot, reuses an idle connection or dials a new one, then
// waits for the connection's rate limiter.
func (p *Pool) Acquire(ctx context.Context, cfg model.SmtpConfig) (c *Conn, err error) {
	key := Key(cfg)
	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		err = ErrPoolClosed
		return
	}
	hp, ok := p.hosts[key]
	if !ok {
		hp = &hostPool{
			slots: make(chan struct{}, p.cfg.MaxConnections),
		}
		p.hosts[key] = hp
	}
	p.lock.Unlock()
	select {
	case hp.slots <- struct{}{}:
	case <-ctx.Done():
		err = ctx.Err()
		return
	}
	c = p.popIdle(hp)
	if c == nil {
		var client Client
		client, err = p.dial(ctx, cfg)
		if err != nil {
			<-hp.slots
			return
		}
		metricPoolDials.Inc()
		limit := rate.Inf
		if p.cfg.RateLimit > 0 {
			limit = rate.Limit(p.cfg.RateLimit)
		}
		c = &Conn{
			Client:  client,
			key:     key,
			limiter: rate.NewLimiter(limit, 1),
		}
	}
	err = c.limiter.Wait(ctx)
	switch err {
	case nil:
		c.messages++
	default:
		p.Release(c, true)
		c = nil
	}
	return
}

func (p *Pool) popIdle(hp *hostPool) (c *Conn) {
	var expired []*Conn
	now := p.now()
	p.lock.Lock()
	for c == nil && len(hp.idle) > 0 {
		last := hp.idle[len(hp.idle)-1]
		hp.idle = hp.idle[:len(hp.idle)-1]
		switch {
		case p.cfg.IdleTimeout > 0 && now.Sub(last.lastUsed) > p.cfg.IdleTimeout:
			expired = append(expired, last)
		default:
			c = last
		}
	}
	p.lock.Unlock()
	for _, e := range expired {
		_ = e.Quit()
	}
	return
}

// Release returns the connection to the pool. An unhealthy connection, or one which reached the message limit,
// is closed instead of being kept for reuse.
func (p *Pool) Release(c *Conn, healthy bool) {
	keep := healthy && c.messages < p.cfg.MaxMessages
	if keep {
		keep = c.Reset() == nil
	}
	p.lock.Lock()
	hp := p.hosts[c.key]
	if keep && !p.closed {
		c.lastUsed = p.now()
		hp.idle = append(hp.idle, c)
		c = nil
	}
	p.lock.Unlock()
	if c != nil {
		switch healthy {
		case true:
			_ = c.Quit()
		default:
			_ = c.Close()
		}
	}
	<-hp.slots
}

// Sweep closes the connections idle for longer than the idle timeout.
func (p *Pool) Sweep() (n int) {
	var expired []*Conn
	now := p.now()
	p.lock.Lock()
	for _, hp := range p.hosts {
		var kept []*Conn
		for _, c := range hp.idle {
			switch {
			case p.cfg.IdleTimeout > 0 && now.Sub(c.lastUsed) > p.cfg.IdleTimeout:
				expired = append(expired, c)
			default:
				kept = append(kept, c)
			}
		}
		hp.idle = kept
	}
	p.lock.Unlock()
	for _, c := range expired {
		_ = c.Quit()
	}
	return len(expired)
}

// Run sweeps the idle connections on the interval until the context is done, then closes the pool.
func (p *Pool) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = p.Close()
			return
		case <-t.C:
			p.Sweep()
		}
	}
}

func (p *Pool) Close() error {
	var idle []*Conn
	p.lock.Lock()
	p.closed = true
	for _, hp := range p.hosts {
		idle = append(idle, hp.idle...)
		hp.idle = nil
	}
	p.lock.Unlock()
	for _, c := range idle {
		_ = c.Quit()
	}
	return nil
}
