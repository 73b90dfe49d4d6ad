package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/emersion/go-smtp"
	"github.com/go-redis/redis/v8"
	apiHttp "github.com/postkit/mta/api/http"
	apiSmtp "github.com/postkit/mta/api/smtp"
	"github.com/postkit/mta/config"
	"github.com/postkit/mta/model"
	"github.com/postkit/mta/service/antivirus"
	"github.com/postkit/mta/service/cache"
	"github.com/postkit/mta/service/converter"
	"github.com/postkit/mta/service/dns"
	"github.com/postkit/mta/service/inbound"
	"github.com/postkit/mta/service/outbound"
	"github.com/postkit/mta/service/queue"
	"github.com/postkit/mta/service/ratelimit"
	"github.com/postkit/mta/service/reputation"
	"github.com/postkit/mta/service/resolver"
	"github.com/postkit/mta/service/sender"
	"github.com/postkit/mta/service/spam"
	"github.com/postkit/mta/service/storage"
	"github.com/postkit/mta/util"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const (
	roleInbound  = "inbound"
	roleOutbound = "outbound"
	roleRelay    = "relay"
	roleWorker   = "worker"
)

func main() {
	rootCmd := &cobra.Command{
		Use:               "mta",
		Short:             "mail transfer agent: inbound MX, authenticated submission and queued delivery",
		DisableAutoGenTag: true,
	}
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "runs every role in one process",
		Run: func(cmd *cobra.Command, args []string) {
			run(roleInbound, roleOutbound, roleRelay, roleWorker)
		},
		DisableAutoGenTag: true,
	}
	rootCmd.AddCommand(serveCmd)
	for _, role := range []string{roleInbound, roleOutbound, roleRelay, roleWorker} {
		rootCmd.AddCommand(&cobra.Command{
			Use:   role,
			Short: fmt.Sprintf("runs the %s role only", role),
			Run: func(cmd *cobra.Command, args []string) {
				run(role)
			},
			DisableAutoGenTag: true,
		})
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func run(roles ...string) {

	// init config and logger
	cfg, err := config.NewConfigFromEnv()
	if err != nil {
		panic(fmt.Sprintf("failed to load the config from env: %s", err))
	}
	opts := slog.HandlerOptions{
		Level: slog.Level(cfg.Log.Level),
	}
	log := slog.New(slog.NewTextHandler(os.Stdout, &opts))
	log.Info(fmt.Sprintf("starting the roles %v", roles))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var d deps
	d, err = newDeps(ctx, cfg, log)
	if err != nil {
		panic(err)
	}
	defer d.close()

	g, gctx := errgroup.WithContext(ctx)
	for _, role := range roles {
		switch role {
		case roleInbound:
			srv := newInboundServer(cfg, d, log)
			serveSmtp(g, gctx, srv, log)
		case roleOutbound:
			var srv *smtp.Server
			srv, err = newOutboundServer(cfg, d, log)
			if err != nil {
				panic(err)
			}
			serveSmtp(g, gctx, srv, log)
		case roleRelay:
			serveHttp(g, gctx, cfg, d, log)
		case roleWorker:
			g.Go(func() error {
				return d.worker.Run(gctx)
			})
			g.Go(func() error {
				d.pool.Run(gctx, cfg.Sender.Pool.IdleTimeout)
				return nil
			})
		}
	}
	err = g.Wait()
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		log.Info("stopped")
	default:
		log.Error(fmt.Sprintf("stopped: %s", err))
		os.Exit(1)
	}
}

// deps holds the services shared by the roles.
type deps struct {
	redis      redis.UniversalClient
	store      storage.Storage
	secrets    bool
	resolver   resolver.Service
	checker    reputation.Checker
	limitIn    ratelimit.Service
	limitOut   ratelimit.Service
	spam       spam.Service
	av         antivirus.Service
	conv       converter.Service
	queueStore queue.Store
	queue      queue.Service
	pool       *sender.Pool
	sender     sender.Service
	worker     queue.Worker
}

func newDeps(ctx context.Context, cfg config.Config, log *slog.Logger) (d deps, err error) {
	if cfg.RateLimit.Store == "redis" || cfg.Queue.Store == "redis" {
		d.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.Db,
		})
		if err = d.redis.Ping(ctx).Err(); err != nil {
			err = fmt.Errorf("failed to connect redis %s: %w", cfg.Redis.Addr, err)
			return
		}
		log.Info("connected redis")
	}

	// storage
	var rawStore storage.Storage
	switch cfg.Storage.Kind {
	case "postgres":
		rawStore, err = storage.NewPostgres(ctx, cfg.Storage.Dsn)
		if err != nil {
			err = fmt.Errorf("failed to open the storage: %w", err)
			return
		}
	default:
		rawStore = storage.NewMemory()
	}
	_, d.secrets = rawStore.(storage.Secrets)
	d.store = storage.NewLogging(rawStore, log)
	log.Info(fmt.Sprintf("initialized the %s storage", cfg.Storage.Kind))

	// dns
	var dnsResolver dns.Resolver
	switch cfg.Dns.MockSource {
	case "":
		dnsResolver = dns.NewSystemResolver(cfg.Dns.Timeout)
	default:
		var mock *dns.MockResolver
		mock, err = dns.NewMockResolverFromFile(cfg.Dns.MockSource)
		if err != nil {
			return
		}
		dnsResolver = dns.NewTimeoutResolver(mock, cfg.Dns.Timeout)
		log.Warn(fmt.Sprintf("dns answers come from the mock zone file %s", cfg.Dns.MockSource))
	}
	var targets cache.Cache[string, []model.RelayTarget]
	targets, err = cache.NewTtlCache[string, []model.RelayTarget](int(cfg.Dns.Cache.Size), cfg.Dns.Cache.Ttl)
	if err != nil {
		return
	}
	go cache.RunSweep(ctx, targets, cfg.Dns.Cache.Sweep, nil)
	d.resolver = resolver.NewService(dnsResolver, targets, int(cfg.Dns.Concurrency), int(cfg.Dns.AddrHosts))
	d.resolver = resolver.NewLogging(d.resolver, log)
	d.checker = reputation.NewLogging(reputation.NewChecker(dnsResolver), log)

	// rate limits
	var counters ratelimit.Store
	switch cfg.RateLimit.Store {
	case "redis":
		counters = ratelimit.NewRedisStore(d.redis, cfg.Redis.Prefix)
	default:
		ms := ratelimit.NewMemoryStore()
		go ms.RunSweep(ctx, time.Minute)
		counters = ms
	}
	d.limitIn = ratelimit.NewService(counters, "in", cfg.RateLimit.Inbound.Limit, cfg.RateLimit.Inbound.Window)
	d.limitIn = ratelimit.NewLogging(d.limitIn, log)
	d.limitOut = ratelimit.NewService(counters, "out", cfg.RateLimit.Outbound.Limit, cfg.RateLimit.Outbound.Window)
	d.limitOut = ratelimit.NewLogging(d.limitOut, log)

	// content checks
	d.spam = spam.NewNoop()
	if cfg.Spam.Uri != "" {
		d.spam = spam.NewService(cfg.Spam.Uri, cfg.Spam.Password, cfg.Spam.Timeout)
	}
	d.spam = spam.NewLogging(d.spam, log)
	d.av = antivirus.NewNoop()
	if cfg.Antivirus.Addr != "" {
		d.av = antivirus.NewService(cfg.Antivirus.Addr, cfg.Antivirus.Timeout)
	}
	d.av = antivirus.NewLogging(d.av, log)
	d.conv = converter.NewLogging(converter.NewConverter(cfg.Api.Smtp.Host, util.HtmlPolicy()), log)

	// queue
	switch cfg.Queue.Store {
	case "redis":
		d.queueStore = queue.NewRedisStore(d.redis, cfg.Redis.Prefix)
	default:
		d.queueStore, err = queue.NewBoltStore(cfg.Queue.BoltPath)
		if err != nil {
			return
		}
	}
	d.queue = queue.NewLogging(queue.NewService(d.queueStore, int(cfg.Queue.Attempts)), log)
	log.Info(fmt.Sprintf("initialized the %s queue", cfg.Queue.Store))

	// sender
	helo := cfg.Sender.Helo
	if helo == "" {
		helo = cfg.Api.Smtp.Host
	}
	dial := sender.NewDialer(helo, cfg.Sender.Pool.DialTimeout, nil)
	d.pool = sender.NewPool(dial, sender.PoolConfig{
		MaxConnections: int(cfg.Sender.Pool.MaxConnections),
		MaxMessages:    int(cfg.Sender.Pool.MaxMessages),
		RateLimit:      cfg.Sender.Pool.RateLimit,
		IdleTimeout:    cfg.Sender.Pool.IdleTimeout,
	})
	mx := sender.NewMxTransport(d.resolver, d.pool, cfg.Sender.MxPort)
	var relay sender.Transport
	if t := cfg.Sender.Transport; t.Host != "" {
		relay = sender.NewSmtpTransport("relay", model.SmtpConfig{
			Host:     t.Host,
			Port:     t.Port,
			Username: t.Username,
			Password: t.Password,
			Tls:      t.Tls,
		}, d.pool)
	}
	providersCfg := cfg.Sender.Providers
	if cfg.Sender.ProvidersFile != "" {
		if err = sender.LoadProvidersFile(cfg.Sender.ProvidersFile, &providersCfg); err != nil {
			return
		}
	}
	var providers []sender.Transport
	providers, err = sender.Providers(ctx, providersCfg, d.pool)
	if err != nil {
		return
	}
	log.Info(fmt.Sprintf("initialized %d delivery providers", len(providers)))
	d.sender = sender.NewService(mx, relay, providers, d.pool, dial, d.conv, d.queue, d.store)
	d.sender = sender.NewLogging(d.sender, log)
	d.worker = queue.NewWorker(d.queueStore, sender.NewHandler(d.sender), queue.WorkerConfig{
		Policy: queue.Policy{
			Base:   cfg.Queue.Backoff.Base,
			Factor: cfg.Queue.Backoff.Factor,
			Max:    cfg.Queue.Backoff.Max,
		},
		Lease:   cfg.Queue.Lease,
		Poll:    cfg.Queue.Poll,
		Pollers: int(cfg.Queue.Workers),
	}, log)
	return
}

func (d deps) close() {
	if d.pool != nil {
		_ = d.pool.Close()
	}
	if d.queueStore != nil {
		_ = d.queueStore.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
	if d.redis != nil {
		_ = d.redis.Close()
	}
}

func newInboundServer(cfg config.Config, d deps, log *slog.Logger) (srv *smtp.Server) {
	in := cfg.Api.Smtp.Inbound
	svc := inbound.NewService(
		inbound.Config{
			PrivatePolicy:        in.PrivatePolicy,
			RecipientsLimit:      int(in.Recipients.Limit),
			DataLimit:            int64(in.Data.Limit),
			Postmaster:           in.Recipients.Postmaster,
			PenaltyReverseDns:    cfg.Reputation.Penalty.ReverseDns,
			PenaltyNoMx:          cfg.Reputation.Penalty.NoMx,
			PenaltyUnavailable:   cfg.Reputation.Penalty.Unavailable,
			SpamFraction:         cfg.Reputation.SpamFraction,
			DefaultRequiredScore: cfg.Reputation.DefaultRequiredScore,
		},
		d.limitIn,
		d.checker,
		d.spam,
		d.av,
		d.conv,
		d.store,
	)
	svc = inbound.NewLogging(svc, log)
	b := apiSmtp.NewBackendLogging(apiSmtp.NewInboundBackend(svc), roleInbound, log)
	srv = smtp.NewServer(b)
	srv.Addr = fmt.Sprintf(":%d", in.Port)
	srv.Domain = cfg.Api.Smtp.Host
	// one byte over the limit, the service reports the overflow
	srv.MaxMessageBytes = int64(in.Data.Limit) + 1
	srv.MaxRecipients = int(in.Recipients.Limit)
	srv.ReadTimeout = in.Timeout.Read
	srv.WriteTimeout = in.Timeout.Write
	// port 25 offers neither STARTTLS nor AUTH
	return
}

func newOutboundServer(cfg config.Config, d deps, log *slog.Logger) (srv *smtp.Server, err error) {
	out := cfg.Api.Smtp.Outbound
	var tlsCfg *tls.Config
	tlsCfg, err = loadTls(cfg)
	if err != nil {
		return
	}
	svc := outbound.NewService(
		outbound.Config{
			RecipientsLimit: int(out.Recipients.Limit),
			DataLimit:       int64(out.Data.Limit),
			VirusScan:       out.VirusScan,
		},
		d.limitOut,
		d.spam,
		d.av,
		d.conv,
		d.store,
		d.queue,
	)
	svc = outbound.NewLogging(svc, log)
	b := apiSmtp.NewBackendLogging(apiSmtp.NewOutboundBackend(svc, cfg.Api.Smtp.Host, d.secrets), roleOutbound, log)
	srv = smtp.NewServer(b)
	srv.Addr = fmt.Sprintf(":%d", out.Port)
	srv.Domain = cfg.Api.Smtp.Host
	// one byte over the limit, the service reports the overflow
	srv.MaxMessageBytes = int64(out.Data.Limit) + 1
	srv.MaxRecipients = int(out.Recipients.Limit)
	srv.ReadTimeout = out.Timeout.Read
	srv.WriteTimeout = out.Timeout.Write
	srv.TLSConfig = tlsCfg
	return
}

func loadTls(cfg config.Config) (tlsCfg *tls.Config, err error) {
	t := cfg.Api.Smtp.Outbound.Tls
	var cert tls.Certificate
	cert, err = tls.LoadX509KeyPair(t.CertPath, t.KeyPath)
	if err != nil {
		err = fmt.Errorf("failed to load the tls certificate %s: %w", t.CertPath, err)
		return
	}
	tlsCfg = &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   t.MinVersion,
	}
	return
}

func serveSmtp(g *errgroup.Group, ctx context.Context, srv *smtp.Server, log *slog.Logger) {
	g.Go(func() error {
		log.Info(fmt.Sprintf("smtp listening on %s", srv.Addr))
		l, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			return err
		}
		err = srv.Serve(l)
		if errors.Is(err, smtp.ErrServerClosed) {
			err = nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		return srv.Close()
	})
}

func serveHttp(g *errgroup.Group, ctx context.Context, cfg config.Config, d deps, log *slog.Logger) {
	if cfg.Api.Http.Token == "" {
		log.Warn("API_HTTP_TOKEN is not set, the /v1 routes accept unauthenticated requests")
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Api.Http.Port),
		Handler:           apiHttp.NewHandler(d.resolver, d.queue, d.sender, cfg.Api.Http.Token, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Info(fmt.Sprintf("http listening on %s", srv.Addr))
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
