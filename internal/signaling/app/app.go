package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sebas/backtoback/internal/rtpmanager/engine"
	"github.com/sebas/backtoback/internal/signaling/api"
	"github.com/sebas/backtoback/internal/signaling/b2bua"
	"github.com/sebas/backtoback/internal/signaling/config"
	"github.com/sebas/backtoback/internal/signaling/metrics"
	"github.com/sebas/backtoback/internal/signaling/registration"
	"github.com/sebas/backtoback/internal/signaling/sipua"
)

// BackToBack wires the SIP agent, the pairing controller and the media engine.
type BackToBack struct {
	config *config.Config

	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client

	media      *engine.Engine
	agent      *sipua.Agent
	controller *b2bua.Controller
	registrar  *registration.Responder
	upstream   *sipua.AccountRegistration

	registry  *prometheus.Registry
	apiServer *api.Server
	health    *health.Server
	ready     atomic.Bool
}

// New builds every component. Nothing listens until Run.
func New(cfg *config.Config) (*BackToBack, error) {
	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("failed to create user agent: %w", err)
	}
	uas, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	uac, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	mediaEngine, err := engine.New(mediaConfig(cfg))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create media engine: %w", err)
	}

	account := b2bua.Account{
		User:     cfg.AccountUser,
		Password: cfg.AccountPassword,
		Host:     cfg.AccountHost,
	}
	agent := sipua.NewAgent(sipua.Config{
		AdvertiseAddr:     cfg.AdvertiseAddr,
		Port:              cfg.Port,
		Route:             b2bua.Route{Account: account, Destination: cfg.Destination},
		MaxCallsPerSecond: cfg.MaxCallsPerSecond,
		DialTimeout:       cfg.DialTimeout,
	}, uac, mediaEngine)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewMediaCollector(mediaEngine),
	)
	recorder := metrics.NewRecorder(reg)

	ctrlCfg := b2bua.DefaultConfig()
	ctrlCfg.AnnouncementPath = cfg.AnnouncementPath
	ctrlCfg.AnnouncementDuration = cfg.AnnouncementDuration
	ctrlCfg.Ringback = b2bua.Cadence{
		Freq1: cfg.RingbackFreq1,
		Freq2: cfg.RingbackFreq2,
		On:    cfg.RingbackOn,
		Off:   cfg.RingbackOff,
	}
	controller := b2bua.NewController(agent, mediaEngine, ctrlCfg, b2bua.WithRecorder(recorder))
	agent.SetNotifier(controller)
	agent.Register(uas)

	b := &BackToBack{
		config:     cfg,
		ua:         ua,
		srv:        uas,
		client:     uac,
		media:      mediaEngine,
		agent:      agent,
		controller: controller,
		registry:   reg,
	}

	if cfg.EnableRegistrar {
		b.registrar = registration.NewResponder()
		b.registrar.Install(uas)
	}
	if cfg.RegisterAccount {
		contact := sip.ContactHeader{
			Address: sip.Uri{Scheme: "sip", User: cfg.AccountUser, Host: cfg.AdvertiseAddr, Port: cfg.Port},
			Params:  sip.NewParams(),
		}
		b.upstream, err = sipua.NewAccountRegistration(uac, account, contact, cfg.RegisterExpiry)
		if err != nil {
			mediaEngine.Close()
			ua.Close()
			return nil, err
		}
	}
	if cfg.APIAddr != "" {
		b.apiServer = api.NewServer(cfg.APIAddr, controller, agent, mediaEngine, reg)
		b.apiServer.SetRegistration(b)
		b.apiServer.SetReadiness(b.Ready)
	}
	if cfg.HealthAddr != "" {
		b.health = health.NewServer()
		b.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	}

	slog.Info("[App] Configuration", "port", cfg.Port, "bind", cfg.BindAddr, "advertise", cfg.AdvertiseAddr, "destination", cfg.Destination)
	return b, nil
}

// mediaConfig maps the process configuration onto the media engine. The
// announcement path is handed to the controller as configured, so relative
// clip paths resolve against the working directory.
func mediaConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		BindAddr:      cfg.BindAddr,
		AdvertiseAddr: cfg.AdvertiseAddr,
		PortMin:       cfg.RTPPortMin,
		PortMax:       cfg.RTPPortMax,
	}
}

// Registration implements api.RegistrationProvider.
func (b *BackToBack) Registration() api.RegistrationInfo {
	info := api.RegistrationInfo{Status: "disabled"}
	if b.registrar != nil {
		info.RegistrarEnabled = b.registrar.Enabled()
		info.RegistrarServed = b.registrar.Served()
	}
	if b.upstream != nil {
		st, lastErr, expiresAt := b.upstream.Status()
		info.Account = b.config.AccountUser + "@" + b.config.AccountHost
		info.Status = string(st)
		info.LastError = lastErr
		info.ExpiresAt = expiresAt
	}
	return info
}

// Run serves until ctx is done or a component fails.
func (b *BackToBack) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return b.media.Run(ctx) })

	listenAddr := net.JoinHostPort(b.config.BindAddr, fmt.Sprint(b.config.Port))
	g.Go(func() error {
		conn, err := net.ListenPacket("udp", listenAddr)
		if err != nil {
			return fmt.Errorf("sip listener: %w", err)
		}
		go func() {
			<-ctx.Done()
			_ = conn.Close()
		}()

		// The socket is bound, so calls can be taken from here on.
		b.markServing()
		slog.Info("[SIP] Starting SIP server", "listen_addr", conn.LocalAddr().String())
		err = b.srv.ServeUDP(conn)
		if err != nil && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
			return fmt.Errorf("sip listener: %w", err)
		}
		return nil
	})

	if b.apiServer != nil {
		g.Go(func() error { return b.apiServer.Serve(ctx) })
	}
	if b.health != nil {
		g.Go(func() error { return b.serveHealth(ctx) })
	}
	if b.upstream != nil {
		g.Go(func() error {
			if err := b.upstream.Run(ctx); err != nil {
				slog.Warn("[App] Account registration ended with error", "error", err)
			}
			return nil
		})
	}

	<-ctx.Done()
	b.ready.Store(false)
	if b.health != nil {
		b.health.Shutdown()
	}
	return g.Wait()
}

// Ready reports whether the SIP socket is bound.
func (b *BackToBack) Ready() bool {
	return b.ready.Load()
}

func (b *BackToBack) markServing() {
	b.ready.Store(true)
	if b.health != nil {
		b.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}
}

func (b *BackToBack) serveHealth(ctx context.Context) error {
	lis, err := net.Listen("tcp", b.config.HealthAddr)
	if err != nil {
		return fmt.Errorf("health listener: %w", err)
	}
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, b.health)

	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()
	slog.Info("[App] gRPC health listening", "addr", b.config.HealthAddr)
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Close hangs up every live call and releases sockets.
func (b *BackToBack) Close() error {
	if b.registrar != nil {
		b.registrar.Uninstall()
	}
	b.controller.Close()
	b.agent.Close()
	b.media.Close()
	if b.ua != nil {
		return b.ua.Close()
	}
	return nil
}
