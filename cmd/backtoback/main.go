package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sebas/backtoback/internal/banner"
	"github.com/sebas/backtoback/internal/logger"
	"github.com/sebas/backtoback/internal/signaling/app"
	"github.com/sebas/backtoback/internal/signaling/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(2)
	}

	logger.SetLevel(cfg.LogLevel)
	logger.InitLogger(os.Stdout)

	b2b, err := app.New(cfg)
	if err != nil {
		slog.Error("Failed to create back-to-back agent", "error", err)
		os.Exit(1)
	}

	banner.Print(os.Stdout, "backtoback", []banner.ConfigLine{
		{Label: "SIP", Value: net.JoinHostPort(cfg.BindAddr, fmt.Sprint(cfg.Port))},
		{Label: "Advertise", Value: cfg.AdvertiseAddr},
		{Label: "Destination", Value: orNone(cfg.Destination)},
		{Label: "Account", Value: orNone(accountLabel(cfg))},
		{Label: "RTP ports", Value: fmt.Sprintf("%d-%d", cfg.RTPPortMin, cfg.RTPPortMax)},
		{Label: "API", Value: orNone(cfg.APIAddr)},
		{Label: "Health", Value: orNone(cfg.HealthAddr)},
		{Label: "Log level", Value: logger.GetLevel()},
	})
	logNetworkInterfaces()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := b2b.Run(ctx)
	slog.Info("Shutting down")
	if err := b2b.Close(); err != nil {
		slog.Warn("Close failed", "error", err)
	}
	if runErr != nil {
		slog.Error("Agent stopped with error", "error", runErr)
		os.Exit(1)
	}
}

func accountLabel(cfg *config.Config) string {
	if cfg.AccountUser == "" {
		return ""
	}
	return cfg.AccountUser + "@" + cfg.AccountHost
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func logNetworkInterfaces() {
	interfaces, err := net.Interfaces()
	if err != nil {
		return
	}

	for _, iface := range interfaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ip, _, err := net.ParseCIDR(addr.String())
			if err != nil {
				continue
			}
			slog.Debug("Network interface", "interface", iface.Name, "ip", ip.String())
		}
	}
}
