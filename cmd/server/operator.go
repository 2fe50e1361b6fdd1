package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"

	"tailscale.com/tsnet"

	"github.com/matt-riley/condz/internal/admin"
	"github.com/matt-riley/condz/internal/config"
	"github.com/matt-riley/condz/internal/repository"
	"github.com/matt-riley/condz/internal/service"
)

// operatorServer serves the operator API on a tsnet node.
type operatorServer struct {
	ts       *tsnet.Server
	listener net.Listener
	http     *http.Server
}

func startOperatorServer(cfg config.Config, repo *repository.PostgresRepository, svc *service.Service, log *slog.Logger) (*operatorServer, error) {
	if err := os.MkdirAll(cfg.TSStateDir, 0o700); err != nil {
		return nil, fmt.Errorf("create ts-state dir: %w", err)
	}

	ts := &tsnet.Server{
		Hostname: cfg.AdminHostname,
		AuthKey:  cfg.TSAuthKey,
		Dir:      cfg.TSStateDir,
		Logf: func(format string, args ...any) {
			log.Debug(fmt.Sprintf(format, args...), "component", "tailscale")
		},
	}

	lc, err := ts.LocalClient()
	if err != nil {
		ts.Close()
		return nil, fmt.Errorf("tailscale local client: %w", err)
	}

	lis, err := ts.Listen("tcp", ":80")
	if err != nil {
		ts.Close()
		return nil, fmt.Errorf("listen tailnet: %w", err)
	}

	identify := admin.IdentifierFunc(func(r *http.Request) (string, error) {
		who, err := lc.WhoIs(r.Context(), r.RemoteAddr)
		if err != nil {
			return "", err
		}
		if who.UserProfile == nil || who.UserProfile.LoginName == "" {
			return "", errors.New("tailnet peer has no user profile")
		}
		return who.UserProfile.LoginName, nil
	})

	handler := admin.NewHandler(repo,
		admin.WithIdentifier(identify),
		admin.WithCacheReloader(svc),
		admin.WithLogger(log.With("component", "operator")),
	)

	log.Info("operator API listening", "hostname", cfg.AdminHostname, "transport", "tailscale")
	return &operatorServer{
		ts:       ts,
		listener: lis,
		http:     &http.Server{Handler: handler, ReadHeaderTimeout: httpReadHeaderTimeout},
	}, nil
}

func (s *operatorServer) Serve() error {
	if err := s.http.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve operator API: %w", err)
	}
	return nil
}

func (s *operatorServer) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *operatorServer) Close() error {
	return s.ts.Close()
}
