package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"crewline/internal/app"
	"crewline/internal/config"
	"crewline/internal/mcpapi"
	"crewline/internal/server"
)

const approvalSweepInterval = time.Minute

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, MCP endpoint and webhook delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()
			cfg := rt.Config
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				secret = cfg.Server.JWTSecret
			}

			ctx := cmd.Context()
			if err := warmProjects(ctx, rt); err != nil {
				return err
			}

			mcpCfg := mcpapi.Config{ServerName: "crewline", EndpointPath: cfg.Server.MCPPath}
			mcpHandler, err := mcpapi.NewHandler(mcpCfg, rt)
			if err != nil {
				return err
			}
			handler, err := server.New(server.Config{
				Runtime:  rt,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret},
				Mount:    map[string]http.Handler{mcpCfg.Endpoint(): mcpHandler},
				Logger:   rt.Log.WithPrefix("http"),
			})
			if err != nil {
				return err
			}
			hooks, err := server.NewWebhookDispatcher(cfg.Webhooks, rt.Hub, rt.Log.WithPrefix("webhooks"))
			if err != nil {
				return err
			}

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				rt.Log.Info("serving", "addr", "http://"+addr+basePath, "mcp", mcpCfg.Endpoint(), "auth", secret != "")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error { return hooks.Run(gctx) })
			g.Go(func() error { return sweepApprovals(gctx, rt) })
			if rt.ConfigPath != "" {
				g.Go(func() error {
					return config.Watch(gctx, rt.ConfigPath, func(c *config.Config) {
						rt.ApplyConfig(c)
						rt.Log.Info("config reloaded", "path", rt.ConfigPath)
					}, func(err error) {
						rt.Log.Warn("config reload failed", "path", rt.ConfigPath, "err", err)
					})
				})
			}
			fmt.Printf("Serving crewline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().String("jwt-secret", "", "require bearer tokens signed with this secret")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// warmProjects loads persisted state for every known project so the first read after a
// restart sees it.
func warmProjects(ctx context.Context, rt *app.Runtime) error {
	ids, err := rt.Store.Projects(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := rt.Warm(ctx, id); err != nil {
			return fmt.Errorf("warm %s: %w", id, err)
		}
	}
	return nil
}

func sweepApprovals(ctx context.Context, rt *app.Runtime) error {
	ticker := time.NewTicker(approvalSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := rt.Gate.ExpireOverdue(ctx); n > 0 {
				rt.Log.Info("approvals timed out", "count", n)
			}
		}
	}
}
