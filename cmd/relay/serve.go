package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/jeanpaul/relay/internal/agent"
	"github.com/jeanpaul/relay/internal/config"
	"github.com/jeanpaul/relay/internal/runtime"
	"github.com/jeanpaul/relay/internal/spawn"
	"github.com/jeanpaul/relay/internal/transport"
)

func newServeCmd(g *globals) *cobra.Command {
	var (
		addr    string
		origins []string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve sessions over websocket at /ws",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			srv := &http.Server{
				Addr:              addr,
				Handler:           newServer(cfg, logger, origins).routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errc := make(chan error, 1)
			go func() {
				logger.Info("listening", "addr", addr)
				errc <- srv.ListenAndServe()
			}()

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			sctx, scancel := shutdownContext()
			defer scancel()
			if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringSliceVar(&origins, "origin", nil, "allowed cross-origin host patterns")
	return cmd
}

// server gives every websocket connection its own session.
type server struct {
	cfg     *config.Config
	logger  *slog.Logger
	origins []string
	opts    []runtime.Option
}

func newServer(cfg *config.Config, logger *slog.Logger, origins []string, opts ...runtime.Option) *server {
	return &server{cfg: cfg, logger: logger, origins: origins, opts: opts}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("GET /ws", s.handleSession)
	return mux
}

func (s *server) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.logger.Debug("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ws := transport.NewWebSocket(conn)
	rt, err := runtime.New(s.cfg, s.logger, append(s.opts, runtime.WithSink(ws))...)
	if err != nil {
		s.logger.Error("session setup failed", "err", err)
		conn.Close(websocket.StatusInternalError, "session setup failed")
		return
	}
	logger := s.logger.With("session_id", rt.SessionID())
	logger.Info("session opened", "remote", r.RemoteAddr)
	defer func() {
		ctx, cancel := shutdownContext()
		defer cancel()
		_ = rt.Close(ctx)
		logger.Info("session closed")
	}()

	// The reader keeps reading while a prompt runs so a disconnect cancels it.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	prompts := make(chan transport.ClientMessage, 1)
	go func() {
		defer cancel()
		defer close(prompts)
		for {
			msg, err := ws.ReadPrompt(ctx)
			if err != nil {
				if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
					logger.Debug("websocket read failed", "err", err)
				}
				return
			}
			select {
			case prompts <- msg:
			default:
				_ = ws.SendError(ctx, agent.ErrAgentBusy)
			}
		}
	}()

	for msg := range prompts {
		_, err := rt.Prompt(ctx, runtime.PromptRequest{
			Prompt:      msg.Prompt,
			Agent:       msg.Agent,
			FileContext: msg.FileContext,
		})
		if err == nil {
			continue
		}
		logger.Warn("prompt failed", "err", err)
		// Failures inside the run already reached the client.
		if errors.Is(err, agent.ErrAgentBusy) || errors.Is(err, spawn.ErrNotFound) {
			_ = ws.SendError(ctx, err)
		}
	}
}
