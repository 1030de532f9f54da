package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/becomeliminal/aletheia/config"
	"github.com/becomeliminal/aletheia/memory"
	"github.com/becomeliminal/aletheia/memory/archive/grpcarchive"
	"github.com/becomeliminal/aletheia/memory/archive/httparchive"
	"github.com/becomeliminal/aletheia/memory/embedder/hash"
	"github.com/becomeliminal/aletheia/memory/queue/sqlite"
	"github.com/becomeliminal/aletheia/memory/store/chromem"
	"github.com/becomeliminal/aletheia/memory/summarizer/claude"
	"github.com/becomeliminal/aletheia/server"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the cache: HTTP API, optional gRPC archive service, scheduled refreshes",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// closers releases resources in reverse order of acquisition.
type closers []func() error

func (c *closers) add(f func() error) { *c = append(*c, f) }

func (c closers) close() {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			log.Warn().Err(err).Msg("close_failed")
		}
	}
}

// buildManager assembles a Manager and its collaborators from cfg.
func buildManager(cfg *config.Config) (*memory.Manager, closers, error) {
	var cl closers
	fail := func(err error) (*memory.Manager, closers, error) {
		cl.close()
		return nil, nil, err
	}

	collab := memory.Collaborators{Embedder: hash.New(cfg.Embedder.Dimensions)}

	needsDataDir := cfg.Queue.Driver == config.QueueSQLite || (cfg.Index.Enabled && cfg.Index.Persist)
	if needsDataDir {
		if err := cfg.EnsureDataDir(); err != nil {
			return fail(fmt.Errorf("create data dir: %w", err))
		}
	}

	if cfg.Index.Enabled {
		var (
			idx *chromem.Index
			err error
		)
		if cfg.Index.Persist {
			idx, err = chromem.NewPersistent(cfg.IndexDir())
		} else {
			idx, err = chromem.New()
		}
		if err != nil {
			return fail(fmt.Errorf("open embedding index: %w", err))
		}
		cl.add(idx.Close)
		collab.Index = idx
	}

	var queue memory.UpdateQueue
	if cfg.Queue.Driver == config.QueueSQLite {
		q, err := sqlite.Open(cfg.Queue.Path)
		if err != nil {
			return fail(err)
		}
		cl.add(q.Close)
		queue = q
		collab.Recorder = q
	}

	switch cfg.Archive.Transport {
	case config.TransportHTTP:
		var opts []httparchive.Option
		if cfg.Archive.Token != "" {
			opts = append(opts, httparchive.WithBearerToken(cfg.Archive.Token))
		}
		collab.Archive = httparchive.New(cfg.Archive.Endpoint, opts...)
	case config.TransportGRPC:
		client, err := grpcarchive.Dial(cfg.Archive.Endpoint, cfg.Archive.HealthService)
		if err != nil {
			return fail(err)
		}
		cl.add(client.Close)
		collab.Archive = client
	}

	if cfg.Summarizer.Provider == config.SummarizerClaude {
		client := anthropic.NewClient(option.WithAPIKey(cfg.Summarizer.APIKey))
		var opts []claude.Option
		if cfg.Summarizer.Model != "" {
			opts = append(opts, claude.WithModel(cfg.Summarizer.Model))
		}
		collab.Summarizer = claude.New(&client, opts...)
	}

	m, err := memory.NewManager(cfg.Memory, queue, collab)
	if err != nil {
		return fail(err)
	}
	return m, cl, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager, cl, err := buildManager(cfg)
	if err != nil {
		return err
	}
	defer cl.close()

	if err := manager.Start(ctx); err != nil {
		manager.Stop()
		return err
	}
	defer manager.Stop()

	srv := server.New(manager)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var grpcServer *grpc.Server
	if cfg.GRPCListenAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCListenAddr)
		if err != nil {
			_ = httpServer.Close()
			return fmt.Errorf("listen %s: %w", cfg.GRPCListenAddr, err)
		}
		grpcServer = grpc.NewServer()
		grpcarchive.RegisterArchiveServer(grpcServer, grpcarchive.NewService(manager))
		go func() {
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	log.Info().
		Str("http_addr", cfg.ListenAddr).
		Str("grpc_addr", cfg.GRPCListenAddr).
		Str("archive", cfg.Archive.Transport).
		Str("queue", cfg.Queue.Driver).
		Str("summarizer", cfg.Summarizer.Provider).
		Str("schedule", cfg.Memory.RefreshSchedule).
		Msg("aletheia_serving")

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	srv.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http_shutdown_failed")
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	log.Info().Msg("server_stopped")
	return serveErr
}
