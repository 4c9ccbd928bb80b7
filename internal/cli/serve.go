package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lazypower/chanfix/internal/config"
	"github.com/lazypower/chanfix/internal/engine"
	"github.com/lazypower/chanfix/internal/network"
	"github.com/lazypower/chanfix/internal/server"
	"github.com/lazypower/chanfix/internal/store"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chanfix engine and HTTP API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	dbPath, err := resolveDBPath(cfg)
	if err != nil {
		return fmt.Errorf("resolve db path: %w", err)
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	state := network.NewState(cfg.Service.Nick)
	eng := engine.New(db, state, cfg)
	if err := eng.Load(); err != nil {
		return err
	}

	srv := server.New(eng, state, db, VersionString())
	addr := cfg.ListenAddr()
	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	count, _ := db.CountChannels()
	fmt.Fprintf(os.Stderr, "chanfix serving on %s\n", addr)
	fmt.Fprintf(os.Stderr, "  db: %s (%d channels)\n", dbPath, count)
	fmt.Fprintf(os.Stderr, "  service: %s, autofix: %v\n", cfg.Service.Nick, cfg.Chanfix.DoAutofix)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return eng.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "\nshutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// resolveDBPath picks the database path: $CHANFIX_DB, then the config file,
// then ~/.chanfix/chanfix.db.
func resolveDBPath(cfg config.Config) (string, error) {
	if p := os.Getenv("CHANFIX_DB"); p != "" {
		return p, nil
	}
	if cfg.Database.Path != "" {
		return cfg.Database.Path, nil
	}
	return store.DefaultDBPath()
}
