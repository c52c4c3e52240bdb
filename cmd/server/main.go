package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/opsdesk/internal/api"
	"github.com/npezzotti/opsdesk/internal/chat"
	"github.com/npezzotti/opsdesk/internal/config"
	"github.com/npezzotti/opsdesk/internal/database"
	"github.com/npezzotti/opsdesk/internal/feed"
	"github.com/npezzotti/opsdesk/internal/stats"
)

const defaultSigningKey = "I7W4CHnJ3fgNjdr+Rqdh+YwhmrXIWicmu3EOI30Kq1o="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	dsn            string
	signingKey     string
	allowedOrigins stringSliceFlag
)

func main() {
	flag.StringVar(&addr, "addr", "localhost:8000", "server address")
	flag.StringVar(&dsn, "dsn", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable", "database connection string, or sqlite://<path> for a local store")
	flag.StringVar(&signingKey, "signing-key", defaultSigningKey, "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	logger := log.New(os.Stderr, "[opsdesk] ", log.LstdFlags)

	cfg, err := config.NewConfig(addr, dsn, signingKey, allowedOrigins)
	if err != nil {
		logger.Fatal("config:", err)
	}

	mux := http.NewServeMux()
	statsUpdater := stats.NewUpdater(mux)

	var svc *chat.Service
	hub := feed.NewHub(logger, func(ctx context.Context, roomID string) ([]int, error) {
		return svc.Audience(ctx, roomID)
	}, statsUpdater)

	opts := []chat.Option{
		chat.WithStats(statsUpdater),
		chat.WithActivityLog(chat.NewLogActivity(logger)),
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var repo database.ChatRepository
	if path, ok := cfg.UseSQLite(); ok {
		// no triggers in sqlite; the service publishes its own changes
		sqliteRepo, err := database.NewSQLiteChatRepository(path)
		if err != nil {
			logger.Fatal("db open:", err)
		}
		repo = sqliteRepo
		opts = append(opts, chat.WithEvents(hub))
		logger.Printf("using sqlite store at %s", path)
	} else {
		pgRepo, err := database.NewPgChatRepository(cfg.DatabaseDSN)
		if err != nil {
			logger.Fatal("db open:", err)
		}
		if err := pgRepo.Migrate(); err != nil {
			logger.Fatal("db migrate:", err)
		}
		repo = pgRepo

		listener := feed.NewPgListener(logger, cfg.DatabaseDSN, hub)
		go func() {
			if err := listener.Run(ctx); err != nil {
				logger.Println("change listener:", err)
			}
		}()
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Fatal("db close:", err)
		}
	}()

	svc = chat.NewService(logger, repo, opts...)
	srv := api.NewOpsdeskApp(mux, logger, svc, hub, repo, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go hub.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}
	stop()

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutting down feed...")
	if err := hub.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("feed shutdown:", err)
	}
	svc.Wait()

	logger.Println("shutdown complete")
}
