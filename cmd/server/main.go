package main

import (
	"context"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/npezzotti/gigchat/internal/api"
	"github.com/npezzotti/gigchat/internal/auth"
	"github.com/npezzotti/gigchat/internal/config"
	"github.com/npezzotti/gigchat/internal/database"
	"github.com/npezzotti/gigchat/internal/filter"
	"github.com/npezzotti/gigchat/internal/notify"
	"github.com/npezzotti/gigchat/internal/server"
	"github.com/npezzotti/gigchat/internal/stats"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

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
	flag.StringVar(&dsn, "dsn", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable",
		"database connection string, or \"memory\" for the in-process store")
	flag.StringVar(&signingKey, "signing-key", defaultSigningKey, "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	logger := log.New(os.Stderr, "[gigchat] ", log.LstdFlags)

	cfg, err := config.NewConfig(addr, dsn, signingKey, allowedOrigins)
	if err != nil {
		logger.Fatal("config:", err)
	}

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.Println("close:", err)
			}
		}
	}()

	store, closer, err := openStore(logger, cfg)
	if err != nil {
		logger.Fatal("message store:", err)
	}
	if closer != nil {
		closers = append(closers, closer)
	}

	lastSeen, closer, err := openLastSeen(logger, cfg)
	if err != nil {
		logger.Fatal("last seen store:", err)
	}
	if closer != nil {
		closers = append(closers, closer)
	}

	dispatcher, closer, err := openDispatcher(logger, cfg)
	if err != nil {
		logger.Fatal("notification dispatcher:", err)
	}
	if closer != nil {
		closers = append(closers, closer)
	}

	contentFilter, err := loadFilter(cfg)
	if err != nil {
		logger.Fatal("content filter:", err)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	authProvider := auth.NewJWTProvider(cfg.SigningKey)

	chatServer, err := server.NewChatServer(logger, store, authProvider, contentFilter, dispatcher, lastSeen,
		statsUpdater, serverOptions(cfg.Tuning))
	if err != nil {
		logger.Fatal("new chat server:", err)
	}

	srv := api.NewGigChatApp(mux, logger, chatServer, store, authProvider, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

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

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	logger.Println("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Println("chat server shutdown:", err)
	}

	logger.Println("shutdown complete")
}

func serverOptions(t config.Tuning) server.Options {
	return server.Options{
		AuthTimeout:    t.AuthTimeout,
		IdleTimeout:    t.IdleTimeout,
		AppendTimeout:  t.AppendTimeout,
		HistoryLimit:   t.HistoryLimit,
		MaxMessageSize: t.MaxMessageSize,
		SendBuffer:     t.SendBuffer,
	}
}

func openStore(logger *log.Logger, cfg *config.Config) (database.MessageStore, io.Closer, error) {
	if cfg.UsesMemoryStore() {
		logger.Println("using in-memory message store, every account is accepted")
		return database.NewMemoryStore(database.WithOpenAccounts()), nil, nil
	}

	db, err := database.NewPgMessageStore(cfg.DatabaseDSN)
	if err != nil {
		return nil, nil, err
	}

	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, nil, err
	}

	return db, db, nil
}

func openLastSeen(logger *log.Logger, cfg *config.Config) (database.LastSeenStore, io.Closer, error) {
	if cfg.RedisAddr == "" {
		logger.Println("GIGCHAT_REDIS_ADDR not set, keeping last-seen times in memory")
		return database.NewMemoryLastSeen(), nil, nil
	}

	r, err := database.NewRedisLastSeen(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.LastSeenTTL)
	if err != nil {
		return nil, nil, err
	}

	return r, r, nil
}

func openDispatcher(logger *log.Logger, cfg *config.Config) (notify.Dispatcher, io.Closer, error) {
	if cfg.NatsURL == "" {
		logger.Println("GIGCHAT_NATS_URL not set, offline notifications are only logged")
		return notify.NewLogDispatcher(logger), nil, nil
	}

	d, err := notify.NewNatsDispatcher(cfg.NatsURL, cfg.NotifySubject)
	if err != nil {
		return nil, nil, err
	}

	return d, d, nil
}

func loadFilter(cfg *config.Config) (*filter.Filter, error) {
	if cfg.DenylistFile == "" {
		return filter.NewDefaultFilter()
	}

	f, err := os.Open(cfg.DenylistFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	words, err := filter.ReadWords(f)
	if err != nil {
		return nil, err
	}

	return filter.NewFilter(words)
}
