package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"syncwatch/internal/config"
	"syncwatch/internal/hertzapi"
	"syncwatch/internal/httpapi"
	"syncwatch/internal/hub"
)

func main() {
	configPath := flag.String("config", "", "path to config.toml")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Could not load .env file: %v", err)
	}

	zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	sessionHub := hub.New(cfg.Server.Hub(), clockwork.NewRealClock())

	var shutdown func(context.Context) error
	switch cfg.Server.Framework {
	case config.FrameworkEcho:
		shutdown = runEcho(cfg.Server, sessionHub)
	default:
		shutdown = runHertz(cfg.Server, sessionHub)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := shutdown(ctx); err != nil {
		log.Printf("Graceful shutdown failed: %v\n", err)
	}

	log.Println("Server stopped")
}

func runHertz(cfg config.ServerConfig, sessionHub *hub.Hub) func(context.Context) error {
	h := server.Default(server.WithHostPorts(cfg.Addr))
	router := hertzapi.NewRouter(h, sessionHub, cfg.StaticDir)

	go func() {
		log.Printf("Starting Hertz server on %s", cfg.Addr)
		router.Spin()
	}()

	return router.Shutdown
}

func runEcho(cfg config.ServerConfig, sessionHub *hub.Hub) func(context.Context) error {
	api := httpapi.NewServer(sessionHub, cfg.StaticDir)
	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           c.Handler(api.Router()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Starting Echo server on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	return srv.Shutdown
}
