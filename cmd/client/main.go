package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"syncwatch/internal/config"
	"syncwatch/internal/playback"
	"syncwatch/internal/syncer"
	"syncwatch/internal/tui"
)

func main() {
	configPath := flag.String("config", "", "path to config.toml")
	logPath := flag.String("log", "syncwatch-client.log", "log file; the terminal belongs to the UI")
	flag.Parse()

	_ = godotenv.Load()

	if err := run(*configPath, *logPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, logPath string) error {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer logFile.Close()
	log.Logger = zerolog.New(logFile).With().Timestamp().Logger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	sessionCfg, err := cfg.Client.Session()
	if err != nil {
		return err
	}

	engine := playback.NewVirtual(clockwork.NewRealClock(), cfg.Client.Duration.Seconds())

	var program *tea.Program
	session := syncer.NewSession(sessionCfg, engine, func(st syncer.Status) {
		if program != nil {
			program.Send(tui.StatusMsg(st))
		}
	})
	program = tea.NewProgram(tui.New(engine, session, cfg.Client.SeekStep))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go session.Run(ctx)
	session.Connect()

	_, err = program.Run()
	return err
}
