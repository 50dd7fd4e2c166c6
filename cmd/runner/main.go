package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/polzovatel/plan-runner-for-browser/internal/browser"
	"github.com/polzovatel/plan-runner-for-browser/internal/engine"
	"github.com/polzovatel/plan-runner-for-browser/internal/executor"
	"github.com/polzovatel/plan-runner-for-browser/internal/heuristics"
	"github.com/polzovatel/plan-runner-for-browser/internal/llm"
	"github.com/polzovatel/plan-runner-for-browser/internal/plan"
	"github.com/polzovatel/plan-runner-for-browser/internal/progress"
	"github.com/polzovatel/plan-runner-for-browser/internal/recovery"
	"github.com/polzovatel/plan-runner-for-browser/internal/resolver"
	"github.com/polzovatel/plan-runner-for-browser/internal/retry"
)

type cliOptions struct {
	planPath   string
	heuristics string
	storage    string
	saveState  string
	observeURL string
	noRecover  bool
}

func main() {
	_ = godotenv.Load()
	opts := parseFlags()
	if opts.planPath == "" {
		fmt.Fprintln(os.Stderr, "usage: runner -plan plan.json [-heuristics overrides.yaml] [-storage state.json] [-observe ws://...]")
		os.Exit(2)
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	data, err := os.ReadFile(opts.planPath)
	if err != nil {
		log.Fatal().Err(err).Msg("read plan")
	}
	p, err := plan.Parse(data)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid plan")
	}

	table := heuristics.Default()
	if opts.heuristics != "" {
		table, err = heuristics.LoadFile(opts.heuristics)
		if err != nil {
			log.Fatal().Err(err).Msg("load heuristics")
		}
	}

	launcher, err := browser.NewLauncher(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("browser init")
	}
	defer launcher.Close()

	session, err := launcher.NewSession(ctx, opts.storage)
	if err != nil {
		log.Fatal().Err(err).Msg("browser session")
	}
	defer session.Close(ctx)

	res := resolver.New(table, log.With().Str("comp", "resolver").Logger())
	exec := executor.New(res, session, log.With().Str("comp", "exec").Logger())
	retrier := retry.New(log.With().Str("comp", "retry").Logger())

	observers := progress.Multi{progress.NewLogObserver(log.With().Str("comp", "progress").Logger())}
	if opts.observeURL != "" {
		stream, err := progress.DialStream(ctx, opts.observeURL, log.With().Str("comp", "stream").Logger())
		if err != nil {
			log.Fatal().Err(err).Msg("progress stream")
		}
		defer stream.Close()
		observers = append(observers, stream)
	}

	engineOpts := []engine.Option{engine.WithObserver(observers)}
	if !opts.noRecover {
		client, err := llm.NewClientWithLogger(log.With().Str("comp", "llm").Logger())
		if err != nil {
			log.Warn().Err(err).Msg("suggestion service unavailable, running without recovery")
		} else {
			advisor := recovery.NewAdvisor(client, table, log.With().Str("comp", "recovery").Logger())
			engineOpts = append(engineOpts, engine.WithAdvisor(advisor))
		}
	}

	eng := engine.New(session, exec, retrier, log.With().Str("comp", "engine").Logger(), engineOpts...)
	report, err := eng.Run(ctx, p)
	if err != nil {
		log.Error().Err(err).Msg("run aborted")
	}

	for id, data := range report.Extracted {
		fmt.Printf("step %d extracted: %s\n", id, data)
	}
	if report.Success && opts.saveState != "" {
		if err := session.SaveState(ctx, opts.saveState); err != nil {
			log.Error().Err(err).Msg("save state")
		} else {
			log.Info().Str("path", opts.saveState).Msg("storage saved")
		}
	}
	if !report.Success {
		log.Error().Str("run_id", report.RunID).Str("error", report.Error).Msg("plan failed")
		os.Exit(1)
	}
}

func parseFlags() cliOptions {
	planPath := flag.String("plan", "", "Path to the plan JSON file")
	heur := flag.String("heuristics", "", "Path to a YAML heuristics overrides file")
	storage := flag.String("storage", "", "Path to Playwright storage state")
	save := flag.String("save-state", "", "Path to save updated storage state")
	observe := flag.String("observe", "", "Websocket URL for progress streaming")
	noRecover := flag.Bool("no-recovery", false, "Disable LLM failure recovery")
	flag.Parse()
	return cliOptions{
		planPath:   strings.TrimSpace(*planPath),
		heuristics: strings.TrimSpace(*heur),
		storage:    strings.TrimSpace(*storage),
		saveState:  strings.TrimSpace(*save),
		observeURL: strings.TrimSpace(*observe),
		noRecover:  *noRecover,
	}
}
