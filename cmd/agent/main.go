package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"growthbot/internal/app"
	"growthbot/internal/config"
	"growthbot/internal/memory"
	"growthbot/internal/replay"
	logx "growthbot/pkg/logx"
)

func main() {
	var (
		cfgPath    string
		replayPath string
		dryRun     bool
		register   int64
		title      string
		topic      string
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (json or yaml)")
	flag.StringVar(&replayPath, "replay", "", "run a replay script instead of the live loop")
	flag.BoolVar(&dryRun, "dry-run", false, "live pipeline, but log sends instead of delivering them")
	flag.Int64Var(&register, "register", 0, "register a target chat id and exit")
	flag.StringVar(&title, "title", "", "target title (with -register)")
	flag.StringVar(&topic, "topic", "", "target topic (with -register)")
	flag.Parse()

	// Secrets come from the environment; .env is a development convenience.
	_ = godotenv.Load()

	if register != 0 {
		if err := app.RegisterTarget(cfgPath, memory.Target{
			ChatID: register,
			Title:  title,
			Topic:  topic,
		}); err != nil {
			fmt.Println("fatal:", err)
			os.Exit(1)
		}
		return
	}

	if replayPath != "" {
		if err := runReplay(cfgPath, replayPath); err != nil {
			fmt.Println("fatal:", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx, app.Options{ConfigPath: cfgPath, DryRun: dryRun}); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func runReplay(cfgPath, scriptPath string) error {
	mgr := config.NewManager(cfgPath)
	st, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	script, err := replay.LoadScript(scriptPath)
	if err != nil {
		return err
	}

	runner := replay.NewRunner(script, st, logx.NewConsole(st.Logging.Level))
	report, err := runner.Run(context.Background())
	if err != nil {
		return err
	}
	fmt.Print(report.Summary())
	return nil
}
