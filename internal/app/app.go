package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"growthbot/internal/actor"
	"growthbot/internal/brain"
	"growthbot/internal/config"
	"growthbot/internal/eventbus"
	"growthbot/internal/memory"
	"growthbot/internal/runtime/supervisor"
	"growthbot/internal/transport"
	"growthbot/internal/transport/telegram"
	logx "growthbot/pkg/logx"
)

const (
	envTelegramToken = "TELEGRAM_TOKEN"
	envOracleAPIKey  = "ORACLE_API_KEY"
)

type Options struct {
	ConfigPath string
	// DryRun runs the live pipeline with a logging no-op sender: real events,
	// real decisions, no messages sent.
	DryRun bool
}

// Run wires and runs the live engagement loop until ctx is cancelled.
// Configuration errors are returned before anything starts (fatal by
// contract); after startup the loop self-heals and only stops with ctx.
func Run(ctx context.Context, opts Options) error {
	mgr := config.NewManager(opts.ConfigPath)
	st, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   st.Logging.Level,
		Console: st.Logging.Console,
		File: logx.FileConfig{
			Enabled: st.Logging.File.Enabled,
			Path:    st.Logging.File.Path,
		},
	})
	defer logSvc.Close()
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	store, err := memory.Open(memory.Config{
		Driver:      st.Storage.Driver,
		Path:        st.Storage.Path,
		BusyTimeout: st.Storage.BusyTimeout,
	}, log.With(logx.String("comp", "memory")))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	oracle, err := brain.NewOracle(brain.OracleConfig{
		APIKey:  os.Getenv(envOracleAPIKey),
		BaseURL: st.Oracle.BaseURL,
		Model:   st.Oracle.Model,
		Timeout: st.Oracle.Timeout,
	})
	if err != nil {
		return fmt.Errorf("oracle: %w", err)
	}

	adapter, err := telegram.New(telegram.Config{
		Token:       os.Getenv(envTelegramToken),
		PollTimeout: st.Telegram.PollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}

	var sender transport.Sender = adapter
	if opts.DryRun {
		sender = &dryRunSender{log: log.With(logx.String("comp", "dry-run"))}
		log.Info("dry-run mode: sends are logged, not delivered")
	}

	bus := eventbus.New()
	actorOpts := actor.Options{
		SendTimeout:   st.Actuator.SendTimeout,
		RetryMax:      st.Actuator.RetryMax,
		RetryBase:     st.Actuator.RetryBase,
		RetryMaxDelay: st.Actuator.RetryMaxDelay,
		Workers:       st.Actuator.Workers,
		ResumeGrace:   st.Actuator.ResumeGrace,
	}
	exec := actor.NewExecutor(store, sender, actorOpts, log.With(logx.String("comp", "actor")))
	dispatcher := actor.NewDispatcher(exec, store, actorOpts, func(a memory.Action, out actor.Outcome) {
		if out == actor.OutcomeInterrupted {
			return // still pending; the next start reconciles it
		}
		typ := eventbus.TypeActionSent
		if out != actor.OutcomeSent {
			typ = eventbus.TypeActionFailed
		}
		bus.Publish(eventbus.Event{Type: typ, Data: map[string]any{
			"action_id": a.ID,
			"chat_id":   a.ChatID,
			"outcome":   string(out),
		}})
	}, log.With(logx.String("comp", "actor")))

	pipeline := NewPipeline(store, oracle, dispatcher, bus, st, adapter.Me(), log.With(logx.String("comp", "pipeline")))

	sup := supervisor.New(ctx,
		supervisor.WithLogger(log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)

	if err := dispatcher.Start(sup.Context()); err != nil {
		sup.Cancel()
		return fmt.Errorf("start dispatcher: %w", err)
	}

	events := make(chan transport.Event, 256)
	if err := adapter.Start(sup.Context(), events); err != nil {
		sup.Cancel()
		return fmt.Errorf("start telegram source: %w", err)
	}

	sup.Go("pipeline", func(c context.Context) error {
		return pipeline.Run(c, events)
	})

	if opts.DryRun {
		// Surface every verdict, decision and admission; with sends disabled
		// the report is the run's whole output.
		sup.Go0("report", func(c context.Context) {
			runReporter(c, bus, log.With(logx.String("comp", "report")))
		})
	}

	sup.Go0("config.watch", func(c context.Context) {
		_ = mgr.Watch(c)
	})
	updates := mgr.Subscribe(1)
	sup.Go0("config.apply", func(c context.Context) {
		defer mgr.Unsubscribe(updates)
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-updates:
				if !ok || next == nil {
					return
				}
				logSvc.Apply(logx.Config{
					Level:   next.Logging.Level,
					Console: next.Logging.Console,
					File: logx.FileConfig{
						Enabled: next.Logging.File.Enabled,
						Path:    next.Logging.File.Path,
					},
				})
				pipeline.ApplySettings(next)
				log.Info("policy settings applied")
			}
		}
	})

	stopMaintenance := startMaintenance(store, st.Reset.Location, st.Maintenance.PruneAfter,
		log.With(logx.String("comp", "maintenance")))
	defer stopMaintenance()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("engagement loop running",
		logx.String("storage", st.Storage.Driver),
		logx.Bool("dry_run", opts.DryRun))

	<-sup.Context().Done()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = adapter.Stop(stopCtx)
	sup.Cancel()
	dispatcher.Wait()
	if err := sup.Wait(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("shutdown incomplete", logx.Err(err))
	}

	if err := sup.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// dryRunSender satisfies transport.Sender without touching the platform.
type dryRunSender struct {
	log logx.Logger
	mu  sync.Mutex
	seq int
}

func (d *dryRunSender) Send(_ context.Context, req transport.SendRequest) (transport.MessageRef, error) {
	d.mu.Lock()
	d.seq++
	seq := d.seq
	d.mu.Unlock()
	d.log.Info("would send",
		logx.Int64("chat_id", req.ChatID),
		logx.Int("reply_to", req.ReplyTo),
		logx.String("text", req.Text))
	return transport.MessageRef{ChatID: req.ChatID, MessageID: seq}, nil
}

// RegisterTarget adds or updates a monitored conversation in the store named
// by the config file. It is independent of the running loop: the next event
// from the chat picks the target up.
func RegisterTarget(configPath string, t memory.Target) error {
	mgr := config.NewManager(configPath)
	st, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store, err := memory.Open(memory.Config{
		Driver:      st.Storage.Driver,
		Path:        st.Storage.Path,
		BusyTimeout: st.Storage.BusyTimeout,
	}, logx.NewConsole(st.Logging.Level))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	saved, err := store.UpsertTarget(ctx, t)
	if err != nil {
		return err
	}
	fmt.Printf("registered target %d (%s)\n", saved.ChatID, saved.Title)
	return nil
}
