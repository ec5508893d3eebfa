package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"rental_ingest/config"
	"rental_ingest/models"
	"rental_ingest/runs"
	"rental_ingest/storage"
)

// Triggerable allows workers to be triggered manually
type Triggerable interface {
	Trigger()
}

// Launcher starts runs in the background and stops them by id.
type Launcher interface {
	Launch(ctx context.Context) (string, <-chan error, error)
	Stop(ctx context.Context, runID string) error
}

// ActiveRun reports the run executing in this process, if any.
type ActiveRun interface {
	Active() *models.Run
}

const defaultPollInterval = 2 * time.Second

type Scheduler struct {
	cfg          config.SchedulerConfig
	launcher     Launcher
	active       ActiveRun
	commands     storage.CommandStore
	sweeper      Triggerable
	cron         *cron.Cron
	ticker       *time.Ticker
	stopCh       chan struct{}
	stopOnce     sync.Once
	pollInterval time.Duration
	wg           sync.WaitGroup
	log          *logrus.Entry
}

func New(cfg config.SchedulerConfig, launcher Launcher, active ActiveRun, commands storage.CommandStore, sweeper Triggerable) *Scheduler {
	return &Scheduler{
		cfg:          cfg,
		launcher:     launcher,
		active:       active,
		commands:     commands,
		sweeper:      sweeper,
		cron:         cron.New(),
		stopCh:       make(chan struct{}),
		pollInterval: defaultPollInterval,
		log:          logrus.WithField("component", "scheduler"),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	// Always poll the command queue
	go s.pollCommands(ctx)

	if s.cfg.Cron != "" {
		s.log.Infof("Starting scheduler with cron: %s", s.cfg.Cron)
		_, err := s.cron.AddFunc(s.cfg.Cron, func() {
			s.trigger(ctx, "cron")
		})
		if err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
		s.cron.Start()
	} else if s.cfg.Interval > 0 {
		s.log.Infof("Starting scheduler with interval: %s", s.cfg.Interval)
		s.ticker = time.NewTicker(s.cfg.Interval)
		go func() {
			for {
				select {
				case <-s.ticker.C:
					s.trigger(ctx, "interval")
				case <-s.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	} else {
		s.log.Info("No schedule configured, daemon will only respond to commands")
	}

	return nil
}

// Stop halts triggering and waits for any run it launched to return.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		<-s.cron.Stop().Done()
		if s.ticker != nil {
			s.ticker.Stop()
		}
		close(s.stopCh)
	})
	s.wg.Wait()
}

// TriggerNow launches a run immediately. It returns runs.ErrRunInProgress
// when one is already executing.
func (s *Scheduler) TriggerNow(ctx context.Context) (string, error) {
	runID, done, err := s.launcher.Launch(ctx)
	if err != nil {
		return runID, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		entry := s.log.WithField("run_id", runID)
		if err := <-done; err != nil {
			entry.WithError(err).Warn("Run ended with error")
			return
		}
		entry.Info("Run completed")
	}()
	return runID, nil
}

// trigger fires a scheduled run, dropping it when one is already executing.
func (s *Scheduler) trigger(ctx context.Context, source string) {
	entry := s.log.WithField("trigger", source)
	runID, err := s.TriggerNow(ctx)
	switch {
	case errors.Is(err, runs.ErrRunInProgress):
		entry.Info("Run already in progress, trigger dropped")
	case err != nil:
		entry.WithError(err).Error("Scheduled run error")
	default:
		entry.WithField("run_id", runID).Info("Scheduled run started")
	}
}

func (s *Scheduler) pollCommands(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.drainCommands(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) drainCommands(ctx context.Context) {
	cmds, err := s.commands.GetPendingCommands(ctx)
	if err != nil {
		s.log.WithError(err).Error("Error getting commands")
		return
	}

	for _, cmd := range cmds {
		entry := s.log.WithFields(logrus.Fields{"command": cmd.Command, "command_id": cmd.ID})
		entry.Info("Processing command")
		if err := s.handleCommand(ctx, &cmd); err != nil {
			entry.WithError(err).Warn("Command error")
		}
		if err := s.commands.MarkCommandProcessed(ctx, cmd.ID); err != nil {
			entry.WithError(err).Error("Error marking command processed")
		}
	}
}

func (s *Scheduler) handleCommand(ctx context.Context, cmd *models.Command) error {
	switch cmd.Command {
	case models.CmdScrapeNow:
		s.trigger(ctx, "command")
		return nil
	case models.CmdStop:
		params, err := cmd.ParseParams()
		if err != nil {
			return fmt.Errorf("parse stop params: %w", err)
		}
		runID := params.RunID
		if runID == "" {
			run := s.active.Active()
			if run == nil {
				return fmt.Errorf("stop: %w", runs.ErrRunNotActive)
			}
			runID = run.ID
		}
		return s.launcher.Stop(ctx, runID)
	case models.CmdReconcile:
		if s.sweeper == nil {
			return errors.New("reconcile: no sweeper configured")
		}
		s.sweeper.Trigger()
		s.log.Info("Sweeper triggered via command")
		return nil
	default:
		return fmt.Errorf("unknown command: %s", cmd.Command)
	}
}
