// Package scheduler turns configured cron entries into task.triggered
// events on the bus. Spawning stays with the dispatcher; the scheduler
// only produces.
package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/carapace/carapace/internal/bus"
	"github.com/carapace/carapace/internal/common/config"
	"github.com/carapace/carapace/internal/common/logger"
	"github.com/carapace/carapace/internal/protocol"
)

// Source is the producer name stamped on scheduled events.
const Source = "scheduler"

// Scheduler drives the cron engine.
type Scheduler struct {
	bus     bus.EventBus
	engine  *cron.Cron
	entries []cron.EntryID
	logger  *logger.Logger
}

// New validates every schedule and registers it with the cron engine.
// Expressions use the standard 5-field format plus descriptors such as
// @daily and @every.
func New(eventBus bus.EventBus, specs []config.ScheduleSpec, log *logger.Logger) (*Scheduler, error) {
	s := &Scheduler{
		bus:    eventBus,
		engine: cron.New(),
		logger: log.WithFields(zap.String("component", "scheduler")),
	}

	for i, spec := range specs {
		if spec.Cron == "" {
			return nil, fmt.Errorf("schedule %d: cron expression is empty", i)
		}
		if spec.Group == "" {
			return nil, fmt.Errorf("schedule %d: group is empty", i)
		}
		spec := spec
		id, err := s.engine.AddFunc(spec.Cron, func() { s.fire(spec) })
		if err != nil {
			return nil, fmt.Errorf("schedule %d (%q): %w", i, spec.Cron, err)
		}
		s.entries = append(s.entries, id)
	}

	return s, nil
}

// Len reports the number of registered schedules.
func (s *Scheduler) Len() int {
	return len(s.entries)
}

// Start begins firing schedules in a background goroutine.
func (s *Scheduler) Start() {
	s.engine.Start()
	s.logger.Info("scheduler started", zap.Int("schedules", len(s.entries)))
}

// Stop halts the engine and waits for in-flight fires, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	stopped := s.engine.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
	}
}

func (s *Scheduler) fire(spec config.ScheduleSpec) {
	envelope := protocol.NewEvent(protocol.TaskTriggered, Source, spec.Group, map[string]any{
		"prompt":   spec.Prompt,
		"schedule": spec.Cron,
	})
	if err := s.bus.Publish(context.Background(), envelope); err != nil {
		s.logger.Error("publish scheduled task", zap.Error(err), zap.String("group", spec.Group))
		return
	}
	s.logger.Debug("scheduled task fired", zap.String("group", spec.Group), zap.String("cron", spec.Cron))
}
