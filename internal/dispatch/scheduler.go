package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Scheduled-task states. A row moves pending -> dispatching -> sent;
// a failed send drops it back to pending for the next sweep.
const (
	statusPending     = "pending"
	statusDispatching = "dispatching"
	statusSent        = "sent"
)

// ScheduledTask is the durable record of one long-delay execution. Its
// only job is to outlive the immediate queue's delay ceiling and be
// re-submitted once due.
type ScheduledTask struct {
	ID        string    `gorm:"column:id;primaryKey;size:64"`
	FireAt    time.Time `gorm:"column:fire_at;not null;index"`
	Status    string    `gorm:"column:status;size:16;not null;index"`
	Payload   []byte    `gorm:"column:payload;type:jsonb"`
	Attempts  int       `gorm:"column:attempts;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (ScheduledTask) TableName() string { return "scheduled_tasks" }

// Scheduler is the durable long-delay substrate: schedule rows in
// Postgres, sweep the due ones back onto the immediate queue. It
// implements DurableScheduler.
type Scheduler struct {
	db           *gorm.DB
	sender       QueueSender
	interval     time.Duration
	batch        int
	claimTimeout time.Duration
	now          func() time.Time
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSweepInterval sets how often due executions are swept.
func WithSweepInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.interval = d }
}

// WithSweepBatch caps how many due executions one sweep re-submits.
func WithSweepBatch(n int) SchedulerOption {
	return func(s *Scheduler) { s.batch = n }
}

// WithClaimTimeout sets how long a dispatching claim may sit untouched
// before a sweep takes it back.
func WithClaimTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.claimTimeout = d }
}

// WithSchedulerClock overrides the wall clock, for tests.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

func NewScheduler(db *gorm.DB, sender QueueSender, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		db:           db,
		sender:       sender,
		interval:     30 * time.Second,
		batch:        100,
		claimTimeout: 5 * time.Minute,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates the scheduled_tasks table.
func (s *Scheduler) Migrate() error {
	if err := s.db.AutoMigrate(&ScheduledTask{}); err != nil {
		return errors.Wrap(err, "failed to migrate scheduled_tasks table")
	}
	return nil
}

// Schedule persists one long-delay execution and returns its id.
func (s *Scheduler) Schedule(ctx context.Context, t Task, fireAt time.Time) (string, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode task payload")
	}
	row := &ScheduledTask{
		ID:      uuid.NewString(),
		FireAt:  fireAt.UTC(),
		Status:  statusPending,
		Payload: payload,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return "", errors.Wrap(err, "failed to persist scheduled task")
	}
	return row.ID, nil
}

// PendingCount returns how many executions are still sleeping.
func (s *Scheduler) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&ScheduledTask{}).
		Where("status = ?", statusPending).
		Count(&n).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to count pending scheduled tasks")
	}
	return n, nil
}

// DispatchDue re-submits every due execution to the immediate queue and
// returns how many went out. A row is claimed before sending so two
// sweepers cannot double-submit; a failed send is released back to
// pending for the next sweep. A claim is a lease: a worker that dies
// between claiming and the final status write leaves the row in
// dispatching, so claims untouched for longer than the claim timeout
// are reverted to pending before due rows are selected.
func (s *Scheduler) DispatchDue(ctx context.Context) (int, error) {
	reclaimed := s.db.WithContext(ctx).
		Model(&ScheduledTask{}).
		Where("status = ? AND updated_at < ?", statusDispatching, s.now().UTC().Add(-s.claimTimeout)).
		Update("status", statusPending)
	if reclaimed.Error != nil {
		return 0, errors.Wrap(reclaimed.Error, "failed to reclaim stale scheduled task claims")
	}
	if reclaimed.RowsAffected > 0 {
		log.Warn().Int64("reclaimed", reclaimed.RowsAffected).Msg("Reclaimed stale scheduled task claims")
	}

	var due []ScheduledTask
	err := s.db.WithContext(ctx).
		Where("status = ? AND fire_at <= ?", statusPending, s.now().UTC()).
		Order("fire_at").
		Limit(s.batch).
		Find(&due).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to load due scheduled tasks")
	}

	dispatched := 0
	for _, row := range due {
		claimed := s.db.WithContext(ctx).
			Model(&ScheduledTask{}).
			Where("id = ? AND status = ?", row.ID, statusPending).
			Updates(map[string]interface{}{"status": statusDispatching, "attempts": row.Attempts + 1})
		if claimed.Error != nil {
			return dispatched, errors.Wrap(claimed.Error, "failed to claim scheduled task")
		}
		if claimed.RowsAffected == 0 {
			continue // another sweeper got it first
		}

		var t Task
		if err := json.Unmarshal(row.Payload, &t); err != nil {
			log.Error().Err(err).Str("execution_id", row.ID).Msg("Dropping scheduled task with undecodable payload")
			s.setStatus(ctx, row.ID, statusSent)
			continue
		}

		// The delay has elapsed; the remaining submit carries none.
		if _, err := s.sender.SendTask(ctx, t, nil); err != nil {
			log.Error().Err(err).
				Str("execution_id", row.ID).
				Str("task_type", string(t.Type)).
				Msg("Failed to re-submit scheduled task, will retry next sweep")
			s.setStatus(ctx, row.ID, statusPending)
			continue
		}

		s.setStatus(ctx, row.ID, statusSent)
		dispatched++
	}
	return dispatched, nil
}

// Run sweeps due executions on the configured interval until the
// context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return errors.Wrap(err, "failed to create sweep scheduler")
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			n, err := s.DispatchDue(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Failed to sweep due scheduled tasks")
				return
			}
			if n > 0 {
				log.Info().Int("dispatched", n).Msg("Re-submitted due scheduled tasks")
			}
		}),
	)
	if err != nil {
		return errors.Wrap(err, "failed to register sweep job")
	}

	scheduler.Start()
	<-ctx.Done()
	return scheduler.Shutdown()
}

func (s *Scheduler) setStatus(ctx context.Context, id, status string) {
	err := s.db.WithContext(ctx).
		Model(&ScheduledTask{}).
		Where("id = ?", id).
		Update("status", status).Error
	if err != nil {
		log.Error().Err(err).Str("execution_id", id).Str("status", status).Msg("Failed to update scheduled task status")
	}
}
