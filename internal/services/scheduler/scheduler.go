package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/xelth-com/etimsgo/internal/etims"
	"github.com/xelth-com/etimsgo/internal/models"
	"github.com/xelth-com/etimsgo/internal/queue"
)

// DefaultAllSpec is the tick used for the "All" frequency
const DefaultAllSpec = "@every 4m"

var descriptors = map[string]string{
	models.FrequencyHourly:  "@hourly",
	models.FrequencyDaily:   "@daily",
	models.FrequencyWeekly:  "@weekly",
	models.FrequencyMonthly: "@monthly",
	models.FrequencyYearly:  "@yearly",
}

// SpecFor maps a stored frequency to a cron spec. An empty frequency means All.
func SpecFor(frequency, expr, allSpec string) (string, error) {
	if allSpec == "" {
		allSpec = DefaultAllSpec
	}
	switch frequency {
	case "", models.FrequencyAll:
		return allSpec, nil
	case models.FrequencyCron:
		if expr == "" {
			return "", fmt.Errorf("frequency Cron needs an expression")
		}
		if _, err := cron.ParseStandard(expr); err != nil {
			return "", fmt.Errorf("invalid cron expression %q: %w", expr, err)
		}
		return expr, nil
	}
	if spec, ok := descriptors[frequency]; ok {
		return spec, nil
	}
	return "", fmt.Errorf("unknown frequency %q", frequency)
}

// Options tunes a Scheduler
type Options struct {
	AllSpec string
	Logger  *zap.Logger
	Now     func() time.Time
}

// Scheduler enqueues pending submissions per settings record and group on their schedules
type Scheduler struct {
	db      *gorm.DB
	queue   queue.Queue
	allSpec string
	log     *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	entries []cron.EntryID
	ctx     context.Context
}

// New creates a scheduler
func New(db *gorm.DB, q queue.Queue, opts Options) *Scheduler {
	s := &Scheduler{
		db:      db,
		queue:   q,
		allSpec: opts.AllSpec,
		log:     opts.Logger,
		now:     opts.Now,
		cron:    cron.New(cron.WithLocation(time.UTC)),
		ctx:     context.Background(),
	}
	if s.allSpec == "" {
		s.allSpec = DefaultAllSpec
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// Start loads the entries and starts the cron runner
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if err := s.Reload(ctx); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the runner and waits for running jobs
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Reload replaces every entry with one per active settings record and group.
// Records blocked on auth failure keep their entries; RunGroup refuses them at tick time,
// so lifting the block by any route resumes the schedule without a reload.
func (s *Scheduler) Reload(ctx context.Context) error {
	var settings []models.Settings
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Find(&settings).Error; err != nil {
		return fmt.Errorf("failed to load active settings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var added []cron.EntryID
	for _, rec := range settings {
		if rec.AuthBlocked() {
			s.log.Warn("settings blocked on auth failure, ticks are skipped until it is lifted", zap.Uint("settings_id", rec.ID))
		}
		for _, group := range models.Groups {
			freq, expr := rec.Schedule(group)
			spec, err := SpecFor(freq, expr, s.allSpec)
			if err != nil {
				s.log.Error("invalid schedule", zap.Uint("settings_id", rec.ID), zap.String("group", group), zap.Error(err))
				continue
			}
			id, group := rec.ID, group
			entry, err := s.cron.AddFunc(spec, func() { s.tick(id, group) })
			if err != nil {
				s.log.Error("failed to add schedule", zap.Uint("settings_id", id), zap.String("spec", spec), zap.Error(err))
				continue
			}
			added = append(added, entry)
		}
	}

	for _, old := range s.entries {
		s.cron.Remove(old)
	}
	s.entries = added
	s.log.Info("schedules loaded", zap.Int("settings", len(settings)), zap.Int("entries", len(added)))
	return nil
}

func (s *Scheduler) tick(settingsID uint, group string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	n, err := s.RunGroup(ctx, settingsID, group)
	if etims.IsAuth(err) {
		s.log.Debug("scheduled run skipped, settings blocked", zap.Uint("settings_id", settingsID), zap.String("group", group))
		return
	}
	if err != nil {
		s.log.Warn("scheduled run failed", zap.Uint("settings_id", settingsID), zap.String("group", group), zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Info("scheduled run enqueued jobs", zap.Uint("settings_id", settingsID), zap.String("group", group), zap.Int("jobs", n))
	}
}

// RunGroup enqueues one job per eligible pending submission of the group's categories.
// The notices group enqueues a single notice refresh.
func (s *Scheduler) RunGroup(ctx context.Context, settingsID uint, group string) (int, error) {
	var rec models.Settings
	if err := s.db.WithContext(ctx).First(&rec, settingsID).Error; err != nil {
		return 0, fmt.Errorf("%w: %d", etims.ErrSettingsNotFound, settingsID)
	}
	if !rec.IsActive {
		return 0, etims.NewValidationError("RunGroup", "settings record is not active")
	}
	if rec.AuthBlocked() {
		return 0, etims.NewAuthError("RunGroup", "settings blocked: "+rec.LastAuthError, nil)
	}

	if group == models.GroupNotices {
		if err := s.queue.Enqueue(ctx, queue.NoticesJob(settingsID)); err != nil {
			return 0, fmt.Errorf("failed to enqueue notice refresh: %w", err)
		}
		return 1, nil
	}

	categories := models.GroupCategories(group)
	if len(categories) == 0 {
		return 0, etims.NewValidationError("RunGroup", fmt.Sprintf("unknown group %q", group))
	}

	now := s.now()
	var ids []uint
	err := s.db.WithContext(ctx).Model(&models.Submission{}).
		Where("settings_id = ? AND status = ? AND category IN ?", settingsID, models.SubmissionStatusPending, categories).
		Where("next_attempt_at IS NULL OR next_attempt_at <= ?", now).
		Where("claimed_until IS NULL OR claimed_until < ?", now).
		Order("id").
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("failed to select pending submissions: %w", err)
	}

	for i, id := range ids {
		if err := s.queue.Enqueue(ctx, queue.DispatchJob(id)); err != nil {
			return i, fmt.Errorf("failed to enqueue submission %d: %w", id, err)
		}
	}
	return len(ids), nil
}

// Entries reports how many schedules are loaded
func (s *Scheduler) Entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
