// Package digest batches pending notification records into periodic emails.
//
// Two tiers run on independent cadences: "individual" every interval (30m by
// default) and "daily" once a day at a fixed UTC wall-clock time. Each tier's
// selection window equals its cadence, so a record is seen by exactly one run
// of its tier; the delivery-method stamp guards against overlap anyway.
package digest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"flockcast/internal/storage"
	"flockcast/pkg/logx"
)

// Store is the persistence surface the scheduler needs; *storage.Store
// satisfies it.
type Store interface {
	ListPendingByFrequency(ctx context.Context, frequency string, since time.Time) ([]storage.Notification, error)
	SetDeliveryMethod(ctx context.Context, ids []string, method string) error
	LoadPerson(ctx context.Context, churchID, personID string) (storage.Person, error)
}

type Config struct {
	IndividualInterval time.Duration
	DailyHour          int
	DailyMinute        int
	FromAddress        string
}

type Scheduler struct {
	cfg    Config
	store  Store
	mailer Mailer
	log    logx.Logger
	cron   *cron.Cron

	// now is swappable for tests.
	now func() time.Time
}

func NewScheduler(cfg Config, store Store, mailer Mailer, log logx.Logger) *Scheduler {
	if cfg.IndividualInterval <= 0 {
		cfg.IndividualInterval = 30 * time.Minute
	}
	return &Scheduler{
		cfg:    cfg,
		store:  store,
		mailer: mailer,
		log:    log,
		now:    time.Now,
	}
}

// Start registers both tiers and starts the cron loop. Wall-clock specs run
// in UTC so the daily tier does not drift with the host timezone.
func (s *Scheduler) Start() error {
	c := cron.New(cron.WithLocation(time.UTC))

	if _, err := c.AddFunc("@every "+s.cfg.IndividualInterval.String(), func() {
		s.runTier(storage.FreqIndividual, s.cfg.IndividualInterval)
	}); err != nil {
		return fmt.Errorf("schedule individual tier: %w", err)
	}
	if _, err := c.AddFunc(fmt.Sprintf("%d %d * * *", s.cfg.DailyMinute, s.cfg.DailyHour), func() {
		s.runTier(storage.FreqDaily, 24*time.Hour)
	}); err != nil {
		return fmt.Errorf("schedule daily tier: %w", err)
	}

	c.Start()
	s.cron = c
	s.log.Info("digest scheduler started",
		logx.Duration("individual_interval", s.cfg.IndividualInterval),
		logx.String("daily_at_utc", fmt.Sprintf("%02d:%02d", s.cfg.DailyHour, s.cfg.DailyMinute)))
	return nil
}

// Stop halts the cron loop and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.log.Info("digest scheduler stopped")
}

func (s *Scheduler) runTier(frequency string, window time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := s.RunTier(ctx, frequency, window); err != nil {
		s.log.Error("digest run failed", logx.String("frequency", frequency), logx.Err(err))
	}
}

type recipientKey struct {
	churchID string
	personID string
}

// RunTier selects the tier's pending records inside the lookback window,
// groups them per recipient, and sends one email per recipient. A failed
// recipient is logged and skipped; their records stay pending for the next
// run. Records are stamped only after their email was accepted by the relay.
func (s *Scheduler) RunTier(ctx context.Context, frequency string, window time.Duration) error {
	since := s.now().Add(-window)
	rows, err := s.store.ListPendingByFrequency(ctx, frequency, since)
	if err != nil {
		return fmt.Errorf("select pending: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	groups := make(map[recipientKey][]storage.Notification)
	for _, n := range rows {
		k := recipientKey{churchID: n.ChurchID, personID: n.PersonID}
		groups[k] = append(groups[k], n)
	}
	keys := make([]recipientKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].churchID != keys[j].churchID {
			return keys[i].churchID < keys[j].churchID
		}
		return keys[i].personID < keys[j].personID
	})

	sent := 0
	for _, k := range keys {
		items := groups[k]
		if err := s.sendOne(ctx, k, items); err != nil {
			s.log.Warn("digest email skipped",
				logx.String("church_id", k.churchID),
				logx.String("person_id", k.personID),
				logx.Int("items", len(items)),
				logx.Err(err))
			continue
		}
		sent++
	}
	s.log.Info("digest run finished",
		logx.String("frequency", frequency),
		logx.Int("recipients", len(groups)),
		logx.Int("sent", sent),
		logx.Int("records", len(rows)))
	return nil
}

func (s *Scheduler) sendOne(ctx context.Context, k recipientKey, items []storage.Notification) error {
	person, err := s.store.LoadPerson(ctx, k.churchID, k.personID)
	if err != nil {
		return fmt.Errorf("load person: %w", err)
	}
	if person.Email == "" {
		return fmt.Errorf("person %s has no email address", k.personID)
	}

	raw, err := composeDigest(s.cfg.FromAddress, person, items, s.now())
	if err != nil {
		return fmt.Errorf("compose: %w", err)
	}
	if err := s.mailer.Send(ctx, s.cfg.FromAddress, person.Email, raw); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	ids := make([]string, 0, len(items))
	for _, n := range items {
		ids = append(ids, n.ID)
	}
	if err := s.store.SetDeliveryMethod(ctx, ids, storage.MethodEmail); err != nil {
		// The email is out but the stamp failed; the next run may resend.
		// Prefer a duplicate email over a silently lost one.
		return fmt.Errorf("stamp delivery method: %w", err)
	}
	return nil
}
