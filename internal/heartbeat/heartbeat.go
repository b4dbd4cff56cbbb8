// Package heartbeat implements the dead-man's switch: the owner proves
// liveness by answering challenges, and a daily tick escalates through the
// alert ladder when proofs stop arriving. A check-in resets the ladder but
// never erases already-dispatched alerts.
package heartbeat

import (
	"context"
	"encoding/hex"
	"time"

	"mnemos/internal/config"
	"mnemos/internal/crypto"
	"mnemos/internal/logging"
	"mnemos/internal/store"
	"mnemos/internal/types"
)

// Service runs the liveness protocol.
type Service struct {
	st           *store.LocalStore
	cfg          config.HeartbeatConfig
	dispatcher   Dispatcher
	clock        types.Clock
	challengeTTL time.Duration
}

// New builds the heartbeat service. An unset challenge TTL defaults to the
// check-in interval: a challenge issued today stays answerable until the
// next check-in is due anyway.
func New(st *store.LocalStore, cfg config.HeartbeatConfig, d Dispatcher, clock types.Clock) *Service {
	if clock == nil {
		clock = types.WallClock{}
	}
	if d == nil {
		d = LogDispatcher{}
	}
	ttl := config.Duration(cfg.ChallengeTTL)
	if ttl <= 0 {
		ttl = time.Duration(cfg.IntervalDays) * 24 * time.Hour
	}
	return &Service{st: st, cfg: cfg, dispatcher: d, clock: clock, challengeTTL: ttl}
}

// Challenge issues a fresh random challenge the owner must answer before
// the returned expiry; consumption re-checks it against the clock.
func (s *Service) Challenge(ctx context.Context) (string, time.Time, error) {
	raw, err := crypto.RandomBytes(32)
	if err != nil {
		return "", time.Time{}, err
	}
	challenge := hex.EncodeToString(raw)
	expiresAt := s.clock.Now().Add(s.challengeTTL)
	if err := s.st.SaveChallenge(ctx, challenge, expiresAt); err != nil {
		return "", time.Time{}, err
	}
	return challenge, expiresAt, nil
}

// Sign computes the expected check-in response: an HMAC of the challenge
// keyed by the stored verifier. Only someone who can derive the verifier
// (that is, who knows the passphrase) can produce it; the server already
// holds the verifier, so it can check without learning anything new.
func Sign(verifier []byte, challenge string) string {
	return hex.EncodeToString(crypto.KeyedHash(verifier, []byte(challenge)))
}

// Checkin validates a challenge response and records the liveness proof,
// returning when the next check-in falls due. A wrong response, an expired
// challenge, or a replay all fail; the challenge is consumed exactly once.
func (s *Service) Checkin(ctx context.Context, challenge, response string) (time.Time, error) {
	auth, err := s.st.GetAuthState(ctx)
	if err != nil {
		return time.Time{}, err
	}
	got, err := hex.DecodeString(response)
	if err != nil || !crypto.VerifyKeyedHash(auth.Verifier, []byte(challenge), got) {
		return time.Time{}, types.E(types.ErrBadPassphrase, "check-in response mismatch")
	}
	now := s.clock.Now()
	if err := s.st.ConsumeChallenge(ctx, challenge, now); err != nil {
		return time.Time{}, err
	}
	if err := s.st.RecordCheckin(ctx, now); err != nil {
		return time.Time{}, err
	}
	logging.Get(logging.CategoryHeartbeat).Info("liveness check-in recorded")
	return now.AddDate(0, 0, s.cfg.IntervalDays), nil
}

// RecordUnlock counts a successful session unlock as a liveness proof.
func (s *Service) RecordUnlock(ctx context.Context) error {
	return s.st.RecordCheckin(ctx, s.clock.Now())
}

// Status is the ladder snapshot.
type Status struct {
	LastCheckin time.Time        `json:"last_checkin"`
	DaysSince   int              `json:"days_since"`
	NextDue     time.Time        `json:"next_due"`
	IsOverdue   bool             `json:"is_overdue"`
	Level       types.AlertLevel `json:"-"`
	LevelName   string           `json:"current_alert_level"`
	NextTrigger int              `json:"next_trigger_days,omitempty"`
	Alerts      []StatusAlert    `json:"alerts"`
}

// StatusAlert is one dispatched ladder alert in the status view.
type StatusAlert struct {
	Level        string    `json:"level"`
	TriggerDay   string    `json:"trigger_day"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

// Status reports where on the ladder the owner currently sits, including
// every alert already dispatched.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	last, err := s.st.LastCheckin(ctx)
	if err != nil {
		return nil, err
	}
	st := &Status{LastCheckin: last, Alerts: []StatusAlert{}}
	alerts, err := s.st.ListAlerts(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range alerts {
		st.Alerts = append(st.Alerts, StatusAlert{
			Level: a.Level.String(), TriggerDay: a.TriggerDay, DispatchedAt: a.DispatchedAt,
		})
	}
	if last.IsZero() {
		st.LevelName = types.AlertFresh.String()
		return st, nil
	}
	st.DaysSince = int(s.clock.Now().Sub(last).Hours() / 24)
	st.NextDue = last.AddDate(0, 0, s.cfg.IntervalDays)
	st.IsOverdue = st.DaysSince >= s.cfg.IntervalDays
	st.Level = s.levelFor(st.DaysSince)
	st.LevelName = st.Level.String()
	for _, step := range s.ladder() {
		if step.days > st.DaysSince {
			st.NextTrigger = step.days
			break
		}
	}
	return st, nil
}

type ladderStep struct {
	days  int
	level types.AlertLevel
}

func (s *Service) ladder() []ladderStep {
	return []ladderStep{
		{s.cfg.ReminderDays, types.AlertReminded},
		{s.cfg.UrgentDays, types.AlertUrgentReminder},
		{s.cfg.EmergencyContactDays, types.AlertEmergencyContact},
		{s.cfg.KeyholderDays, types.AlertKeyholders},
		{s.cfg.InheritanceDays, types.AlertInheritance},
	}
}

func (s *Service) levelFor(daysSince int) types.AlertLevel {
	level := types.AlertFresh
	for _, step := range s.ladder() {
		if daysSince >= step.days {
			level = step.level
		}
	}
	return level
}

// Tick is the daily escalation pass. Every ladder step whose deadline has
// passed gets its alert dispatched exactly once, keyed by (level, trigger
// day); a tick that fires after a long outage emits all missed levels in
// order. Returns the number of alerts newly dispatched.
func (s *Service) Tick(ctx context.Context) (int, error) {
	log := logging.Get(logging.CategoryHeartbeat)
	last, err := s.st.LastCheckin(ctx)
	if err != nil {
		return 0, err
	}
	if last.IsZero() {
		// No owner activity recorded yet; the ladder starts at first unlock.
		return 0, nil
	}

	now := s.clock.Now()
	daysSince := int(now.Sub(last).Hours() / 24)
	dispatched := 0
	for _, step := range s.ladder() {
		if daysSince < step.days {
			break
		}
		triggerDay := last.UTC().AddDate(0, 0, step.days).Format("2006-01-02")
		created, err := s.st.RecordAlert(ctx, step.level, triggerDay, now)
		if err != nil {
			return dispatched, err
		}
		if !created {
			continue
		}
		dispatched++
		log.Warnw("heartbeat escalation", "level", step.level.String(), "days_since", daysSince)
		if err := s.dispatcher.Dispatch(ctx, step.level, daysSince); err != nil {
			log.Errorw("alert dispatch failed", "level", step.level.String(), "error", err)
		}
		if step.level == types.AlertInheritance {
			if err := s.st.AppendAudit(ctx, "inheritance_triggered",
				"heartbeat ladder reached final level"); err != nil {
				log.Errorw("audit append failed", "error", err)
			}
		}
	}
	return dispatched, nil
}
