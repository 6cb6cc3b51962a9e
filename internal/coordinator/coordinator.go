// Package coordinator drives the periodic token check and announcement and
// owns the connector's lifecycle state.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fdm-monster/fdm-connector/internal/clock"
	"github.com/fdm-monster/fdm-connector/internal/config"
	"github.com/fdm-monster/fdm-connector/internal/hub"
	"github.com/fdm-monster/fdm-connector/internal/identity"
	"github.com/fdm-monster/fdm-connector/internal/lifecycle"

	"go.uber.org/zap"
)

// SettingsSource supplies the effective settings and the device id
type SettingsSource interface {
	Reload() error
	Current() config.Settings
	DeviceID() (string, error)
}

// IdentityStore persists the identity record
type IdentityStore interface {
	Load() (identity.Record, error)
	Save(rec identity.Record) error
}

// TokenService keeps the cached token usable
type TokenService interface {
	EnsureValid(ctx context.Context, rec identity.Record, baseURL string, creds hub.Credentials) (lifecycle.State, identity.Record, error)
}

// AnnounceService reports the host to the hub
type AnnounceService interface {
	Announce(ctx context.Context, current lifecycle.State, req hub.AnnounceRequest) (lifecycle.State, hub.AnnounceSummary, error)
}

// ContainerDetector tells whether the process runs in a container
type ContainerDetector interface {
	Containerized() bool
}

// Deps are the collaborators of a Coordinator
type Deps struct {
	Settings  SettingsSource
	Identity  IdentityStore
	Tokens    TokenService
	Announcer AnnounceService
	Host      ContainerDetector
	Clock     clock.Clock
}

// TickReport describes the outcome of one tick
type TickReport struct {
	StartedAt      time.Time       `json:"startedAt"`
	FinishedAt     time.Time       `json:"finishedAt"`
	State          lifecycle.State `json:"state"`
	TokenRefreshed bool            `json:"tokenRefreshed"`
	AnnounceStatus int             `json:"announceStatus,omitempty"`
	Error          string          `json:"error,omitempty"`
	ErrorKind      string          `json:"errorKind,omitempty"`
	Skipped        bool            `json:"skipped,omitempty"`
}

// Coordinator runs ticks and tracks the lifecycle state. It holds the only
// in-memory copy of the identity record.
type Coordinator struct {
	deps   Deps
	logger *zap.Logger

	tickMu sync.Mutex

	mu         sync.RWMutex
	state      lifecycle.State
	record     identity.Record
	lastReport TickReport
	history    *lifecycle.History

	subsMu sync.RWMutex
	subs   map[int]func(lifecycle.Transition)
	nextID int

	schedMu  sync.Mutex
	running  bool
	gen      uint64
	timer    clock.Timer
	inflight sync.WaitGroup
}

// New loads the identity record and returns a coordinator in Boot
func New(deps Deps, logger *zap.Logger) (*Coordinator, error) {
	if deps.Settings == nil || deps.Identity == nil || deps.Tokens == nil || deps.Announcer == nil {
		return nil, errors.New("coordinator: settings, identity, tokens and announcer are required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.NewRealClock()
	}

	rec, err := deps.Identity.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}

	return &Coordinator{
		deps:    deps,
		logger:  logger.Named("coordinator"),
		state:   lifecycle.Boot,
		record:  rec,
		history: lifecycle.NewHistory(lifecycle.DefaultHistorySize),
		subs:    make(map[int]func(lifecycle.Transition)),
	}, nil
}

// State returns the current lifecycle state
func (c *Coordinator) State() lifecycle.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Identity returns a copy of the in-memory identity record
func (c *Coordinator) Identity() identity.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.record.Clone()
}

// LastReport returns the report of the most recent completed tick
func (c *Coordinator) LastReport() TickReport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastReport
}

// History returns recent transitions, oldest first
func (c *Coordinator) History() []lifecycle.Transition {
	return c.history.Snapshot()
}

// Subscribe registers fn for every state change. fn runs on the ticking
// goroutine and must not block.
func (c *Coordinator) Subscribe(fn func(lifecycle.Transition)) (unsubscribe func()) {
	c.subsMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subsMu.Lock()
			delete(c.subs, id)
			c.subsMu.Unlock()
		})
	}
}

// Tick runs one token check and announcement. At most one tick runs at a
// time; a concurrent call returns a report with Skipped set.
func (c *Coordinator) Tick(ctx context.Context) TickReport {
	started := c.deps.Clock.Now()
	if !c.tickMu.TryLock() {
		c.logger.Debug("Tick already in flight, skipping")
		return TickReport{StartedAt: started, FinishedAt: started, State: c.State(), Skipped: true}
	}
	defer c.tickMu.Unlock()

	report := c.runTick(ctx)
	report.StartedAt = started
	report.FinishedAt = c.deps.Clock.Now()
	report.State = c.State()

	c.mu.Lock()
	c.lastReport = report
	c.mu.Unlock()

	c.logger.Info("Tick finished",
		zap.Stringer("state", report.State),
		zap.Bool("token_refreshed", report.TokenRefreshed),
		zap.Int("announce_status", report.AnnounceStatus),
		zap.Duration("took", report.FinishedAt.Sub(report.StartedAt)))
	return report
}

func (c *Coordinator) runTick(ctx context.Context) TickReport {
	var report TickReport

	// Reload logs its own failure and keeps the previous settings
	_ = c.deps.Settings.Reload()
	settings := c.deps.Settings.Current()

	baseURL, ok := settings.BaseURL()
	if !ok {
		err := &hub.Error{Kind: hub.KindConfiguration, Op: "tick", Message: "hub_host or hub_port not set"}
		c.logger.Error("Hub address not configured", zap.Error(err))
		c.setState(lifecycle.Crashed, err)
		return withError(report, err)
	}

	creds := hub.Credentials{ClientID: settings.OIDCClientID, ClientSecret: settings.OIDCClientSecret}
	current := c.Identity()

	state, updated, err := c.deps.Tokens.EnsureValid(ctx, current, baseURL, creds)
	persisted := true
	if err == nil && !sameToken(current, updated) {
		report.TokenRefreshed = true
		if saveErr := c.deps.Identity.Save(updated); saveErr != nil {
			persisted = false
			c.logger.Error("Failed to persist refreshed token, keeping it in memory", zap.Error(saveErr))
		}
		c.adopt(updated)
	}

	c.setState(state, err)
	if state != lifecycle.Success {
		return withError(report, err)
	}

	// The announce always carries the token validated above; the reload only
	// picks up the persistence id, which changes when the data file is gone
	rec := c.Identity()
	if persisted {
		rec = c.reloadIdentity(rec)
	}

	deviceID, err := c.deps.Settings.DeviceID()
	if err != nil {
		hubErr := &hub.Error{Kind: hub.KindConfiguration, Op: "tick", Message: "device id unavailable", Err: err}
		c.logger.Error("Failed to resolve device id", zap.Error(err))
		c.setState(lifecycle.Crashed, hubErr)
		return withError(report, hubErr)
	}

	containerized := false
	if c.deps.Host != nil {
		containerized = c.deps.Host.Containerized()
	}

	state, summary, err := c.deps.Announcer.Announce(ctx, c.State(), hub.AnnounceRequest{
		BaseURL:       baseURL,
		AccessToken:   rec.Token(),
		DeviceID:      deviceID,
		PersistenceID: rec.PersistenceID,
		Host:          settings.AdvertisedHost(),
		Port:          settings.AdvertisedPort(),
		Containerized: containerized,
	})
	report.AnnounceStatus = summary.StatusCode
	c.setState(state, err)
	return withError(report, err)
}

// reloadIdentity re-reads the data file and merges the held token into it.
// A regenerated file lost the token, so the merged record is written back.
func (c *Coordinator) reloadIdentity(held identity.Record) identity.Record {
	loaded, err := c.deps.Identity.Load()
	if err != nil {
		c.logger.Warn("Failed to reload identity, using in-memory copy", zap.Error(err))
		return held
	}

	merged := held.Clone()
	merged.PersistenceID = loaded.PersistenceID
	if !sameToken(loaded, held) {
		c.logger.Warn("Identity file no longer holds the current token, restoring it",
			zap.String("persistence_id", loaded.PersistenceID))
		if err := c.deps.Identity.Save(merged); err != nil {
			c.logger.Error("Failed to restore token in identity file", zap.Error(err))
		}
	}
	c.adopt(merged)
	return merged
}

func (c *Coordinator) adopt(rec identity.Record) {
	c.mu.Lock()
	c.record = rec.Clone()
	c.mu.Unlock()
}

// setState moves to next and notifies subscribers when the state changed
func (c *Coordinator) setState(next lifecycle.State, cause error) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()

	if prev == next {
		return
	}

	t := lifecycle.Transition{At: c.deps.Clock.Now(), From: prev, To: next}
	if cause != nil {
		t.Reason = cause.Error()
		t.Kind = hub.KindOf(cause).String()
	}
	c.history.Record(t)

	c.logger.Info("State changed",
		zap.Stringer("from", prev),
		zap.Stringer("to", next),
		zap.String("reason", t.Reason))

	c.subsMu.RLock()
	handlers := make([]func(lifecycle.Transition), 0, len(c.subs))
	for _, fn := range c.subs {
		handlers = append(handlers, fn)
	}
	c.subsMu.RUnlock()

	for _, fn := range handlers {
		fn(t)
	}
}

// Start runs a tick immediately and then every interval after the previous
// tick finished. Ticks use ctx; when it is done no further ticks run.
func (c *Coordinator) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %s", interval)
	}

	c.schedMu.Lock()
	defer c.schedMu.Unlock()
	if c.running {
		return errors.New("scheduler already running")
	}
	c.running = true
	c.gen++
	gen := c.gen

	c.logger.Info("Starting tick scheduler", zap.Duration("interval", interval))
	go c.fire(ctx, interval, gen)
	return nil
}

// fire runs one tick and schedules the next. gen ties it to one Start call
// so a chain from before a Stop never outlives it.
func (c *Coordinator) fire(ctx context.Context, interval time.Duration, gen uint64) {
	c.schedMu.Lock()
	if !c.active(gen) || ctx.Err() != nil {
		c.schedMu.Unlock()
		return
	}
	c.inflight.Add(1)
	c.schedMu.Unlock()

	c.Tick(ctx)

	c.schedMu.Lock()
	if c.active(gen) && ctx.Err() == nil {
		c.timer = c.deps.Clock.AfterFunc(interval, func() { c.fire(ctx, interval, gen) })
	}
	c.schedMu.Unlock()
	c.inflight.Done()
}

// active reports whether gen is the current scheduler run. schedMu must be held.
func (c *Coordinator) active(gen uint64) bool {
	return c.running && c.gen == gen
}

// Stop cancels the pending tick and waits for one in flight to finish
func (c *Coordinator) Stop() {
	c.schedMu.Lock()
	if !c.running {
		c.schedMu.Unlock()
		return
	}
	c.running = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.schedMu.Unlock()

	c.inflight.Wait()
	c.logger.Info("Tick scheduler stopped")
}

// Running reports whether the scheduler is active
func (c *Coordinator) Running() bool {
	c.schedMu.Lock()
	defer c.schedMu.Unlock()
	return c.running
}

func sameToken(a, b identity.Record) bool {
	if a.Token() != b.Token() {
		return false
	}
	return equalInt64(a.RequestedAt, b.RequestedAt) && equalInt64(a.ExpiresIn, b.ExpiresIn)
}

func equalInt64(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func withError(report TickReport, err error) TickReport {
	if err != nil {
		report.Error = err.Error()
		report.ErrorKind = hub.KindOf(err).String()
	}
	return report
}
