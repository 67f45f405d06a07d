package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"shopfloor/internal/domain"
	"shopfloor/internal/events"
	"shopfloor/internal/metrics"
	"shopfloor/internal/notify"
	"shopfloor/internal/repo"
)

// Engine owns the machine registry and the per-machine work queue. All
// mutations run inside a single transaction under the machine's lock;
// outward notifications go out strictly after commit.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Appender
	Notifier notify.Notifier
	Reserver notify.CapacityReserver
	Log      zerolog.Logger
	Now      func() time.Time

	locks *machineLocks
}

func New(db *sql.DB, log zerolog.Logger) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Notifier: notify.Nop{},
		Reserver: notify.Nop{},
		Log:      log,
		Now:      time.Now,
		locks:    newMachineLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

// machineLocks serializes mutations per machine; unrelated machines
// proceed independently.
type machineLocks struct {
	mu   sync.Mutex
	held map[string]*sync.Mutex
}

func newMachineLocks() *machineLocks {
	return &machineLocks{held: map[string]*sync.Mutex{}}
}

func (l *machineLocks) acquire(machineID string) func() {
	l.mu.Lock()
	m, ok := l.held[machineID]
	if !ok {
		m = &sync.Mutex{}
		l.held[machineID] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (e Engine) lockMachine(machineID string) func() {
	if e.locks == nil {
		return func() {}
	}
	return e.locks.acquire(machineID)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		f := verrs[0]
		return &domain.ValidationError{Field: strings.ToLower(f.Field()), Reason: "failed " + f.Tag() + " check"}
	}
	return err
}

// notFound maps the repo sentinel to the typed error at the engine
// boundary.
func notFound(err error, kind, id string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return &domain.NotFoundError{Kind: kind, ID: id}
	}
	return err
}

// appendNote adds a timestamped audit line to a free-text notes field.
func appendNote(notes, ts, line string) string {
	entry := "[" + ts + "] " + line
	if strings.TrimSpace(notes) == "" {
		return entry
	}
	return notes + "\n" + entry
}

// notifyLifecycle delivers the start/complete event for an item after
// its transaction committed. Delivery failures are logged and counted,
// never surfaced to the caller.
func (e Engine) notifyLifecycle(it domain.QueueItem) {
	if e.Notifier == nil {
		return
	}
	evt := notify.LifecycleEventFor(it)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Notifier.NotifyLifecycle(ctx, evt); err != nil {
			metrics.NotifyFailures.Inc()
			e.Log.Warn().Err(err).Str("queue_id", evt.QueueID).Str("status", evt.Status).Msg("lifecycle notification failed")
		}
	}()
}

func (e Engine) reserveCapacity(res notify.Reservation) {
	if e.Reserver == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Reserver.ReserveCapacity(ctx, res); err != nil {
			metrics.NotifyFailures.Inc()
			e.Log.Warn().Err(err).Str("batch_id", res.BatchID).Msg("capacity reservation failed")
		}
	}()
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func parseTime(field, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, &domain.ValidationError{Field: field, Reason: "must be an RFC3339 timestamp"}
	}
	return t, nil
}
