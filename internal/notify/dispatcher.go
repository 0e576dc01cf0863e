package notify

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/mindgauge/backend/internal/domain"
	"github.com/mindgauge/backend/internal/events"
	"github.com/mindgauge/backend/internal/resilience"
)

// UserSource resolves recipients.
type UserSource interface {
	UserByID(ctx context.Context, id int64) (*domain.User, error)
}

// Config wires a Dispatcher. Users is required; a nil Pusher or Mailer
// disables that channel.
type Config struct {
	Users  UserSource
	Pusher Pusher
	Mailer Mailer
	Logger *slog.Logger

	// Workers drain the subscription concurrently (default 2).
	Workers int
	// Timeout bounds one delivery attempt (default 5s).
	Timeout time.Duration
}

// Dispatcher listens for completed sessions and fans the news out to
// the push and mail collaborators. The bus subscription's buffer is the
// bounded queue: when it fills, the bus drops rather than blocking the
// publisher.
type Dispatcher struct {
	users   UserSource
	pusher  Pusher
	mailer  Mailer
	logger  *slog.Logger
	workers int
	timeout time.Duration

	pushBreaker *resilience.Breaker
	mailBreaker *resilience.Breaker

	bus *events.Bus
	ch  <-chan events.Event
	wg  sync.WaitGroup

	stopOnce sync.Once
}

func NewDispatcher(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		users:       cfg.Users,
		pusher:      cfg.Pusher,
		mailer:      cfg.Mailer,
		logger:      logger,
		workers:     workers,
		timeout:     timeout,
		pushBreaker: resilience.New(resilience.Config{Name: "push", Logger: logger}),
		mailBreaker: resilience.New(resilience.Config{Name: "mail", Logger: logger}),
	}
}

// Start subscribes to session completions and begins draining.
func (d *Dispatcher) Start(bus *events.Bus) {
	d.bus = bus
	d.ch = bus.Subscribe(events.SessionCompleted)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Stop detaches from the bus and waits until every queued event has
// been handled.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		if d.bus != nil {
			d.bus.Unsubscribe(d.ch)
		}
		d.wg.Wait()
	})
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for evt := range d.ch {
		d.handle(evt)
	}
}

func (d *Dispatcher) handle(evt events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	user, err := d.users.UserByID(ctx, evt.UserID)
	if err != nil {
		d.logger.Error("[Notify] recipient lookup failed",
			"user_id", evt.UserID, "session_id", evt.SessionID, "error", err)
		return
	}

	d.push(ctx, user, evt)
	d.mail(ctx, user, evt)
}

func (d *Dispatcher) push(ctx context.Context, u *domain.User, evt events.Event) {
	if d.pusher == nil || !u.PushEnabled || u.PushToken == "" {
		return
	}
	n := resultNotification(evt)
	err := d.pushBreaker.Do(ctx, func(ctx context.Context) error {
		return d.pusher.Push(ctx, u.PushToken, n)
	})
	switch {
	case err == nil:
	case errors.Is(err, resilience.ErrOpen), errors.Is(err, resilience.ErrTooManyCalls):
		d.logger.Warn("[Notify] push skipped, breaker open",
			"user_id", u.ID, "session_id", evt.SessionID)
	default:
		d.logger.Error("[Notify] push delivery failed",
			"user_id", u.ID, "session_id", evt.SessionID, "error", err)
	}
}

func (d *Dispatcher) mail(ctx context.Context, u *domain.User, evt events.Event) {
	if d.mailer == nil || u.Email == "" {
		return
	}
	err := d.mailBreaker.Do(ctx, func(ctx context.Context) error {
		return d.mailer.SendResultReady(ctx, u.Email, evt.SessionID)
	})
	switch {
	case err == nil:
	case errors.Is(err, resilience.ErrOpen), errors.Is(err, resilience.ErrTooManyCalls):
		d.logger.Warn("[Notify] mail skipped, breaker open",
			"user_id", u.ID, "session_id", evt.SessionID)
	default:
		d.logger.Error("[Notify] mail delivery failed",
			"user_id", u.ID, "session_id", evt.SessionID, "error", err)
	}
}

// resultNotification builds the completion push. The score itself never
// rides in the payload; the client fetches it over the authenticated
// API.
func resultNotification(evt events.Event) Notification {
	return Notification{
		Title: "Your results are ready",
		Body:  "Your assessment has finished. Open the app to see your score.",
		Data:  map[string]string{"session_id": strconv.FormatInt(evt.SessionID, 10)},
	}
}
