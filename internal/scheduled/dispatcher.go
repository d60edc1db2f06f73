package scheduled

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/keepsake/backend/internal/apperr"
	"github.com/keepsake/backend/internal/models"
	"github.com/keepsake/backend/internal/retry"
)

var deliveriesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "keepsake_scheduled_deliveries_total",
		Help: "Scheduled message delivery attempts by outcome.",
	},
	[]string{"outcome"},
)

// DeliveryStore is the slice of the document store the dispatcher needs.
type DeliveryStore interface {
	DueScheduledMessages(ctx context.Context, now time.Time, limit int) ([]models.ScheduledMessage, error)
	LastDeliveredAt(ctx context.Context, senderID, recipientID string) (*time.Time, error)
	MarkDelivered(ctx context.Context, messageID string, now time.Time) (models.ScheduledMessage, error)
}

// Notifier hands a delivered message to the recipient.
type Notifier interface {
	Notify(ctx context.Context, msg models.ScheduledMessage) error
}

// LogNotifier records deliveries in the log. Push delivery happens elsewhere.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, msg models.ScheduledMessage) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("scheduled message delivered",
		"messageId", msg.ID,
		"senderId", msg.SenderID,
		"recipientId", msg.RecipientID,
	)
	return nil
}

// DispatcherConfig controls polling and concurrency.
type DispatcherConfig struct {
	Interval  time.Duration
	BatchSize int
	QueueSize int
	Workers   int
}

// Dispatcher polls for due messages and delivers them on a worker pool.
type Dispatcher struct {
	store    DeliveryStore
	notifier Notifier
	rules    Rules
	retry    *retry.Executor
	cfg      DispatcherConfig
	logger   *slog.Logger
	now      func() time.Time

	// sendMu orders sends on jobs before the close in Shutdown.
	sendMu  sync.RWMutex
	jobs    chan models.ScheduledMessage
	closing chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

var errDispatcherClosed = errors.New("dispatcher closed")

// NewDispatcher starts the worker pool. Call Run to start polling, or
// DeliverDue for a single pass.
func NewDispatcher(store DeliveryStore, notifier Notifier, rules Rules, exec *retry.Executor, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	if exec == nil {
		exec = retry.NewExecutor()
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		store:    store,
		notifier: notifier,
		rules:    rules,
		retry:    exec,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		jobs:     make(chan models.ScheduledMessage, cfg.QueueSize),
		closing:  make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]struct{}),
	}

	d.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.worker()
	}
	return d
}

// WithNowFunc allows tests to override the time source.
func (d *Dispatcher) WithNowFunc(now func() time.Time) {
	d.now = now
}

// Run polls until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := d.DeliverDue(ctx); err != nil && !errors.Is(err, errDispatcherClosed) {
			d.logger.Error("poll due messages", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-d.closing:
			return nil
		case <-ticker.C:
		}
	}
}

// DeliverDue loads one batch of due messages and queues them. It returns
// how many were queued.
func (d *Dispatcher) DeliverDue(ctx context.Context) (int, error) {
	now := d.now()
	due, err := retry.Do(ctx, d.retry, "scheduled.due", func(ctx context.Context) ([]models.ScheduledMessage, error) {
		return d.store.DueScheduledMessages(ctx, now, d.cfg.BatchSize)
	})
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, msg := range due {
		if !d.claim(msg.ID) {
			continue
		}
		if err := d.enqueue(ctx, msg); err != nil {
			d.release(msg.ID)
			return queued, err
		}
		queued++
	}
	return queued, nil
}

// Shutdown stops accepting new jobs and waits for the workers to deliver
// everything already queued. When ctx ends first, in-progress deliveries are
// cancelled and the remaining queue is released without being delivered;
// those messages stay pending in the store.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.once.Do(func() {
		close(d.closing)
		d.sendMu.Lock()
		close(d.jobs)
		d.sendMu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	case <-done:
		d.cancel()
		return nil
	}
}

// Drain blocks until every queued message was handled or ctx is done.
func (d *Dispatcher) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		d.inflightMu.Lock()
		n := len(d.inflight)
		d.inflightMu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, msg models.ScheduledMessage) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.closing:
		return errDispatcherClosed
	default:
	}

	d.sendMu.RLock()
	defer d.sendMu.RUnlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.closing:
		return errDispatcherClosed
	case d.jobs <- msg:
		return nil
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for msg := range d.jobs {
		if d.ctx.Err() == nil {
			d.handle(msg)
		}
		d.release(msg.ID)
	}
}

func (d *Dispatcher) handle(msg models.ScheduledMessage) {
	ctx, cancel := context.WithTimeout(d.ctx, time.Minute)
	defer cancel()

	logger := d.logger.With("messageId", msg.ID)
	now := d.now()

	last, err := retry.Do(ctx, d.retry, "scheduled.last_delivered", func(ctx context.Context) (*time.Time, error) {
		return d.store.LastDeliveredAt(ctx, msg.SenderID, msg.RecipientID)
	})
	if err != nil {
		logger.Error("load last delivery", "error", err)
		deliveriesTotal.WithLabelValues("error").Inc()
		return
	}

	if !d.rules.IsReadyForDelivery(msg, last, now) {
		logger.Debug("delivery deferred by spacing rule")
		deliveriesTotal.WithLabelValues("deferred").Inc()
		return
	}

	delivered, err := retry.Do(ctx, d.retry, "scheduled.mark_delivered", func(ctx context.Context) (models.ScheduledMessage, error) {
		return d.store.MarkDelivered(ctx, msg.ID, now)
	})
	if err != nil {
		if apperr.Is(err, apperr.KindPermission) || apperr.Is(err, apperr.KindValidation) {
			logger.Info("delivery rejected by rules", "error", err)
			deliveriesTotal.WithLabelValues("deferred").Inc()
			return
		}
		logger.Error("mark delivered", "error", err)
		deliveriesTotal.WithLabelValues("error").Inc()
		return
	}

	if err := d.notifier.Notify(ctx, delivered); err != nil {
		logger.Error("notify recipient", "error", err)
	}
	deliveriesTotal.WithLabelValues("delivered").Inc()
}

func (d *Dispatcher) claim(id string) bool {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	if _, busy := d.inflight[id]; busy {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

func (d *Dispatcher) release(id string) {
	d.inflightMu.Lock()
	delete(d.inflight, id)
	d.inflightMu.Unlock()
}
