package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/meschain/syncrelay/internal/config"
	"github.com/meschain/syncrelay/internal/metrics"
	"github.com/meschain/syncrelay/internal/models"
	"github.com/meschain/syncrelay/internal/storage"
)

// Dispatcher fans published events out to subscriptions. Attempts are
// durable before they are queued; the in-memory queue only decides who
// sends them first.
type Dispatcher struct {
	cfg      config.DeliveryConfig
	store    storage.Storage
	sender   *Sender
	worker   *Worker
	notifier Notifier
	metrics  *metrics.Metrics
	log      zerolog.Logger

	queue chan models.DeliveryAttempt

	mu     sync.Mutex
	queued map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

func NewDispatcher(cfg config.DeliveryConfig, store storage.Storage, notifier Notifier, m *metrics.Metrics, log zerolog.Logger) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if m == nil {
		m = metrics.New()
	}
	log = log.With().Str("component", "delivery").Logger()
	sender := NewSender(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:      cfg,
		store:    store,
		sender:   sender,
		worker:   NewWorker(cfg, store, sender, notifier, m, log),
		notifier: notifier,
		metrics:  m,
		log:      log,
		queue:    make(chan models.DeliveryAttempt, cfg.QueueSize),
		queued:   make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (d *Dispatcher) Start() {
	d.log.Info().Int("workers", d.cfg.Workers).Msg("starting delivery worker pool")

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Go(d.workLoop)
	}
	if d.cfg.SweepInterval > 0 {
		d.wg.Go(d.pollLoop)
	}
}

func (d *Dispatcher) Stop() {
	d.log.Info().Msg("stopping delivery worker pool")
	d.cancel()
	d.wg.Wait()
	d.log.Info().Msg("delivery worker pool stopped")
}

// enqueue hands an attempt to the workers unless it is already queued.
// A full queue is fine: the attempt stays due in storage.
func (d *Dispatcher) enqueue(a models.DeliveryAttempt) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.queued[a.ID]; ok {
		return true
	}
	select {
	case d.queue <- a:
		d.queued[a.ID] = struct{}{}
		d.metrics.DeliveryQueueDepth.Set(float64(len(d.queue)))
		return true
	default:
		return false
	}
}

func (d *Dispatcher) workLoop() {
	for {
		select {
		case <-d.ctx.Done():
			return
		case a := <-d.queue:
			d.mu.Lock()
			delete(d.queued, a.ID)
			d.metrics.DeliveryQueueDepth.Set(float64(len(d.queue)))
			d.mu.Unlock()

			d.worker.Process(d.ctx, a)
		}
	}
}

func (d *Dispatcher) pollLoop() {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.sweep(d.ctx)
		}
	}
}

// sweep recovers attempts whose worker died mid-flight and queues every
// attempt that is due.
func (d *Dispatcher) sweep(ctx context.Context) {
	now := time.Now().UTC()
	batch := d.cfg.QueueSize

	if d.cfg.StuckTimeout > 0 {
		stuck, err := d.store.ListStuckAttempts(ctx, now.Add(-d.cfg.StuckTimeout), batch)
		if err != nil {
			if ctx.Err() == nil {
				d.log.Error().Err(err).Msg("failed to fetch stuck attempts")
			}
			return
		}
		for _, a := range stuck {
			d.worker.Recover(ctx, a)
		}
	}

	due, err := d.store.ListDueAttempts(ctx, now, batch)
	if err != nil {
		if ctx.Err() == nil {
			d.log.Error().Err(err).Msg("failed to fetch due attempts")
		}
		return
	}
	for _, a := range due {
		if !d.enqueue(a) {
			break
		}
	}
}
