package metrics

import (
	"context"
	"time"

	"github.com/cuemby/provisioner/pkg/query"
	"github.com/cuemby/provisioner/pkg/types"
)

const defaultCollectInterval = 15 * time.Second

// Counter is the slice of the record store the collector needs
type Counter interface {
	Count(ctx context.Context, text string) (int64, error)
}

// Collector periodically samples setup data sizes from the record store
type Collector struct {
	store    Counter
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store Counter, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = defaultCollectInterval
	}
	return &Collector{
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect(context.Background())

		for {
			select {
			case <-ticker.C:
				c.Collect(context.Background())
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect samples every gauge once
func (c *Collector) Collect(ctx context.Context) {
	if n, err := c.store.Count(ctx, query.Select().From(types.ObjectTemplateGroup).String()); err == nil {
		TemplateGroupsTotal.Set(float64(n))
	}

	for _, status := range []types.Status{types.StatusActive, types.StatusInactive} {
		q := query.Select().From(types.ObjectTemplate).WhereEq(types.FieldStatus, string(status))
		if n, err := c.store.Count(ctx, q.String()); err == nil {
			TemplatesTotal.WithLabelValues(string(status)).Set(float64(n))
		}

		q = query.Select().From(types.ObjectAssignment).WhereEq(types.FieldStatus, string(status))
		if n, err := c.store.Count(ctx, q.String()); err == nil {
			AssignmentsTotal.WithLabelValues(string(status)).Set(float64(n))
		}
	}
}
