/*
invalidation.go - Eager eviction on address and rate changes

PURPOSE:
  Drops cache entries whose fingerprint was derived from a location or
  rate that just changed. This bounds cache growth; it is NOT what keeps
  results correct. A changed input already produces a new fingerprint.

FAILURE MODE:
  The reverse index lives in process memory. After a restart it is empty
  and stale entries simply age out via TTL. Eviction errors are reported
  but never block the change that triggered them.

EVENTS:
  Run() consumes change notifications from the events package, so the
  coordinator can be fed by an in-process bus or a RabbitMQ consumer.
*/
package travel

import (
	"context"
	"log/slog"

	"github.com/warp/travel-allowance/events"
)

// RateChange identifies what had its rate edited. Either field may be set.
// A project change covers every subproject falling back to its default.
type RateChange struct {
	SubprojectID string
	ProjectID    string
}

// Coordinator turns change notifications into cache evictions.
type Coordinator struct {
	Cache  *Cache
	Logger *slog.Logger
}

// NewCoordinator creates a coordinator over cache.
func NewCoordinator(cache *Cache, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{Cache: cache, Logger: logger}
}

// OnAddressChanged evicts every entry computed from the employee's location.
func (c *Coordinator) OnAddressChanged(ctx context.Context, employeeID string) (int, error) {
	n, err := c.Cache.invalidate(ctx, byEmployee, employeeID)
	c.log("address changed", "employee_id", employeeID, n, err)
	return n, err
}

// OnRateChanged evicts entries computed with the subproject's or the
// project's rate.
func (c *Coordinator) OnRateChanged(ctx context.Context, change RateChange) (int, error) {
	var total int
	if change.SubprojectID != "" {
		n, err := c.Cache.invalidate(ctx, bySubproject, change.SubprojectID)
		c.log("rate changed", "subproject_id", change.SubprojectID, n, err)
		if err != nil {
			return total, err
		}
		total += n
	}
	if change.ProjectID != "" {
		n, err := c.Cache.invalidate(ctx, byProject, change.ProjectID)
		c.log("rate changed", "project_id", change.ProjectID, n, err)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// OnSiteChanged evicts entries computed from a subproject's old location.
func (c *Coordinator) OnSiteChanged(ctx context.Context, subprojectID string) (int, error) {
	n, err := c.Cache.invalidate(ctx, bySubproject, subprojectID)
	c.log("site changed", "subproject_id", subprojectID, n, err)
	return n, err
}

// Handle dispatches one change notification.
func (c *Coordinator) Handle(ctx context.Context, ev events.Change) (int, error) {
	switch ev.Kind {
	case events.KindAddressChanged:
		return c.OnAddressChanged(ctx, ev.EmployeeID)
	case events.KindRateChanged:
		return c.OnRateChanged(ctx, RateChange{SubprojectID: ev.SubprojectID, ProjectID: ev.ProjectID})
	case events.KindSiteChanged:
		return c.OnSiteChanged(ctx, ev.SubprojectID)
	default:
		c.Logger.Warn("ignoring unknown change event", "kind", ev.Kind, "event_id", ev.ID)
		return 0, nil
	}
}

// Run consumes changes until ctx is done or the channel is closed.
func (c *Coordinator) Run(ctx context.Context, changes <-chan events.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-changes:
			if !ok {
				return
			}
			// Errors are logged by Handle; entries fall back to TTL expiry.
			_, _ = c.Handle(ctx, ev)
		}
	}
}

func (c *Coordinator) log(msg, idKey, id string, evicted int, err error) {
	if err != nil {
		c.Logger.Warn(msg+": eviction failed, entries will expire via TTL", idKey, id, "error", err)
		return
	}
	c.Logger.Debug(msg, idKey, id, "evicted", evicted)
}
