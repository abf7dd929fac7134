package appointment

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"atsflow/internal/ports"
)

const (
	keyPrefix  = "appointment:"
	DefaultTTL = 5 * time.Minute
)

// Cached fronts a lookup with redis. Only settled answers (confirmed or
// cancelled) are cached; pending and unknown bookings are asked again on
// every check-in. Redis failures fall through to the upstream lookup.
type Cached struct {
	upstream ports.AppointmentLookup
	client   redis.UniversalClient
	ttl      time.Duration
	logger   *slog.Logger
}

func NewCached(upstream ports.AppointmentLookup, client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *Cached {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{upstream: upstream, client: client, ttl: ttl, logger: logger}
}

func (c *Cached) Status(ctx context.Context, vehicleRef, centerRef string) (ports.AppointmentStatus, error) {
	k := keyPrefix + key(vehicleRef, centerRef)

	cached, err := c.client.Get(ctx, k).Result()
	switch {
	case err == nil:
		return ports.AppointmentStatus(cached), nil
	case !errors.Is(err, redis.Nil):
		c.logger.WarnContext(ctx, "appointment cache read failed",
			"vehicle_ref", vehicleRef,
			"center_ref", centerRef,
			"error", err,
		)
	}

	status, err := c.upstream.Status(ctx, vehicleRef, centerRef)
	if err != nil {
		return "", err
	}
	if status == ports.AppointmentConfirmed || status == ports.AppointmentCancelled {
		if err := c.client.Set(ctx, k, string(status), c.ttl).Err(); err != nil {
			c.logger.WarnContext(ctx, "appointment cache write failed", "error", err)
		}
	}
	return status, nil
}
