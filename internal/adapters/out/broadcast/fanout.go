package broadcast

import (
	"context"
	"errors"

	"github.com/EthanQC/presence/internal/ports/out"
)

// Fanout 同时发布到多个 EventBus，任一失败不影响其他
type Fanout struct {
	buses []out.EventBus
}

func NewFanout(buses ...out.EventBus) *Fanout {
	filtered := make([]out.EventBus, 0, len(buses))
	for _, b := range buses {
		if b != nil {
			filtered = append(filtered, b)
		}
	}
	return &Fanout{buses: filtered}
}

func (f *Fanout) Publish(ctx context.Context, topic string, payload any) error {
	var errs []error
	for _, b := range f.buses {
		if err := b.Publish(ctx, topic, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
