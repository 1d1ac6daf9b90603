package out

import "context"

// EventBus 广播接口，发出即忘，不保证投递
type EventBus interface {
	Publish(ctx context.Context, topic string, payload any) error
}
