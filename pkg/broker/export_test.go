package broker

import (
	"context"

	// Packages
	schema "github.com/goauthentik/authentik-sub008/pkg/broker/schema"
)

// Test hooks into the consumer's claim machinery.

func (consumer *Consumer) Claim(ctx context.Context, p schema.PendingTask) (*Delivery, error) {
	return consumer.claimTask(ctx, p)
}

func (consumer *Consumer) Rescan(ctx context.Context) error {
	return consumer.rescan(ctx)
}

func (consumer *Consumer) Pending() int {
	return consumer.pendingCount()
}
