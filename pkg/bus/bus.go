// Package bus consumes platform events over Redis pub/sub. The only event
// acted on today is tenant deletion, which cascades into device removal.
package bus

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"

	"github.com/provd-server/provd/pkg/provd"
	"github.com/provd-server/provd/pkg/util"
)

// EventTenantDeleted is the event name announcing a removed tenant.
const EventTenantDeleted = "auth_tenant_deleted"

// envelope is the wire shape of a bus event.
type envelope struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

type tenantDeletedData struct {
	UUID string `json:"uuid"`
}

// Consumer subscribes to the event channel and drives the app.
type Consumer struct {
	client  *redis.Client
	channel string
	app     *provd.App
}

// NewConsumer builds a consumer over an established Redis client.
func NewConsumer(client *redis.Client, channel string, app *provd.App) *Consumer {
	return &Consumer{client: client, channel: channel, app: app}
}

// Run consumes events until ctx is cancelled. The underlying subscription
// reconnects on its own; connection state is reflected into the app for
// status reporting.
func (c *Consumer) Run(ctx context.Context) error {
	sub := c.client.Subscribe(ctx, c.channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed before reporting up.
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	c.app.SetBusConnected(true)
	defer c.app.SetBusConnected(false)
	util.Logger.Infof("Bus consumer subscribed to %s", c.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			c.handle(ctx, msg.Payload)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		util.Logger.Warnf("Dropping malformed bus event: %v", err)
		return
	}
	if env.Name != EventTenantDeleted {
		return
	}
	var data tenantDeletedData
	if err := json.Unmarshal(env.Data, &data); err != nil || data.UUID == "" {
		util.Logger.Warnf("Dropping %s event with bad payload: %v", env.Name, err)
		return
	}
	util.Logger.Infof("Tenant %s deleted; removing its devices", data.UUID)
	if err := c.app.RemoveTenant(ctx, data.UUID); err != nil {
		util.Logger.Errorf("Failed to remove tenant %s: %v", data.UUID, err)
	}
}
