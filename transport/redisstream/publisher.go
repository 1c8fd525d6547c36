package redisstream

import (
	"context"
	"fmt"

	inbound "github.com/meow-io/go-inbound"
	"github.com/meow-io/go-inbound/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Publisher appends every stored inbox entry to the processed stream.
type Publisher struct {
	log    *zap.SugaredLogger
	client *redis.Client
	stream string
}

func NewPublisher(c *config.Config, client *redis.Client) *Publisher {
	return &Publisher{
		log:    c.Logger("transport/redis-publisher"),
		client: client,
		stream: c.ProcessedStream,
	}
}

func (p *Publisher) Publish(ctx context.Context, e *inbound.InboxEntry) error {
	values := map[string]interface{}{
		"id":                 e.ID.String(),
		"source":             e.Source.String(),
		"device":             e.Device,
		"kind":               e.Kind.String(),
		"timestamp":          e.Timestamp,
		"server_timestamp":   e.ServerTimestamp,
		"server_delivery_ts": e.ServerDeliveryTimestamp,
		"sealed_sender":      e.SealedSender,
		"body":               e.Body,
	}
	if e.GroupID != nil {
		values["group_id"] = e.GroupID.String()
	}
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{Stream: p.stream, Values: values}).Result()
	if err != nil {
		return fmt.Errorf("redisstream: error publishing %s: %w", e.ID, err)
	}
	p.log.Debugf("published %s as %s", e.ID, id)
	return nil
}
