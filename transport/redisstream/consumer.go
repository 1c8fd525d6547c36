// This package reads envelopes from a redis stream consumer group and publishes processed inbox entries to another
// stream. Entries the pipeline does not acknowledge stay pending in the group and are claimed again once idle.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/meow-io/go-inbound/clock"
	"github.com/meow-io/go-inbound/config"
	"github.com/meow-io/go-inbound/envelope"
	"github.com/meow-io/go-inbound/pipeline"
	"github.com/meow-io/go-inbound/transport"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	fieldEnvelope          = "envelope"
	fieldDeliveryTimestamp = "server_delivery_ts"

	readBlock      = 5 * time.Second
	claimInterval  = 30 * time.Second
	claimMinIdle   = time.Minute
	ackedCacheSize = 4096
	maxBackoff     = 5 * time.Second
)

type Consumer struct {
	config        *config.Config
	log           *zap.SugaredLogger
	clock         clock.Clock
	client        *redis.Client
	pipeline      transport.Pipeline
	acked         *lru.Cache[string, bool]
	inflightLock  *sync.Mutex
	inflight      map[string]struct{}
	claimInterval time.Duration
	claimMinIdle  time.Duration
	cancelFunc    context.CancelFunc
	finished      sync.WaitGroup
}

func NewConsumer(c *config.Config, cl clock.Clock, client *redis.Client, p transport.Pipeline) (*Consumer, error) {
	acked, err := lru.New[string, bool](ackedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("redisstream: error creating acked cache: %w", err)
	}
	return &Consumer{
		config:        c,
		log:           c.Logger("transport/redis"),
		clock:         cl,
		client:        client,
		pipeline:      p,
		acked:         acked,
		inflightLock:  &sync.Mutex{},
		inflight:      make(map[string]struct{}),
		claimInterval: claimInterval,
		claimMinIdle:  claimMinIdle,
	}, nil
}

func (c *Consumer) Name() string {
	return "redis"
}

// Start creates the consumer group if needed and begins reading new entries.
func (c *Consumer) Start() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.client.XGroupCreateMkStream(ctx, c.config.RedisStream, c.config.RedisGroup, "0").Err(); err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redisstream: error creating group %s on %s: %w", c.config.RedisGroup, c.config.RedisStream, err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	c.cancelFunc = runCancel
	c.startReader(runCtx)
	c.startClaimer(runCtx)
	c.log.Infof("reading %s as %s/%s", c.config.RedisStream, c.config.RedisGroup, c.config.RedisConsumer)
	return nil
}

// Shutdown stops reading. Entries still waiting on the pipeline are left pending.
func (c *Consumer) Shutdown() error {
	if c.cancelFunc == nil {
		return nil
	}
	c.cancelFunc()
	c.finished.Wait()
	c.cancelFunc = nil
	return nil
}

func (c *Consumer) Check(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Consumer) startReader(ctx context.Context) {
	c.finished.Add(1)
	go func() {
		defer c.finished.Done()
		args := &redis.XReadGroupArgs{
			Group:    c.config.RedisGroup,
			Consumer: c.config.RedisConsumer,
			Streams:  []string{c.config.RedisStream, ">"},
			Count:    int64(max(1, c.config.ForegroundBatchSize)),
			Block:    readBlock,
		}
		backoff := 100 * time.Millisecond
		for {
			if ctx.Err() != nil {
				return
			}
			res, err := c.client.XReadGroup(ctx, args).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, redis.Nil) {
					continue
				}
				c.log.Warnf("error reading %s: %v", c.config.RedisStream, err)
				select {
				case <-time.After(backoff):
					backoff = min(backoff*2, maxBackoff)
				case <-ctx.Done():
					return
				}
				continue
			}
			backoff = 100 * time.Millisecond
			for _, stream := range res {
				c.handle(ctx, stream.Messages)
			}
		}
	}()
}

func (c *Consumer) startClaimer(ctx context.Context) {
	c.finished.Add(1)
	go func() {
		defer c.finished.Done()
		ticker := time.NewTicker(c.claimInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.claim(ctx); err != nil && ctx.Err() == nil {
					c.log.Warnf("error claiming idle entries: %v", err)
				}
			}
		}
	}()
}

// claim takes over entries that have sat unacknowledged for claimMinIdle and runs them again. Entries this consumer
// already acknowledged are only acknowledged again, and entries it is still waiting on are left alone.
func (c *Consumer) claim(ctx context.Context) error {
	start := "0-0"
	for {
		msgs, next, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   c.config.RedisStream,
			Group:    c.config.RedisGroup,
			Consumer: c.config.RedisConsumer,
			MinIdle:  c.claimMinIdle,
			Start:    start,
			Count:    int64(max(1, c.config.ForegroundBatchSize)),
		}).Result()
		if err != nil {
			return err
		}

		fresh := make([]redis.XMessage, 0, len(msgs))
		seen := make([]string, 0)
		for _, m := range msgs {
			switch {
			case c.acked.Contains(m.ID):
				seen = append(seen, m.ID)
			case c.isInflight(m.ID):
				c.log.Debugf("skipping claimed entry %s, still in flight", m.ID)
			default:
				fresh = append(fresh, m)
			}
		}
		if len(seen) != 0 {
			c.log.Debugf("re-acknowledging %d claimed entries", len(seen))
			if err := c.ack(ctx, seen); err != nil {
				return err
			}
		}
		if len(fresh) != 0 {
			c.log.Infof("claimed %d idle entries", len(fresh))
			c.handle(ctx, fresh)
		}

		if next == "0-0" || next == "" {
			return nil
		}
		start = next
	}
}

// handle submits msgs in stream order, then waits on each and acknowledges the ones the pipeline is done with.
func (c *Consumer) handle(ctx context.Context, msgs []redis.XMessage) {
	type submitted struct {
		id         string
		completion *pipeline.Completion
		err        error
	}
	pending := make([]*submitted, 0, len(msgs))
	c.setInflight(msgs, true)
	defer c.setInflight(msgs, false)
	for _, m := range msgs {
		raw, ts, err := c.parse(m)
		if err != nil {
			c.log.Warnf("dropping stream entry %s: %v", m.ID, err)
			pending = append(pending, &submitted{id: m.ID, err: fmt.Errorf("%w: %v", pipeline.ErrMalformedEnvelope, err)})
			continue
		}
		comp, err := c.pipeline.SubmitEncrypted(raw, ts, envelope.SourceRedisStream)
		pending = append(pending, &submitted{id: m.ID, completion: comp, err: err})
	}

	ids := make([]string, 0, len(pending))
	for _, s := range pending {
		o := transport.Await(ctx, c.log, envelope.SourceRedisStream, s.completion, s.err)
		if o.Ack {
			ids = append(ids, s.id)
		} else {
			c.log.Debugf("leaving %s pending: %v", s.id, o.Err)
		}
	}
	if len(ids) == 0 {
		return
	}
	if err := c.ack(ctx, ids); err != nil {
		c.log.Warnf("error acknowledging %d entries: %v", len(ids), err)
	}
}

func (c *Consumer) setInflight(msgs []redis.XMessage, inflight bool) {
	c.inflightLock.Lock()
	defer c.inflightLock.Unlock()
	for _, m := range msgs {
		if inflight {
			c.inflight[m.ID] = struct{}{}
		} else {
			delete(c.inflight, m.ID)
		}
	}
}

func (c *Consumer) isInflight(id string) bool {
	c.inflightLock.Lock()
	defer c.inflightLock.Unlock()
	_, ok := c.inflight[id]
	return ok
}

func (c *Consumer) ack(ctx context.Context, ids []string) error {
	for _, id := range ids {
		c.acked.Add(id, true)
	}
	return c.client.XAck(ctx, c.config.RedisStream, c.config.RedisGroup, ids...).Err()
}

// parse pulls the envelope and delivery timestamp out of an entry. A missing timestamp means now.
func (c *Consumer) parse(m redis.XMessage) ([]byte, uint64, error) {
	v, ok := m.Values[fieldEnvelope]
	if !ok {
		return nil, 0, fmt.Errorf("missing %s field", fieldEnvelope)
	}
	s, ok := v.(string)
	if !ok {
		return nil, 0, fmt.Errorf("unexpected %s type %T", fieldEnvelope, v)
	}

	ts := c.clock.CurrentTimeMs()
	if v, ok := m.Values[fieldDeliveryTimestamp]; ok {
		str, _ := v.(string)
		parsed, err := strconv.ParseUint(str, 10, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid %s %q", fieldDeliveryTimestamp, str)
		}
		ts = parsed
	}
	return []byte(s), ts, nil
}
