// inboundd runs the envelope pipeline behind the HTTP and redis stream transports.
//
// The store key is derived from INBOUND_PASSWORD. On first start a new store is created along with an identity for
// INBOUND_ADDRESS (a random address when unset) and its public key is logged.
package main

import (
	"context"
	"encoding/hex"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	inbound "github.com/meow-io/go-inbound"
	"github.com/meow-io/go-inbound/clock"
	"github.com/meow-io/go-inbound/config"
	"github.com/meow-io/go-inbound/ids"
	"github.com/meow-io/go-inbound/transport"
	"github.com/meow-io/go-inbound/transport/httpingest"
	"github.com/meow-io/go-inbound/transport/redisstream"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := config.NewConfig(config.WithLoggingPrefix("inboundd"), config.FromEnv())
	log := c.Logger("main")

	password := os.Getenv("INBOUND_PASSWORD")
	if password == "" {
		log.Fatal("INBOUND_PASSWORD must be set")
	}

	i, err := inbound.NewInbound(c)
	if err != nil {
		log.Fatalf("failed to create inbound: %v", err)
	}
	go watchUpdates(log, i)

	key, err := i.NewKey(password)
	if err != nil {
		log.Fatalf("failed to derive key: %v", err)
	}
	if i.New() {
		if err := initialize(log, i, key); err != nil {
			log.Fatalf("failed to initialize: %v", err)
		}
	} else if err := i.Open(key); err != nil {
		log.Fatalf("failed to open: %v", err)
	}

	cl := clock.NewSystemClock()
	m := transport.NewManager(c, cl)
	m.Add(httpingest.NewServer(c, cl, i, func() interface{} { return i.Status() }))

	var rdb *redis.Client
	if c.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: c.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to redis at %s: %v", c.RedisAddr, err)
		}
		consumer, err := redisstream.NewConsumer(c, cl, rdb, i)
		if err != nil {
			log.Fatalf("failed to create redis consumer: %v", err)
		}
		m.Add(consumer)
		i.AddPublisher(redisstream.NewPublisher(c, rdb))
	}

	if err := m.Start(); err != nil {
		log.Fatalf("failed to start transports: %v", err)
	}
	go func() {
		for u := range m.Updates() {
			if s, ok := u.(*transport.StateUpdate); ok {
				log.Infof("transport %s is %s", s.Name, s.State)
			}
		}
	}()

	<-ctx.Done()
	log.Infof("shutting down")
	if err := m.Shutdown(); err != nil {
		log.Warnf("error shutting down transports: %v", err)
	}
	if err := i.Shutdown(); err != nil {
		log.Warnf("error shutting down inbound: %v", err)
	}
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			log.Warnf("error closing redis: %v", err)
		}
	}
}

func initialize(log *zap.SugaredLogger, i *inbound.Inbound, key []byte) error {
	if err := i.Initialize(key); err != nil {
		return err
	}
	address := ids.NewID()
	if s := os.Getenv("INBOUND_ADDRESS"); s != "" {
		var err error
		if address, err = ids.ParseHex(s); err != nil {
			return err
		}
	}
	device := uint64(1)
	if s := os.Getenv("INBOUND_DEVICE"); s != "" {
		var err error
		if device, err = strconv.ParseUint(s, 10, 32); err != nil {
			return err
		}
	}
	pub, err := i.CreateIdentity(address, uint32(device))
	if err != nil {
		return err
	}
	log.Infof("created identity %s.%d with public key %s", address, device, hex.EncodeToString(pub))
	return i.SetRegistered(true)
}

// watchUpdates keeps the updates channel drained. It follows the channel across restarts of the pipeline.
func watchUpdates(log *zap.SugaredLogger, i *inbound.Inbound) {
	for {
		for u := range i.Updates() {
			switch u := u.(type) {
			case *inbound.AppState:
				log.Infof("state is now %d", u.State)
			case *inbound.InboxUpdate:
				log.Debugf("stored %s envelope %s from %s", u.Entry.Kind, u.Entry.ID, u.Entry.Source)
			}
		}
	}
}
