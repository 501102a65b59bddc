// Package notify bridges external "new mail" notifications into the store
// switchboard.
//
// The delivery agent that writes incoming messages publishes the new message
// id on the redis topic "mailbox:<account>". The bridge subscribes to all
// such topics and re-broadcasts each event as a store.ChangeAddMessage, so
// connections in IDLE observe deliveries made outside this process.
package notify

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis"

	"github.com/crowmail/crow/mlog"
	"github.com/crowmail/crow/store"
)

const topicPrefix = "mailbox:"

// Topic returns the redis channel name for an account.
func Topic(account string) string {
	return topicPrefix + account
}

// Bridge is a running subscription to the delivery notification topics.
type Bridge struct {
	log    mlog.Log
	client *redis.Client
	stop   chan struct{}
	done   chan struct{}
}

// Start connects to redis and starts the bridge goroutine. Connection errors
// are retried with backoff inside the goroutine, so a redis restart does not
// take notifications down permanently.
func Start(log mlog.Log, addr, password string, db int) *Bridge {
	b := &Bridge{
		log: log,
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go b.run()
	return b
}

// Close stops the bridge and closes the redis connection.
func (b *Bridge) Close() {
	close(b.stop)
	<-b.done
	err := b.client.Close()
	b.log.Check(err, "closing redis client")
}

func (b *Bridge) run() {
	defer close(b.done)

	for {
		pubsub := b.client.PSubscribe(topicPrefix + "*")
		ch := pubsub.Channel()

	receive:
		for {
			select {
			case <-b.stop:
				err := pubsub.Close()
				b.log.Check(err, "closing redis subscription")
				return
			case msg, ok := <-ch:
				if !ok {
					break receive
				}
				b.handle(msg.Channel, msg.Payload)
			}
		}

		err := pubsub.Close()
		b.log.Check(err, "closing redis subscription after error")

		// Channel closed, the connection was lost. Back off and resubscribe.
		select {
		case <-b.stop:
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// handle looks up the delivered message and broadcasts it to sessions on the
// account. Events for unknown accounts or already-removed messages are
// dropped with a log line.
func (b *Bridge) handle(channel, payload string) {
	account := strings.TrimPrefix(channel, topicPrefix)
	id, err := strconv.ParseInt(payload, 10, 64)
	if err != nil {
		b.log.Errorx("invalid notification payload", err, slog.String("channel", channel), slog.String("payload", payload))
		return
	}

	acc, err := store.OpenAccount(b.log, account)
	if err != nil {
		b.log.Infox("notification for unopenable account", err, slog.String("account", account))
		return
	}
	defer func() {
		err := acc.Close()
		b.log.Check(err, "closing account after notification")
	}()

	m, err := acc.MessageGet(context.Background(), id)
	if err != nil {
		b.log.Infox("notification for unknown message", err, slog.String("account", account), slog.Int64("id", id))
		return
	}

	acc.WithRLock(func() {
		store.BroadcastChanges(acc, []store.Change{store.ChangeAddMessage{Message: m}})
	})
}
