package events

import (
	"context"
	"encoding/json"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/oklog/ulid"
	"github.com/redis/go-redis/v9"

	"mcplane/internal/model"
)

const topic = "execution.events"

// Bus fans execution lifecycle events out to in-process subscribers
// (WebSocket streams) and optionally mirrors them to a redis stream for
// external consumers.
type Bus struct {
	pubSub       *gochannel.GoChannel
	logger       *log.Logger
	mirror       message.Publisher
	mirrorStream string

	mu      sync.Mutex
	entropy *rand.Rand
	closed  bool
}

func NewBus(bufferSize int, logger *log.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 128
	}
	if logger == nil {
		logger = log.New(log.Writer(), "", 0)
	}
	return &Bus{
		pubSub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: int64(bufferSize),
		}, watermill.NopLogger{}),
		logger:  logger,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// MirrorToRedis additionally publishes every event onto a redis stream.
func (b *Bus) MirrorToRedis(client redis.UniversalClient, stream string) error {
	publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client:     client,
		Marshaller: redisstream.DefaultMarshallerUnmarshaller{},
	}, watermill.NopLogger{})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.mirror = publisher
	b.mirrorStream = strings.TrimSpace(stream)
	b.mu.Unlock()
	return nil
}

func (b *Bus) nextEventID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), b.entropy).String()
}

func (b *Bus) Publish(event model.ExecutionEvent) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	mirror := b.mirror
	mirrorStream := b.mirrorStream
	b.mu.Unlock()

	if strings.TrimSpace(event.EventID) == "" {
		event.EventID = b.nextEventID()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Printf("events: drop unencodable event type=%s session=%s: %v", event.Type, event.SessionKey, err)
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pubSub.Publish(topic, msg); err != nil {
		b.logger.Printf("events: publish failed: %v", err)
	}
	if mirror != nil && mirrorStream != "" {
		if err := mirror.Publish(mirrorStream, message.NewMessage(watermill.NewUUID(), payload)); err != nil {
			b.logger.Printf("events: redis mirror publish failed: %v", err)
		}
	}
}

// Subscribe returns a channel of events, optionally filtered to one session
// key (empty key receives everything), and a cancel function. The channel is
// closed after cancel.
func (b *Bus) Subscribe(sessionKey string) (<-chan model.ExecutionEvent, func()) {
	sessionKey = strings.TrimSpace(sessionKey)
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan model.ExecutionEvent, 16)

	msgs, err := b.pubSub.Subscribe(ctx, topic)
	if err != nil {
		cancel()
		close(out)
		return out, func() {}
	}

	go func() {
		defer close(out)
		for msg := range msgs {
			var event model.ExecutionEvent
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				msg.Ack()
				continue
			}
			msg.Ack()
			if sessionKey != "" && event.SessionKey != sessionKey {
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, cancel
}

func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	mirror := b.mirror
	b.mu.Unlock()

	if mirror != nil {
		_ = mirror.Close()
	}
	_ = b.pubSub.Close()
}
