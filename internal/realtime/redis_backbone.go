package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const connectBackoffStep = 100 * time.Millisecond

// RedisConfig holds the backbone connection settings
type RedisConfig struct {
	URL        string
	Channel    string
	MaxRetries int
	MaxBackoff time.Duration
}

// RedisBackbone fans messages out over Redis pub/sub. Publishing and
// subscribing use separate connections because a subscribed Redis
// connection cannot issue other commands.
type RedisBackbone struct {
	pub      *redis.Client
	sub      *redis.Client
	pubState *stateTracker
	subState *stateTracker
	pubsub   *redis.PubSub
	channel  string
	config   RedisConfig
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewRedisBackbone connects the publish and subscribe clients. Each gets
// MaxRetries attempts with a capped linear backoff; running out is an error
// the caller should treat as fatal.
func NewRedisBackbone(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisBackbone, error) {
	if cfg.Channel == "" {
		return nil, fmt.Errorf("redis channel is required")
	}

	b := &RedisBackbone{
		pubState: newStateTracker("publisher", logger),
		subState: newStateTracker("subscriber", logger),
		channel:  cfg.Channel,
		config:   cfg,
		logger:   logger,
	}

	var err error
	if b.pub, err = newRedisClient(cfg, b.pubState); err != nil {
		return nil, err
	}
	if b.sub, err = newRedisClient(cfg, b.subState); err != nil {
		b.pub.Close()
		return nil, err
	}

	if err := b.connect(ctx, b.pub, b.pubState); err != nil {
		b.pub.Close()
		b.sub.Close()
		return nil, err
	}
	if err := b.connect(ctx, b.sub, b.subState); err != nil {
		b.pub.Close()
		b.sub.Close()
		return nil, err
	}

	logger.Info("Redis backbone connected",
		slog.String("channel", cfg.Channel),
	)

	return b, nil
}

func newRedisClient(cfg RedisConfig, tracker *stateTracker) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	opts.MaxRetries = cfg.MaxRetries
	if cfg.MaxBackoff > 0 {
		opts.MaxRetryBackoff = cfg.MaxBackoff
	}

	client := redis.NewClient(opts)
	client.AddHook(&stateHook{tracker: tracker})
	return client, nil
}

func (b *RedisBackbone) connect(ctx context.Context, client *redis.Client, tracker *stateTracker) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = client.Ping(ctx).Err(); err == nil {
			tracker.set(StateReady)
			return nil
		}

		if attempt > b.config.MaxRetries {
			tracker.set(StateErrored)
			return fmt.Errorf("failed to connect redis %s after %d attempts: %w", tracker.name, attempt, err)
		}

		delay := time.Duration(attempt) * connectBackoffStep
		if b.config.MaxBackoff > 0 && delay > b.config.MaxBackoff {
			delay = b.config.MaxBackoff
		}

		tracker.set(StateReconnecting)
		b.logger.Warn("Redis connection failed, retrying",
			slog.String("connection", tracker.name),
			slog.Int("attempt", attempt),
			slog.Duration("retry_after", delay),
			slog.Any("error", err),
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			tracker.set(StateErrored)
			return fmt.Errorf("redis %s connect canceled: %w", tracker.name, ctx.Err())
		}
	}
}

// Publish sends msg on the backbone channel
func (b *RedisBackbone) Publish(ctx context.Context, msg []byte) error {
	if err := b.pub.Publish(ctx, b.channel, msg).Err(); err != nil {
		return fmt.Errorf("failed to publish to redis channel %s: %w", b.channel, err)
	}
	return nil
}

// Subscribe confirms the subscription and starts delivering messages to handler
func (b *RedisBackbone) Subscribe(ctx context.Context, handler func(msg []byte)) error {
	pubsub := b.sub.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to redis channel %s: %w", b.channel, err)
	}
	b.pubsub = pubsub

	messages := pubsub.Channel()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range messages {
			handler([]byte(msg.Payload))
		}
	}()

	b.logger.Info("Subscribed to redis channel",
		slog.String("channel", b.channel),
	)

	return nil
}

// States reports the publisher and subscriber connection states
func (b *RedisBackbone) States() map[string]State {
	return map[string]State{
		b.pubState.name: b.pubState.get(),
		b.subState.name: b.subState.get(),
	}
}

// Close ends the subscription, waits for the delivery loop and closes both clients
func (b *RedisBackbone) Close() error {
	var errs []error

	if b.pubsub != nil {
		if err := b.pubsub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close subscription: %w", err))
		}
	}
	b.wg.Wait()

	if err := b.sub.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close redis subscriber: %w", err))
	}
	if err := b.pub.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close redis publisher: %w", err))
	}

	b.logger.Info("Redis backbone closed")
	return errors.Join(errs...)
}

// stateTracker holds the last observed state of one connection
type stateTracker struct {
	name   string
	state  atomic.Value
	logger *slog.Logger
}

func newStateTracker(name string, logger *slog.Logger) *stateTracker {
	t := &stateTracker{name: name, logger: logger}
	t.state.Store(StateConnecting)
	return t
}

func (t *stateTracker) get() State {
	return t.state.Load().(State)
}

func (t *stateTracker) set(s State) {
	prev := t.state.Swap(s).(State)
	if prev == s {
		return
	}

	level := slog.LevelInfo
	if s == StateErrored {
		level = slog.LevelError
	}
	t.logger.Log(context.Background(), level, "Redis connection state changed",
		slog.String("connection", t.name),
		slog.String("from", string(prev)),
		slog.String("to", string(s)),
	)
}

// stateHook follows dials and command failures on a redis client
type stateHook struct {
	tracker *stateTracker
}

func (h *stateHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if h.tracker.get() == StateErrored {
			h.tracker.set(StateReconnecting)
		}

		conn, err := next(ctx, network, addr)
		if err != nil {
			h.tracker.set(StateErrored)
			return nil, err
		}

		h.tracker.set(StateReady)
		return conn, nil
	}
}

func (h *stateHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		h.observe(err)
		return err
	}
}

func (h *stateHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		h.observe(err)
		return err
	}
}

// observe marks the connection errored on transport failures. Redis reply
// errors and nil replies mean the server answered.
func (h *stateHook) observe(err error) {
	if err == nil || errors.Is(err, redis.Nil) {
		return
	}
	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		return
	}
	h.tracker.set(StateErrored)
}
