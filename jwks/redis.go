package jwks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/puxu-msft/caddy-jwt-auth/jwk"
)

const (
	DefaultRedisKey     = "caddy:jwt_auth:jwks"
	DefaultRedisChannel = "caddy:jwt_auth:jwks:updates"
)

// RedisOptions configures a RedisSource.
type RedisOptions struct {
	// Addresses are host:port pairs. More than one address implies
	// Cluster unless MasterName is set.
	Addresses []string
	Password  string
	DB        int

	// Cluster selects the cluster client.
	Cluster bool

	// MasterName selects a Sentinel-managed failover client.
	MasterName string

	// Key holds the JWKS document.
	Key string

	// Channel receives a message whenever the document is replaced.
	// Empty disables change notifications.
	Channel string

	DialTimeout time.Duration
	ReadTimeout time.Duration

	// TLS enables TLS when non-nil.
	TLS *TLSFiles

	Logger *zap.Logger
}

// RedisSource loads a key set stored as a JWKS document under a Redis key.
// A key rotator writes the document and publishes on the update channel.
type RedisSource struct {
	client  redis.UniversalClient
	key     string
	channel string
	timeout time.Duration
	logger  *zap.Logger
}

// NewRedisSource creates a client for opts. It does not contact the server.
func NewRedisSource(opts RedisOptions) (*RedisSource, error) {
	if len(opts.Addresses) == 0 {
		return nil, fmt.Errorf("at least one redis address is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Key == "" {
		opts.Key = DefaultRedisKey
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 3 * time.Second
	}

	client, err := createRedisClient(opts)
	if err != nil {
		return nil, err
	}

	return &RedisSource{
		client:  client,
		key:     opts.Key,
		channel: opts.Channel,
		timeout: opts.ReadTimeout,
		logger:  opts.Logger,
	}, nil
}

func createRedisClient(opts RedisOptions) (redis.UniversalClient, error) {
	uopts := &redis.UniversalOptions{
		Addrs:       opts.Addresses,
		Password:    opts.Password,
		DB:          opts.DB,
		MasterName:  opts.MasterName,
		DialTimeout: opts.DialTimeout,
		ReadTimeout: opts.ReadTimeout,
	}
	if opts.TLS != nil {
		tlsConfig, err := opts.TLS.Config()
		if err != nil {
			return nil, fmt.Errorf("redis tls: %v", err)
		}
		uopts.TLSConfig = tlsConfig
	}

	switch {
	case opts.MasterName != "":
		return redis.NewFailoverClient(uopts.Failover()), nil
	case opts.Cluster || len(opts.Addresses) > 1:
		return redis.NewClusterClient(uopts.Cluster()), nil
	default:
		return redis.NewClient(uopts.Simple()), nil
	}
}

// Kind implements Source.
func (*RedisSource) Kind() string { return "redis" }

// Key returns the Redis key holding the document.
func (r *RedisSource) Key() string { return r.key }

// Load implements Source.
func (r *RedisSource) Load(ctx context.Context) (*jwk.Store, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: redis key %q not found", ErrUnavailable, r.key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: redis get %q: %v", ErrUnavailable, r.key, err)
	}
	store, err := jwk.Parse(data, r.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: redis key %q: %v", ErrUnavailable, r.key, err)
	}
	return store, nil
}

// Watch calls onChange for every message on the update channel until ctx
// is done. Updates published while the connection was down are lost, so
// onChange is also called once after every resubscription, whether the
// client reconnected by itself or the subscription was rebuilt after an
// error. Without a channel it returns immediately.
func (r *RedisSource) Watch(ctx context.Context, onChange func()) error {
	if r.channel == "" {
		return nil
	}
	subscribed := false
	watchWithBackoff(ctx, r.logger, r.Kind(), func(ctx context.Context) error {
		return r.subscribe(ctx, onChange, &subscribed)
	})
	return nil
}

func (r *RedisSource) subscribe(ctx context.Context, onChange func(), subscribed *bool) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	// Wait for confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %v", r.channel, err)
	}

	r.logger.Debug("subscribed to jwks updates", zap.String("channel", r.channel))
	if *subscribed {
		onChange()
	}
	*subscribed = true

	ch := pubsub.ChannelWithSubscriptions()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription to %s closed", r.channel)
			}
			switch m := msg.(type) {
			case *redis.Subscription:
				if m.Kind != "subscribe" {
					continue
				}
				r.logger.Info("resubscribed to jwks updates, reloading", zap.String("channel", m.Channel))
				onChange()
			case *redis.Message:
				r.logger.Debug("jwks update notification", zap.String("channel", m.Channel))
				onChange()
			}
		}
	}
}

// Close releases the client.
func (r *RedisSource) Close() error {
	return r.client.Close()
}
