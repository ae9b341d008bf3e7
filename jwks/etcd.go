package jwks

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/puxu-msft/caddy-jwt-auth/jwk"
)

const DefaultEtcdKey = "/caddy/jwt_auth/jwks"

// EtcdOptions configures an EtcdSource.
type EtcdOptions struct {
	Endpoints []string
	Username  string
	Password  string

	// Key holds the JWKS document.
	Key string

	DialTimeout    time.Duration
	RequestTimeout time.Duration

	// TLS enables TLS when non-nil.
	TLS *TLSFiles

	Logger *zap.Logger
}

// EtcdSource loads a key set stored as a JWKS document under an etcd key
// and reloads it whenever the key is written.
type EtcdSource struct {
	client  *clientv3.Client
	key     string
	timeout time.Duration
	logger  *zap.Logger
}

// NewEtcdSource creates a client for opts. clientv3 connects lazily, so an
// unreachable cluster surfaces on the first Load.
func NewEtcdSource(opts EtcdOptions) (*EtcdSource, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	config := clientv3.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: opts.DialTimeout,
		Username:    opts.Username,
		Password:    opts.Password,
		Logger:      opts.Logger.Named("etcd"),
	}
	if opts.TLS != nil {
		tlsConfig, err := opts.TLS.Config()
		if err != nil {
			return nil, fmt.Errorf("building TLS config: %v", err)
		}
		config.TLS = tlsConfig
	}

	client, err := clientv3.New(config)
	if err != nil {
		return nil, fmt.Errorf("creating etcd client: %v", err)
	}

	return &EtcdSource{
		client:  client,
		key:     opts.Key,
		timeout: opts.RequestTimeout,
		logger:  opts.Logger,
	}, nil
}

func (o *EtcdOptions) normalize() error {
	if len(o.Endpoints) == 0 {
		return fmt.Errorf("at least one etcd endpoint is required")
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Key == "" {
		o.Key = DefaultEtcdKey
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 2 * time.Second
	}
	return nil
}

// Kind implements Source.
func (*EtcdSource) Kind() string { return "etcd" }

// Key returns the etcd key holding the document.
func (e *EtcdSource) Key() string { return e.key }

// Load implements Source.
func (e *EtcdSource) Load(ctx context.Context) (*jwk.Store, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.client.Get(ctx, e.key)
	if err != nil {
		return nil, fmt.Errorf("%w: etcd get %q: %v", ErrUnavailable, e.key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("%w: etcd key %q not found", ErrUnavailable, e.key)
	}
	store, err := jwk.Parse(resp.Kvs[0].Value, e.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: etcd key %q: %v", ErrUnavailable, e.key, err)
	}
	return store, nil
}

// Watch calls onChange whenever the key is written, until ctx is done.
// Deletions are ignored so the last good key set stays in use.
func (e *EtcdSource) Watch(ctx context.Context, onChange func()) error {
	watchWithBackoff(ctx, e.logger, e.Kind(), func(ctx context.Context) error {
		return e.watch(ctx, onChange)
	})
	return nil
}

func (e *EtcdSource) watch(ctx context.Context, onChange func()) error {
	rch := e.client.Watch(clientv3.WithRequireLeader(ctx), e.key)

	e.logger.Debug("etcd watch started", zap.String("key", e.key))

	for {
		select {
		case <-ctx.Done():
			return nil
		case wresp, ok := <-rch:
			if !ok {
				return fmt.Errorf("watch channel closed")
			}
			if err := wresp.Err(); err != nil {
				return err
			}

			changed := false
			for _, ev := range wresp.Events {
				switch ev.Type {
				case clientv3.EventTypePut:
					changed = true
				case clientv3.EventTypeDelete:
					e.logger.Warn("jwks key deleted from etcd, keeping last key set", zap.String("key", e.key))
				}
			}
			if changed {
				onChange()
			}
		}
	}
}

// Close releases the client.
func (e *EtcdSource) Close() error {
	return e.client.Close()
}
