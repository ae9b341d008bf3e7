package caddyjwtauth

import (
	"fmt"
	"time"

	"github.com/caddyserver/caddy/v2"
	"go.uber.org/zap"

	"github.com/puxu-msft/caddy-jwt-auth/jwks"
)

// RedisConfig reads the key set from a Redis key that a key rotator keeps
// current, reloading on messages published to Channel.
type RedisConfig struct {
	// Addresses are host:port pairs. Several addresses select a cluster
	// client unless MasterName is set.
	Addresses []string `json:"addresses,omitempty"`

	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`

	// Cluster forces the cluster client for a single seed address.
	Cluster bool `json:"cluster,omitempty"`

	// MasterName selects a Sentinel failover client.
	MasterName string `json:"master_name,omitempty"`

	// Key holds the JWKS document (default: caddy:jwt_auth:jwks).
	Key string `json:"key,omitempty"`

	// Channel announces key set updates (default:
	// caddy:jwt_auth:jwks:updates). "off" disables the subscription.
	Channel string `json:"channel,omitempty"`

	DialTimeout caddy.Duration `json:"dial_timeout,omitempty"`
	ReadTimeout caddy.Duration `json:"read_timeout,omitempty"`

	TLSEnabled    bool   `json:"tls_enabled,omitempty"`
	TLSCertFile   string `json:"tls_cert_file,omitempty"`
	TLSKeyFile    string `json:"tls_key_file,omitempty"`
	TLSCAFile     string `json:"tls_ca_file,omitempty"`
	TLSSkipVerify bool   `json:"tls_skip_verify,omitempty"`
}

// EtcdConfig reads the key set from an etcd key and reloads it on writes.
type EtcdConfig struct {
	Endpoints []string `json:"endpoints,omitempty"`
	Username  string   `json:"username,omitempty"`
	Password  string   `json:"password,omitempty"`

	// Key holds the JWKS document (default: /caddy/jwt_auth/jwks).
	Key string `json:"key,omitempty"`

	DialTimeout    caddy.Duration `json:"dial_timeout,omitempty"`
	RequestTimeout caddy.Duration `json:"request_timeout,omitempty"`

	TLSEnabled    bool   `json:"tls_enabled,omitempty"`
	TLSCertFile   string `json:"tls_cert_file,omitempty"`
	TLSKeyFile    string `json:"tls_key_file,omitempty"`
	TLSCAFile     string `json:"tls_ca_file,omitempty"`
	TLSSkipVerify bool   `json:"tls_skip_verify,omitempty"`
}

// sourceCount reports how many key set sources are configured.
func (j *JwtAuth) sourceCount() int {
	n := 0
	if j.JWKSURL != "" {
		n++
	}
	if j.JWKSFile != "" {
		n++
	}
	if j.JWKSRedis != nil {
		n++
	}
	if j.JWKSEtcd != nil {
		n++
	}
	return n
}

// sourceInfo describes where a handler's keys come from.
type sourceInfo struct {
	url  string
	file string
	key  string
}

// buildSource creates the configured key set source, expanding
// placeholders in locations and credentials.
func (j *JwtAuth) buildSource(repl *caddy.Replacer) (jwks.Source, sourceInfo, error) {
	jwksURL := repl.ReplaceAll(j.JWKSURL, "")
	jwksFile := repl.ReplaceAll(j.JWKSFile, "")

	if j.sourceCount() != 1 || (j.JWKSURL != "" && jwksURL == "") || (j.JWKSFile != "" && jwksFile == "") {
		return nil, sourceInfo{}, fmt.Errorf("exactly one of jwks_url, jwks_file, jwks_redis and jwks_etcd is required")
	}

	switch {
	case jwksURL != "":
		src, err := jwks.NewHTTPSource(jwksURL, jwks.HTTPOptions{
			Timeout:       time.Duration(j.JWKSTimeout),
			AllowInsecure: j.AllowInsecureJWKS,
			Logger:        j.logger,
		})
		if err != nil {
			return nil, sourceInfo{}, fmt.Errorf("invalid jwks_url: %v", err)
		}
		j.httpSource = src
		return src, sourceInfo{url: jwksURL}, nil

	case jwksFile != "":
		src, err := jwks.NewFileSource(jwksFile, j.logger)
		if err != nil {
			return nil, sourceInfo{}, fmt.Errorf("invalid jwks_file: %v", err)
		}
		return src, sourceInfo{file: jwksFile}, nil

	case j.JWKSRedis != nil:
		c := j.JWKSRedis
		channel := c.Channel
		switch channel {
		case "":
			channel = jwks.DefaultRedisChannel
		case "off":
			channel = ""
		}
		addrs := make([]string, len(c.Addresses))
		for i, a := range c.Addresses {
			addrs[i] = repl.ReplaceAll(a, "")
		}
		src, err := jwks.NewRedisSource(jwks.RedisOptions{
			Addresses:   addrs,
			Password:    repl.ReplaceAll(c.Password, ""),
			DB:          c.DB,
			Cluster:     c.Cluster,
			MasterName:  c.MasterName,
			Key:         c.Key,
			Channel:     channel,
			DialTimeout: time.Duration(c.DialTimeout),
			ReadTimeout: time.Duration(c.ReadTimeout),
			TLS:         tlsFiles(c.TLSEnabled, c.TLSCertFile, c.TLSKeyFile, c.TLSCAFile, c.TLSSkipVerify),
			Logger:      j.logger,
		})
		if err != nil {
			return nil, sourceInfo{}, fmt.Errorf("invalid jwks_redis: %v", err)
		}
		j.logger.Debug("jwks redis source configured",
			zap.Strings("addresses", addrs),
			zap.String("key", src.Key()),
			zap.String("channel", channel),
		)
		return src, sourceInfo{key: src.Key()}, nil

	default:
		c := j.JWKSEtcd
		endpoints := make([]string, len(c.Endpoints))
		for i, e := range c.Endpoints {
			endpoints[i] = repl.ReplaceAll(e, "")
		}
		src, err := jwks.NewEtcdSource(jwks.EtcdOptions{
			Endpoints:      endpoints,
			Username:       repl.ReplaceAll(c.Username, ""),
			Password:       repl.ReplaceAll(c.Password, ""),
			Key:            c.Key,
			DialTimeout:    time.Duration(c.DialTimeout),
			RequestTimeout: time.Duration(c.RequestTimeout),
			TLS:            tlsFiles(c.TLSEnabled, c.TLSCertFile, c.TLSKeyFile, c.TLSCAFile, c.TLSSkipVerify),
			Logger:         j.logger,
		})
		if err != nil {
			return nil, sourceInfo{}, fmt.Errorf("invalid jwks_etcd: %v", err)
		}
		return src, sourceInfo{key: src.Key()}, nil
	}
}

func tlsFiles(enabled bool, cert, key, ca string, skipVerify bool) *jwks.TLSFiles {
	if !enabled && cert == "" && ca == "" && !skipVerify {
		return nil
	}
	return &jwks.TLSFiles{
		CertFile:   cert,
		KeyFile:    key,
		CAFile:     ca,
		SkipVerify: skipVerify,
	}
}
