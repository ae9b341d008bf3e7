package caddyjwtauth

import (
	"strconv"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"

	"github.com/puxu-msft/caddy-jwt-auth/claims"
)

func init() {
	httpcaddyfile.RegisterHandlerDirective("jwt_auth", parseJwtAuthDirective)
	httpcaddyfile.RegisterHandlerDirective("token_auth", parseTokenAuthDirective)
	// Gate before anything that could serve or proxy the request.
	httpcaddyfile.RegisterDirectiveOrder("jwt_auth", httpcaddyfile.After, "basic_auth")
	httpcaddyfile.RegisterDirectiveOrder("token_auth", httpcaddyfile.After, "basic_auth")
}

// UnmarshalCaddyfile implements caddyfile.Unmarshaler.
//
// Syntax:
//
//	jwt_auth [<jwks_url>] {
//		jwks_url <url>
//		jwks_file <path>
//		jwks_redis {
//			addresses <addr...>
//			password <password>
//			db <n>
//			cluster
//			master_name <name>
//			key <key>
//			channel <channel|off>
//			dial_timeout <duration>
//			read_timeout <duration>
//			tls
//			tls_cert <path>
//			tls_key <path>
//			tls_ca <path>
//			tls_skip_verify
//		}
//		jwks_etcd {
//			endpoints <endpoint...>
//			username <username>
//			password <password>
//			key <key>
//			dial_timeout <duration>
//			request_timeout <duration>
//			tls
//			tls_cert <path>
//			tls_key <path>
//			tls_ca <path>
//			tls_skip_verify
//		}
//		claim <name> <value>
//		claims_file <path>
//		token_header <name>
//		token_scheme <scheme>
//		allowed_algs <alg...>
//		leeway <duration>
//		require_exp
//		jwks_refresh_interval <duration|off>
//		jwks_timeout <duration>
//		jwks_min_refresh_interval <duration|off>
//		jwks_negative_ttl <duration|off>
//		allow_insecure_jwks
//		export_claims <name...>
//		tracing
//		events
//	}
//
// Claim values given with "claim" are strings; use claims_file or JSON
// config for numbers, booleans and structured values.
func (j *JwtAuth) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		if d.NextArg() {
			j.JWKSURL = d.Val()
		}
		if d.NextArg() {
			return d.ArgErr()
		}

		for nesting := d.Nesting(); d.NextBlock(nesting); {
			switch d.Val() {
			case "jwks_url":
				if !d.NextArg() {
					return d.ArgErr()
				}
				j.JWKSURL = d.Val()
			case "jwks_file":
				if !d.NextArg() {
					return d.ArgErr()
				}
				j.JWKSFile = d.Val()
			case "jwks_redis":
				j.JWKSRedis = new(RedisConfig)
				if err := j.JWKSRedis.unmarshalCaddyfile(d); err != nil {
					return err
				}
			case "jwks_etcd":
				j.JWKSEtcd = new(EtcdConfig)
				if err := j.JWKSEtcd.unmarshalCaddyfile(d); err != nil {
					return err
				}
			case "claim":
				args := d.RemainingArgs()
				if len(args) != 2 {
					return d.ArgErr()
				}
				var err error
				j.Claims, err = j.Claims.Add(args[0], claims.String(args[1]))
				if err != nil {
					return d.Errf("invalid claim: %v", err)
				}
			case "claims_file":
				if !d.NextArg() {
					return d.ArgErr()
				}
				j.ClaimsFile = d.Val()
			case "token_header":
				if !d.NextArg() {
					return d.ArgErr()
				}
				j.TokenHeader = d.Val()
			case "token_scheme":
				if !d.NextArg() {
					return d.ArgErr()
				}
				j.TokenScheme = d.Val()
			case "allowed_algs":
				j.AllowedAlgs = j.AllowedAlgs[:0]
				for d.NextArg() {
					j.AllowedAlgs = append(j.AllowedAlgs, d.Val())
				}
				if len(j.AllowedAlgs) == 0 {
					return d.ArgErr()
				}
			case "leeway":
				dur, err := parseDurationArg(d, false)
				if err != nil {
					return err
				}
				j.Leeway = dur
			case "require_exp":
				j.RequireExp = true
			case "jwks_refresh_interval":
				dur, err := parseDurationArg(d, true)
				if err != nil {
					return err
				}
				j.JWKSRefreshInterval = dur
			case "jwks_timeout":
				dur, err := parseDurationArg(d, false)
				if err != nil {
					return err
				}
				j.JWKSTimeout = dur
			case "jwks_min_refresh_interval":
				dur, err := parseDurationArg(d, true)
				if err != nil {
					return err
				}
				j.JWKSMinRefreshInterval = dur
			case "jwks_negative_ttl":
				dur, err := parseDurationArg(d, true)
				if err != nil {
					return err
				}
				j.JWKSNegativeTTL = dur
			case "allow_insecure_jwks":
				j.AllowInsecureJWKS = true
			case "export_claims":
				for d.NextArg() {
					j.ExportClaims = append(j.ExportClaims, d.Val())
				}
				if len(j.ExportClaims) == 0 {
					return d.ArgErr()
				}
			case "tracing":
				j.Tracing = true
			case "events":
				j.Events = true
			default:
				return d.Errf("unrecognized subdirective: %s", d.Val())
			}
		}
	}
	return nil
}

// UnmarshalCaddyfile implements caddyfile.Unmarshaler.
//
// Syntax:
//
//	token_auth [<value>] {
//		header <name>
//		value <value>
//		events
//	}
func (t *TokenAuth) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		if d.NextArg() {
			t.Value = d.Val()
		}
		if d.NextArg() {
			return d.ArgErr()
		}

		for nesting := d.Nesting(); d.NextBlock(nesting); {
			switch d.Val() {
			case "header":
				if !d.NextArg() {
					return d.ArgErr()
				}
				t.Header = d.Val()
			case "value":
				if !d.NextArg() {
					return d.ArgErr()
				}
				t.Value = d.Val()
			case "events":
				t.Events = true
			default:
				return d.Errf("unrecognized subdirective: %s", d.Val())
			}
		}
	}
	return nil
}

func (c *RedisConfig) unmarshalCaddyfile(d *caddyfile.Dispenser) error {
	if d.NextArg() {
		return d.ArgErr()
	}
	for nesting := d.Nesting(); d.NextBlock(nesting); {
		switch d.Val() {
		case "addresses":
			c.Addresses = append(c.Addresses, d.RemainingArgs()...)
			if len(c.Addresses) == 0 {
				return d.ArgErr()
			}
		case "password":
			if !d.NextArg() {
				return d.ArgErr()
			}
			c.Password = d.Val()
		case "db":
			if !d.NextArg() {
				return d.ArgErr()
			}
			db, err := strconv.Atoi(d.Val())
			if err != nil || db < 0 {
				return d.Errf("invalid db: %s", d.Val())
			}
			c.DB = db
		case "cluster":
			c.Cluster = true
		case "master_name":
			if !d.NextArg() {
				return d.ArgErr()
			}
			c.MasterName = d.Val()
		case "key":
			if !d.NextArg() {
				return d.ArgErr()
			}
			c.Key = d.Val()
		case "channel":
			if !d.NextArg() {
				return d.ArgErr()
			}
			c.Channel = d.Val()
		case "dial_timeout":
			dur, err := parseDurationArg(d, false)
			if err != nil {
				return err
			}
			c.DialTimeout = dur
		case "read_timeout":
			dur, err := parseDurationArg(d, false)
			if err != nil {
				return err
			}
			c.ReadTimeout = dur
		default:
			ok, err := parseTLSOption(d, &c.TLSEnabled, &c.TLSCertFile, &c.TLSKeyFile, &c.TLSCAFile, &c.TLSSkipVerify)
			if err != nil {
				return err
			}
			if !ok {
				return d.Errf("unrecognized jwks_redis option: %s", d.Val())
			}
		}
	}
	return nil
}

func (c *EtcdConfig) unmarshalCaddyfile(d *caddyfile.Dispenser) error {
	if d.NextArg() {
		return d.ArgErr()
	}
	for nesting := d.Nesting(); d.NextBlock(nesting); {
		switch d.Val() {
		case "endpoints":
			c.Endpoints = append(c.Endpoints, d.RemainingArgs()...)
			if len(c.Endpoints) == 0 {
				return d.ArgErr()
			}
		case "username":
			if !d.NextArg() {
				return d.ArgErr()
			}
			c.Username = d.Val()
		case "password":
			if !d.NextArg() {
				return d.ArgErr()
			}
			c.Password = d.Val()
		case "key":
			if !d.NextArg() {
				return d.ArgErr()
			}
			c.Key = d.Val()
		case "dial_timeout":
			dur, err := parseDurationArg(d, false)
			if err != nil {
				return err
			}
			c.DialTimeout = dur
		case "request_timeout":
			dur, err := parseDurationArg(d, false)
			if err != nil {
				return err
			}
			c.RequestTimeout = dur
		default:
			ok, err := parseTLSOption(d, &c.TLSEnabled, &c.TLSCertFile, &c.TLSKeyFile, &c.TLSCAFile, &c.TLSSkipVerify)
			if err != nil {
				return err
			}
			if !ok {
				return d.Errf("unrecognized jwks_etcd option: %s", d.Val())
			}
		}
	}
	return nil
}

// parseTLSOption handles the tls options shared by the key store blocks.
// It reports false when the current token is not one of them.
func parseTLSOption(d *caddyfile.Dispenser, enabled *bool, cert, key, ca *string, skipVerify *bool) (bool, error) {
	var target *string
	switch d.Val() {
	case "tls":
		*enabled = true
		return true, nil
	case "tls_skip_verify":
		*enabled = true
		*skipVerify = true
		return true, nil
	case "tls_cert":
		target = cert
	case "tls_key":
		target = key
	case "tls_ca":
		target = ca
	default:
		return false, nil
	}
	if !d.NextArg() {
		return true, d.ArgErr()
	}
	*enabled = true
	*target = d.Val()
	return true, nil
}

// parseDurationArg reads one duration argument. When allowOff is set,
// "off" yields a negative duration, which disables the feature.
func parseDurationArg(d *caddyfile.Dispenser, allowOff bool) (caddy.Duration, error) {
	name := d.Val()
	if !d.NextArg() {
		return 0, d.ArgErr()
	}
	if allowOff && d.Val() == "off" {
		return caddy.Duration(-1), nil
	}
	dur, err := caddy.ParseDuration(d.Val())
	if err != nil {
		return 0, d.Errf("invalid %s: %v", name, err)
	}
	if dur < 0 {
		return 0, d.Errf("invalid %s: must not be negative", name)
	}
	return caddy.Duration(dur), nil
}

func parseJwtAuthDirective(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var j JwtAuth
	if err := j.UnmarshalCaddyfile(h.Dispenser); err != nil {
		return nil, err
	}
	return &j, nil
}

func parseTokenAuthDirective(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var t TokenAuth
	if err := t.UnmarshalCaddyfile(h.Dispenser); err != nil {
		return nil, err
	}
	return &t, nil
}

// Interface guards
var (
	_ caddyfile.Unmarshaler = (*JwtAuth)(nil)
	_ caddyfile.Unmarshaler = (*TokenAuth)(nil)
)
