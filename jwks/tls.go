package jwks

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
)

// TLSFiles names the PEM files used to reach a key store over TLS.
type TLSFiles struct {
	CertFile   string
	KeyFile    string
	CAFile     string
	SkipVerify bool
}

// Config builds a client TLS configuration. The client certificate is
// loaded only when both CertFile and KeyFile are set.
func (f TLSFiles) Config() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: f.SkipVerify,
	}

	if f.CertFile != "" && f.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %v", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if f.CAFile != "" {
		caCert, err := os.ReadFile(f.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %v", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
	}

	return tlsConfig, nil
}

// watchWithBackoff runs watch until ctx is done, restarting it with
// exponential backoff after failures.
func watchWithBackoff(ctx context.Context, logger *zap.Logger, source string, watch func(context.Context) error) {
	backoff := time.Second
	maxBackoff := time.Minute

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := watch(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("jwks watch error, will retry",
				zap.String("source", source),
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}

			// Exponential backoff
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		} else {
			backoff = time.Second
		}
	}
}
