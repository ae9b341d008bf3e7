package jwks

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTLSFiles_Config(t *testing.T) {
	cfg, err := TLSFiles{SkipVerify: true}.Config()
	if err != nil {
		t.Fatalf("Config() error = %v", err)
	}
	if !cfg.InsecureSkipVerify {
		t.Error("InsecureSkipVerify not set")
	}
	if cfg.RootCAs != nil || len(cfg.Certificates) != 0 {
		t.Error("unexpected certificates")
	}

	bad := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(bad, []byte("not a certificate"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := (TLSFiles{CAFile: bad}).Config(); err == nil {
		t.Error("expected error for unparseable CA file")
	}
	if _, err := (TLSFiles{CertFile: bad, KeyFile: bad}).Config(); err == nil {
		t.Error("expected error for bad key pair")
	}
}
