package edgehost

import (
	"crypto/tls"
	"strings"
	"testing"
)

func TestMakeTLSConfigMinVersion(t *testing.T) {
	tests := []struct {
		version string
		want    uint16
		wantErr bool
	}{
		{"", 0, false},
		{"default", 0, false},
		{"TLS1.0", tls.VersionTLS10, false},
		{"TLS1.1", tls.VersionTLS11, false},
		{"TLS1.2", tls.VersionTLS12, false},
		{"TLS1.3", tls.VersionTLS13, false},
		{"SSL3", 0, true},
		{"TLS9.9", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			var reported []string
			s := NewServer()
			s.OnConfigError = func(msg string) { reported = append(reported, msg) }

			cfg, err := s.makeTLSConfig(TLSOptions{MinVersion: tt.version, TrustBrowserCAs: true})
			if err != nil {
				t.Fatal(err)
			}
			if cfg.MinVersion != tt.want {
				t.Errorf("MinVersion = %d, want %d", cfg.MinVersion, tt.want)
			}
			if tt.wantErr && len(reported) == 0 {
				t.Error("expected a config error report")
			}
			if !tt.wantErr && len(reported) != 0 {
				t.Errorf("unexpected config errors: %v", reported)
			}
		})
	}
}

func TestMakeTLSConfigClientCerts(t *testing.T) {
	s := NewServer()
	cfg, err := s.makeTLSConfig(TLSOptions{RequireClientCerts: true, TrustBrowserCAs: true})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Errorf("ClientAuth = %v", cfg.ClientAuth)
	}
}

func TestMakeTLSConfigBadKeypair(t *testing.T) {
	s := NewServer()
	s.OnConfigError = func(string) {}
	_, err := s.makeTLSConfig(TLSOptions{Keypair: &TLSKeypair{PrivateKey: "junk", CertificateChain: "junk"}})
	if err == nil {
		t.Error("garbage keypair should error")
	}
}

func TestMakeTLSConfigBadTrustedCert(t *testing.T) {
	s := NewServer()
	_, err := s.makeTLSConfig(TLSOptions{TrustedCertificates: []string{"not a cert"}})
	if err == nil || !strings.Contains(err.Error(), "no valid certificate") {
		t.Errorf("err = %v", err)
	}
}

func TestParseCipherList(t *testing.T) {
	ids, err := parseCipherList("TLS_AES_128_GCM_SHA256:TLS_CHACHA20_POLY1305_SHA256")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Errorf("ids = %v", ids)
	}

	if _, err := parseCipherList("NOT_A_SUITE"); err == nil {
		t.Error("unknown suite should error")
	}
}
