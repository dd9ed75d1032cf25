package edgehost

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"strings"
)

// makeTLSConfig materializes TLSOptions into a *tls.Config usable on either
// side of a connection. Unrecognized enum values are reported as config
// errors and the affected setting keeps its default, mirroring how the rest
// of the config layer degrades instead of aborting.
func (s *Server) makeTLSConfig(conf TLSOptions) (*tls.Config, error) {
	cfg := &tls.Config{}

	if conf.Keypair != nil {
		cert, err := tls.X509KeyPair([]byte(conf.Keypair.CertificateChain), []byte(conf.Keypair.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("loading TLS keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if conf.RequireClientCerts {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	if len(conf.TrustedCertificates) > 0 || !conf.TrustBrowserCAs {
		pool := x509.NewCertPool()
		if conf.TrustBrowserCAs {
			if sys, err := x509.SystemCertPool(); err == nil {
				pool = sys
			}
		}
		for _, pemText := range conf.TrustedCertificates {
			if !pool.AppendCertsFromPEM([]byte(pemText)) {
				return nil, fmt.Errorf("trustedCertificates entry contains no valid certificate")
			}
		}
		cfg.RootCAs = pool
		cfg.ClientCAs = pool
	}

	switch conf.MinVersion {
	case "", "default":
		// Don't change.
	case "SSL3":
		s.reportConfigError("TLS minVersion SSL3 is not supported by this build; using the default minimum.")
	case "TLS1.0":
		cfg.MinVersion = tls.VersionTLS10
	case "TLS1.1":
		cfg.MinVersion = tls.VersionTLS11
	case "TLS1.2":
		cfg.MinVersion = tls.VersionTLS12
	case "TLS1.3":
		cfg.MinVersion = tls.VersionTLS13
	default:
		s.reportConfigError(fmt.Sprintf(
			"Encountered unknown TLS minVersion setting %q. Was the config written for a newer version?", conf.MinVersion))
	}

	if conf.CipherList != "" {
		suites, err := parseCipherList(conf.CipherList)
		if err != nil {
			s.reportConfigError(err.Error())
		} else {
			cfg.CipherSuites = suites
		}
	}

	return cfg, nil
}

// parseCipherList resolves a colon- or comma-separated list of cipher suite
// names against the suites this build supports.
func parseCipherList(list string) ([]uint16, error) {
	byName := make(map[string]uint16)
	for _, suite := range tls.CipherSuites() {
		byName[suite.Name] = suite.ID
	}
	for _, suite := range tls.InsecureCipherSuites() {
		byName[suite.Name] = suite.ID
	}

	var ids []uint16
	for _, name := range strings.FieldsFunc(list, func(r rune) bool { return r == ':' || r == ',' }) {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		id, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown cipher suite %q in cipherList", name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
