package edgehost

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the parsed server configuration: a set of named services and the
// sockets that expose them.
type Config struct {
	Services []ServiceConfig `yaml:"services"`
	Sockets  []SocketConfig  `yaml:"sockets"`
}

// ServiceConfig declares one named service by setting one of the kind fields.
// If none is set, a configuration error is reported and the service becomes
// unusable (but the server still starts). If several are set, the first of
// external, network, worker, disk is used and the others are ignored.
type ServiceConfig struct {
	Name     string                `yaml:"name"`
	External *ExternalServerConfig `yaml:"external,omitempty"`
	Network  *NetworkConfig        `yaml:"network,omitempty"`
	Worker   *WorkerConfig         `yaml:"worker,omitempty"`
	Disk     *DiskDirectoryConfig  `yaml:"disk,omitempty"`
}

// ExternalServerConfig pins an outbound HTTP service to a single upstream.
type ExternalServerConfig struct {
	Address string               `yaml:"address,omitempty"`
	HTTP    *HTTPOptions         `yaml:"http,omitempty"`
	HTTPS   *ExternalHTTPSConfig `yaml:"https,omitempty"`
}

// ExternalHTTPSConfig is the TLS variant of an external server.
type ExternalHTTPSConfig struct {
	Options         HTTPOptions `yaml:"options,omitempty"`
	TLSOptions      TLSOptions  `yaml:"tlsOptions,omitempty"`
	CertificateHost string      `yaml:"certificateHost,omitempty"`
}

// NetworkConfig describes a generalized outbound service restricted to a set
// of peers. Allow and Deny entries are peer categories ("public", "private",
// "local", "network") or literal host/CIDR patterns.
type NetworkConfig struct {
	Allow      []string    `yaml:"allow,omitempty"`
	Deny       []string    `yaml:"deny,omitempty"`
	TLSOptions *TLSOptions `yaml:"tlsOptions,omitempty"`
}

// DiskDirectoryConfig describes a static directory service. Compression
// opts into gzip/brotli response encoding for file GETs when the client
// advertises support; it is off by default so responses stay byte-exact.
type DiskDirectoryConfig struct {
	Path          string `yaml:"path,omitempty"`
	Writable      bool   `yaml:"writable,omitempty"`
	AllowDotfiles bool   `yaml:"allowDotfiles,omitempty"`
	Compression   bool   `yaml:"compression,omitempty"`
}

// WorkerConfig describes a script-backed service.
type WorkerConfig struct {
	CompatibilityDate   string             `yaml:"compatibilityDate,omitempty"`
	CompatibilityFlags  []string           `yaml:"compatibilityFlags,omitempty"`
	Modules             []ModuleConfig     `yaml:"modules,omitempty"`
	ServiceWorkerScript string             `yaml:"serviceWorkerScript,omitempty"`
	Bindings            []BindingConfig    `yaml:"bindings,omitempty"`
	GlobalOutbound      *ServiceDesignator `yaml:"globalOutbound,omitempty"`
}

// ModuleConfig is one module of a modules-based worker. The module source is
// given inline; there is no form that refers to a file.
type ModuleConfig struct {
	Name     string `yaml:"name"`
	ESModule string `yaml:"esModule,omitempty"`
	CommonJS string `yaml:"commonJsModule,omitempty"`
	Text     string `yaml:"text,omitempty"`
	JSON     string `yaml:"json,omitempty"`
}

// BindingConfig is one global binding of a worker. Exactly one value field
// should be set.
type BindingConfig struct {
	Name string `yaml:"name"`

	Text       *string          `yaml:"text,omitempty"`
	Data       *string          `yaml:"data,omitempty"` // base64
	JSON       *string          `yaml:"json,omitempty"`
	WasmModule *string          `yaml:"wasmModule,omitempty"` // base64
	CryptoKey  *CryptoKeyConfig `yaml:"cryptoKey,omitempty"`

	Service     *ServiceDesignator `yaml:"service,omitempty"`
	KVNamespace *ServiceDesignator `yaml:"kvNamespace,omitempty"`
	R2Bucket    *ServiceDesignator `yaml:"r2Bucket,omitempty"`
	R2Admin     *ServiceDesignator `yaml:"r2Admin,omitempty"`

	Parameter              *string `yaml:"parameter,omitempty"`
	DurableObjectNamespace *string `yaml:"durableObjectNamespace,omitempty"`
}

// CryptoKeyConfig is the configuration form of a crypto-key binding. Exactly
// one key material field should be set.
type CryptoKeyConfig struct {
	Raw    *string `yaml:"raw,omitempty"` // base64
	Hex    *string `yaml:"hex,omitempty"`
	Base64 *string `yaml:"base64,omitempty"`
	PKCS8  *string `yaml:"pkcs8,omitempty"` // PEM
	SPKI   *string `yaml:"spki,omitempty"`  // PEM
	JWK    *string `yaml:"jwk,omitempty"`   // JSON

	Algorithm   CryptoKeyAlgorithm `yaml:"algorithm,omitempty"`
	Extractable bool               `yaml:"extractable,omitempty"`
	Usages      []string           `yaml:"usages,omitempty"`
}

// CryptoKeyAlgorithm is either a bare algorithm name or a full JSON object.
type CryptoKeyAlgorithm struct {
	Name string `yaml:"name,omitempty"`
	JSON string `yaml:"json,omitempty"`
}

// SocketConfig binds a listening address to a service.
type SocketConfig struct {
	Name    string            `yaml:"name"`
	Address string            `yaml:"address,omitempty"`
	Service ServiceDesignator `yaml:"service"`
	HTTP    *HTTPOptions      `yaml:"http,omitempty"`
	HTTPS   *SocketHTTPSConfig `yaml:"https,omitempty"`
}

// SocketHTTPSConfig is the TLS variant of a socket.
type SocketHTTPSConfig struct {
	Options    HTTPOptions `yaml:"options,omitempty"`
	TLSOptions TLSOptions  `yaml:"tlsOptions,omitempty"`
}

// ServiceDesignator names a service, optionally with a named entrypoint
// inside it. In YAML it is either a bare string or {name, entrypoint}.
type ServiceDesignator struct {
	Name       string `yaml:"name"`
	Entrypoint string `yaml:"entrypoint,omitempty"`
}

// UnmarshalYAML accepts both the bare-string and the mapping form.
func (d *ServiceDesignator) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		d.Name = value.Value
		d.Entrypoint = ""
		return nil
	}
	type plain ServiceDesignator
	return value.Decode((*plain)(d))
}

// HTTPOptions configures the rewrite pipeline of a socket or external
// service.
type HTTPOptions struct {
	Style                RewriteStyle     `yaml:"style,omitempty"`
	ForwardedProtoHeader string           `yaml:"forwardedProtoHeader,omitempty"`
	CfBlobHeader         string           `yaml:"cfBlobHeader,omitempty"`
	InjectRequestHeaders []InjectedHeader `yaml:"injectRequestHeaders,omitempty"`
	InjectResponseHeaders []InjectedHeader `yaml:"injectResponseHeaders,omitempty"`
}

// InjectedHeader is one header override: a nil Value unsets the header.
type InjectedHeader struct {
	Name  string  `yaml:"name"`
	Value *string `yaml:"value,omitempty"`
}

// UnmarshalYAML maps the style names onto RewriteStyle. HOST is the default.
func (s *RewriteStyle) UnmarshalYAML(value *yaml.Node) error {
	switch value.Value {
	case "", "host":
		*s = StyleHost
	case "proxy":
		*s = StyleProxy
	default:
		return fmt.Errorf("unknown HTTP style %q", value.Value)
	}
	return nil
}

// TLSOptions configures TLS for a socket, external service, or network
// service.
type TLSOptions struct {
	Keypair             *TLSKeypair `yaml:"keypair,omitempty"`
	TrustedCertificates []string    `yaml:"trustedCertificates,omitempty"` // PEM
	RequireClientCerts  bool        `yaml:"requireClientCerts,omitempty"`
	TrustBrowserCAs     bool        `yaml:"trustBrowserCas,omitempty"`
	MinVersion          string      `yaml:"minVersion,omitempty"`
	CipherList          string      `yaml:"cipherList,omitempty"`
}

// TLSKeypair holds a PEM private key and certificate chain.
type TLSKeypair struct {
	PrivateKey       string `yaml:"privateKey"`
	CertificateChain string `yaml:"certificateChain"`
}

// Overrides carries the sparse command-line overrides, keyed by config name.
// The server consumes entries as it materializes the matching config item;
// leftovers are reported as configuration errors.
type Overrides struct {
	SocketAddrs     map[string]string
	SocketListeners map[string]net.Listener
	ExternalAddrs   map[string]string
	DirectoryPaths  map[string]string
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config bytes.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}
