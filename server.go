package edgehost

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/netutil"

	"github.com/cryguy/edgehost/internal/script"
)

// Server materializes a Config into running services and listeners. Fields
// are set before Run and not touched afterwards.
type Server struct {
	// Log receives background errors and request logs. Defaults to
	// slog.Default().
	Log *slog.Logger

	// OnConfigError, when set, receives configuration error reports instead
	// of the logger. Configuration errors never abort startup by themselves;
	// the affected service degrades to an invalid-config stub so working
	// services stay available.
	OnConfigError func(msg string)

	// Overrides are the sparse command-line overrides, consumed exhaustively.
	Overrides Overrides

	// Backend is the script engine. When nil, the build-selected engine
	// (QuickJS, or V8 with -tags v8) is created with ScriptConfig.
	Backend script.Backend

	// ScriptConfig tunes the default engine.
	ScriptConfig script.Config

	// MaxConnections caps concurrent connections per listener. 0 means
	// unlimited.
	MaxConnections int

	headerBuilder *HeaderTableBuilder
	headerTable   *HeaderTable
	frozen        chan struct{}
	registryReady chan struct{}
	services      map[string]*servicePromise
	invalidConfig Service
	tasks         sync.WaitGroup
	fatal         chan error

	mu            sync.Mutex
	listeners     []net.Listener
	ownedBackend  script.Backend
	socketAddrs   map[string]string
	socketLns     map[string]net.Listener
	externalAddrs map[string]string
	dirPaths      map[string]string
}

// NewServer returns a server with defaults.
func NewServer() *Server {
	return &Server{}
}

func (s *Server) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

func (s *Server) reportConfigError(msg string) {
	if s.OnConfigError != nil {
		s.OnConfigError(msg)
		return
	}
	s.logger().Error("configuration error", "error", msg)
}

func (s *Server) backend() script.Backend {
	if s.Backend != nil {
		return s.Backend
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ownedBackend == nil {
		s.ownedBackend = newScriptBackend(s.ScriptConfig)
	}
	return s.ownedBackend
}

// servicePromise is a shared, multi-consumer future resolving to a Service.
// Sockets, worker bindings, and the global-outbound lookup may all await the
// same promise.
type servicePromise struct {
	done chan struct{}
	svc  Service
}

func newServicePromise() *servicePromise {
	return &servicePromise{done: make(chan struct{})}
}

func (p *servicePromise) fulfill(svc Service) {
	p.svc = svc
	close(p.done)
}

func (p *servicePromise) Await(ctx context.Context) (Service, error) {
	select {
	case <-p.done:
		return p.svc, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// spawn runs fn as a background task. A panic becomes a fatal server error.
func (s *Server) spawn(fn func()) {
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				s.fail(fmt.Errorf("background task panic: %v", r))
			}
		}()
		fn()
	}()
}

// fail fulfills the fatal channel; the first error wins.
func (s *Server) fail(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}

func (s *Server) addListener(ln net.Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.listeners = nil
}

// Run builds all services and listeners from cfg and serves until ctx is
// canceled, a fatal background error occurs, or (in configurations with no
// listeners) all startup tasks finish.
func (s *Server) Run(ctx context.Context, cfg *Config) error {
	s.headerBuilder = NewHeaderTableBuilder()
	s.frozen = make(chan struct{})
	s.registryReady = make(chan struct{})
	s.services = make(map[string]*servicePromise)
	s.invalidConfig = newInvalidConfigService()
	s.fatal = make(chan error, 1)
	s.socketAddrs = copyMap(s.Overrides.SocketAddrs)
	s.socketLns = copyMap(s.Overrides.SocketListeners)
	s.externalAddrs = copyMap(s.Overrides.ExternalAddrs)
	s.dirPaths = copyMap(s.Overrides.DirectoryPaths)

	// ---------------------------------------------------------------------
	// Configure services

	for _, svcConf := range cfg.Services {
		name := svcConf.Name
		if name == "" {
			s.reportConfigError("Config contains a service with no name.")
			continue
		}
		if _, dup := s.services[name]; dup {
			s.reportConfigError(fmt.Sprintf("Config defines multiple services named %q.", name))
			continue
		}
		promise := newServicePromise()
		s.services[name] = promise

		// The synchronous phase registers headers while the builder is still
		// open; the returned completion may block on other services.
		complete := s.makeService(ctx, svcConf)
		s.spawn(func() { promise.fulfill(complete()) })
	}

	// Make the default "internet" service if it's not there already: public
	// peers only, system trust store.
	if _, ok := s.services["internet"]; !ok {
		promise := newServicePromise()
		s.services["internet"] = promise
		svc, err := s.newNetworkService(NetworkConfig{
			Allow:      []string{"public"},
			TLSOptions: &TLSOptions{TrustBrowserCAs: true},
		})
		if err != nil {
			s.reportConfigError(fmt.Sprintf("building default internet service: %v", err))
			promise.fulfill(s.invalidConfig)
		} else {
			promise.fulfill(svc)
		}
	}

	// Every registry entry exists now; lookups may resolve.
	close(s.registryReady)

	// ---------------------------------------------------------------------
	// Start sockets

	for _, sock := range cfg.Sockets {
		s.startSocket(ctx, sock)
	}

	for name := range s.socketAddrs {
		s.reportConfigError(fmt.Sprintf(
			"Config did not define any socket named %q to match the override provided on the command line.", name))
	}
	for name := range s.socketLns {
		s.reportConfigError(fmt.Sprintf(
			"Config did not define any socket named %q to match the override provided on the command line.", name))
	}
	for name := range s.externalAddrs {
		s.reportConfigError(fmt.Sprintf(
			"Config did not define any external service named %q to match the override provided on the command line.", name))
	}
	for name := range s.dirPaths {
		s.reportConfigError(fmt.Sprintf(
			"Config did not define any disk service named %q to match the override provided on the command line.", name))
	}

	// All headers are registered synchronously above; freeze so requests can
	// be served even while slower services finish starting.
	s.headerTable = s.headerBuilder.Build()
	close(s.frozen)

	// ---------------------------------------------------------------------
	// Serve until canceled, fatal, or (with no listeners) all tasks done.

	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case err := <-s.fatal:
		runErr = err
	case <-done:
	}

	s.closeListeners()
	s.shutdownServices(ctx)
	return runErr
}

func (s *Server) shutdownServices(ctx context.Context) {
	for _, promise := range s.services {
		select {
		case <-promise.done:
			if ws, ok := promise.svc.(*WorkerService); ok {
				ws.Close()
			}
		default:
		}
	}
	s.mu.Lock()
	backend := s.ownedBackend
	s.ownedBackend = nil
	s.mu.Unlock()
	if backend != nil {
		backend.Shutdown()
	}
}

// makeService dispatches on the service kind. The synchronous phase runs
// immediately (it may register headers); the returned completion produces
// the service and may await other services.
func (s *Server) makeService(ctx context.Context, conf ServiceConfig) func() Service {
	name := conf.Name
	switch {
	case conf.External != nil:
		svc := s.makeExternalService(name, conf.External)
		return func() Service { return svc }

	case conf.Network != nil:
		svc, err := s.newNetworkService(*conf.Network)
		if err != nil {
			s.reportConfigError(fmt.Sprintf("Network service %q: %v", name, err))
			return func() Service { return s.invalidConfig }
		}
		return func() Service { return svc }

	case conf.Worker != nil:
		worker := conf.Worker
		return func() Service { return s.makeWorker(ctx, name, worker) }

	case conf.Disk != nil:
		svc := s.makeDiskDirectoryService(name, conf.Disk)
		return func() Service { return svc }

	default:
		s.reportConfigError(fmt.Sprintf("Service named %q does not specify what to serve.", name))
		return func() Service { return s.invalidConfig }
	}
}

// makeExternalService materializes an external service. The rewriter is
// constructed here, synchronously, while the header table builder is open.
func (s *Server) makeExternalService(name string, conf *ExternalServerConfig) Service {
	addrStr := conf.Address
	if override, ok := s.externalAddrs[name]; ok {
		addrStr = override
		delete(s.externalAddrs, name)
	}
	if addrStr == "" {
		s.reportConfigError(fmt.Sprintf(
			"External service %q has no address in the config, so must be specified on the command line with `--external-addr`.", name))
		return s.invalidConfig
	}

	switch {
	case conf.HTTPS != nil:
		rewriter := NewHTTPRewriter(conf.HTTPS.Options, s.headerBuilder)
		tlsCfg, err := s.makeTLSConfig(conf.HTTPS.TLSOptions)
		if err != nil {
			s.reportConfigError(fmt.Sprintf("External service %q: %v", name, err))
			return s.invalidConfig
		}
		addr, err := defaultPortAddress(addrStr, 443)
		if err != nil {
			s.reportConfigError(fmt.Sprintf("External service %q: %v", name, err))
			return s.invalidConfig
		}
		return newExternalHTTPService(addr, "https", tlsCfg, conf.HTTPS.CertificateHost, rewriter)

	case conf.HTTP != nil:
		rewriter := NewHTTPRewriter(*conf.HTTP, s.headerBuilder)
		addr, err := defaultPortAddress(addrStr, 80)
		if err != nil {
			s.reportConfigError(fmt.Sprintf("External service %q: %v", name, err))
			return s.invalidConfig
		}
		return newExternalHTTPService(addr, "http", nil, "", rewriter)

	default:
		s.reportConfigError(fmt.Sprintf(
			"External service named %q has unrecognized protocol. Was the config written for a newer version?", name))
		return s.invalidConfig
	}
}

// makeDiskDirectoryService materializes a disk service, checking that the
// directory exists up front.
func (s *Server) makeDiskDirectoryService(name string, conf *DiskDirectoryConfig) Service {
	pathStr := conf.Path
	if override, ok := s.dirPaths[name]; ok {
		pathStr = override
		delete(s.dirPaths, name)
	}
	if pathStr == "" {
		s.reportConfigError(fmt.Sprintf(
			"Directory %q has no path in the config, so must be specified on the command line with `--directory-path`.", name))
		return s.invalidConfig
	}

	info, err := os.Stat(pathStr)
	if err != nil || !info.IsDir() {
		s.reportConfigError(fmt.Sprintf("Directory named %q not found: %s", name, pathStr))
		return s.invalidConfig
	}

	return newDiskDirectoryService(*conf, pathStr, s.headerBuilder)
}

// lookupService resolves a service designator. It blocks until the registry
// is fully populated, so a service defined later in the config is found just
// the same. Unresolved references and bad entrypoints are configuration
// errors that degrade to the invalid-config service.
func (s *Server) lookupService(ctx context.Context, designator ServiceDesignator, errorContext string) Service {
	<-s.registryReady

	promise, ok := s.services[designator.Name]
	if !ok {
		s.reportConfigError(fmt.Sprintf(
			"%s refers to a service %q, but no such service is defined.", errorContext, designator.Name))
		return s.invalidConfig
	}
	svc, err := promise.Await(ctx)
	if err != nil {
		return s.invalidConfig
	}

	if designator.Entrypoint != "" {
		worker, ok := svc.(*WorkerService)
		if !ok {
			s.reportConfigError(fmt.Sprintf(
				"%s refers to service %q with a named entrypoint %q, but %q is not a Worker, so does not have any named entrypoints.",
				errorContext, designator.Name, designator.Entrypoint, designator.Name))
			return s.invalidConfig
		}
		if !worker.HasEntrypoint(designator.Entrypoint) {
			s.reportConfigError(fmt.Sprintf(
				"%s refers to service %q with a named entrypoint %q, but %q has no such named entrypoint.",
				errorContext, designator.Name, designator.Entrypoint, designator.Name))
			return s.invalidConfig
		}
		return &workerEntrypointService{worker: worker, entrypoint: designator.Entrypoint}
	}
	return svc
}

// startSocket resolves one socket's listener and service and begins serving.
// The rewriter is constructed synchronously; binding and accepting happen in
// the background, and the first accept waits for the header-table freeze.
func (s *Server) startSocket(ctx context.Context, sock SocketConfig) {
	name := sock.Name

	var lnOverride net.Listener
	addrStr := ""
	if ln, ok := s.socketLns[name]; ok {
		lnOverride = ln
		delete(s.socketLns, name)
	} else if a, ok := s.socketAddrs[name]; ok {
		addrStr = a
		delete(s.socketAddrs, name)
	} else if sock.Address != "" {
		addrStr = sock.Address
	} else {
		s.reportConfigError(fmt.Sprintf(
			"Socket %q has no address in the config, so must be specified on the command line with `--socket-addr`.", name))
		return
	}

	var opts HTTPOptions
	var tlsCfg *tls.Config
	physicalProtocol := "http"
	defaultPort := 80
	switch {
	case sock.HTTPS != nil:
		opts = sock.HTTPS.Options
		cfg, err := s.makeTLSConfig(sock.HTTPS.TLSOptions)
		if err != nil {
			s.reportConfigError(fmt.Sprintf("Socket %q: %v", name, err))
			return
		}
		tlsCfg = cfg
		physicalProtocol = "https"
		defaultPort = 443
	case sock.HTTP != nil:
		opts = *sock.HTTP
	}

	// The rewriter must exist before waiting on anything: the header table
	// builder is about to be frozen.
	rewriter := NewHTTPRewriter(opts, s.headerBuilder)

	s.spawn(func() {
		svc := s.lookupService(ctx, sock.Service, fmt.Sprintf("Socket %q", name))

		listener := lnOverride
		if listener == nil {
			network, address, err := normalizeAddress(addrStr, defaultPort)
			if err != nil {
				s.reportConfigError(fmt.Sprintf("Socket %q: %v", name, err))
				return
			}
			ln, err := net.Listen(network, address)
			if err != nil {
				s.fail(fmt.Errorf("socket %q: %w", name, err))
				return
			}
			listener = ln
		}
		if tlsCfg != nil {
			listener = tls.NewListener(listener, tlsCfg)
		}
		if s.MaxConnections > 0 {
			listener = netutil.LimitListener(listener, s.MaxConnections)
		}
		s.addListener(listener)

		// Freeze happens-before the first accept.
		<-s.frozen

		err := s.listenHTTP(ctx, listener, svc, physicalProtocol, rewriter)
		if err != nil && ctx.Err() == nil &&
			!errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
			s.fail(fmt.Errorf("socket %q: %w", name, err))
		}
	})
}

// normalizeAddress turns a config address into a (network, address) pair for
// net.Listen. "unix:PATH" selects a Unix socket; "*" as the host means all
// interfaces; a missing port takes the protocol default.
func normalizeAddress(addr string, defaultPort int) (network, address string, err error) {
	if path, ok := strings.CutPrefix(addr, "unix:"); ok {
		if path == "" {
			return "", "", fmt.Errorf("empty unix socket path in %q", addr)
		}
		return "unix", path, nil
	}
	host, port, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		host, port = addr, strconv.Itoa(defaultPort)
	}
	if host == "*" {
		host = ""
	}
	return "tcp", net.JoinHostPort(host, port), nil
}

// defaultPortAddress appends the default port when addr has none.
func defaultPortAddress(addr string, defaultPort int) (string, error) {
	if addr == "" {
		return "", errors.New("empty address")
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr, nil
	}
	return net.JoinHostPort(addr, strconv.Itoa(defaultPort)), nil
}

func copyMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
