// udmi-device connects a device to a UDMI cloud over MQTT.
//
// It loads the process configuration and site metadata, keeps a durable
// broker session, reconciles the cloud-issued config document against the
// system, pointset, gateway, blobset and discovery managers, and publishes
// device state whenever it changes.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/nerrad567/udmi-device/internal/api"
	"github.com/nerrad567/udmi-device/internal/auth"
	"github.com/nerrad567/udmi-device/internal/blob"
	"github.com/nerrad567/udmi-device/internal/device"
	"github.com/nerrad567/udmi-device/internal/dispatcher"
	"github.com/nerrad567/udmi-device/internal/infrastructure/config"
	"github.com/nerrad567/udmi-device/internal/infrastructure/influxdb"
	"github.com/nerrad567/udmi-device/internal/infrastructure/logging"
	"github.com/nerrad567/udmi-device/internal/infrastructure/mqtt"
	"github.com/nerrad567/udmi-device/internal/managers/blobset"
	"github.com/nerrad567/udmi-device/internal/managers/discovery"
	"github.com/nerrad567/udmi-device/internal/managers/gateway"
	"github.com/nerrad567/udmi-device/internal/managers/pointset"
	"github.com/nerrad567/udmi-device/internal/managers/system"
	"github.com/nerrad567/udmi-device/internal/metrics"
	"github.com/nerrad567/udmi-device/internal/persistence"
	"github.com/nerrad567/udmi-device/internal/udmi"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "/etc/udmi-device/config.yaml"

// errVersionRequested stops run after --version has been printed.
var errVersionRequested = errors.New("version requested")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errVersionRequested) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// options holds the parsed command line.
type options struct {
	configPath   string
	metadataPath string
	logLevel     string
}

func parseFlags(args []string, stdout io.Writer) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("udmi-device", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", getConfigPath(), "path to the YAML configuration file")
	fs.StringVarP(&opts.metadataPath, "metadata", "m", "", "path to the site metadata file (overrides device.metadata_path)")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides logging.level)")
	showVersion := fs.BoolP("version", "v", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if *showVersion {
		fmt.Fprintf(stdout, "udmi-device %s (commit %s, built %s, udmi %s)\n", version, commit, date, udmi.Version)
		return opts, errVersionRequested
	}
	return opts, nil
}

// run is the application logic, separated from main for testability.
// It returns nil on a clean shutdown.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	opts, err := parseFlags(args, stdout)
	if err != nil {
		return err
	}

	log := logging.Default()
	log.Info("starting udmi-device",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if opts.metadataPath != "" {
		cfg.Device.MetadataPath = opts.metadataPath
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}

	log = logging.New(cfg.Logging, version).With("device_id", cfg.Device.ID)
	log.Info("configuration loaded", "path", opts.configPath, "level", cfg.Logging.Level)

	metadata := &udmi.Metadata{}
	if cfg.Device.MetadataPath != "" {
		if metadata, err = config.LoadMetadata(cfg.Device.MetadataPath); err != nil {
			return fmt.Errorf("loading metadata: %w", err)
		}
		log.Info("site metadata loaded", "path", cfg.Device.MetadataPath)
	}

	// Persistence
	backend, closeBackend, err := openBackend(ctx, cfg.Persistence, log)
	if err != nil {
		return fmt.Errorf("opening persistence: %w", err)
	}
	defer func() {
		log.Info("closing persistence")
		if closeErr := closeBackend(); closeErr != nil {
			log.Error("error closing persistence", "error", closeErr)
		}
	}()
	log.Info("persistence ready", "backend", cfg.Persistence.Backend)

	endpoints := persistence.NewEndpointStore(backend, persistence.WithEndpointLogger(log.With("component", "endpoints")))
	if err := endpoints.SetSiteDefault(cfg.SiteEndpoint()); err != nil {
		return fmt.Errorf("storing site endpoint: %w", err)
	}
	endpoint, err := endpoints.GetEffectiveEndpoint()
	if err != nil {
		return fmt.Errorf("resolving endpoint: %w", err)
	}

	// Credentials
	signer, err := loadSigner(cfg, log)
	if err != nil {
		return fmt.Errorf("loading device key: %w", err)
	}
	credentials, err := newCredentials(endpoint, signer, log)
	if err != nil {
		return fmt.Errorf("building credentials: %w", err)
	}
	certs, err := loadCertHolder(cfg.Endpoint.TLS)
	if err != nil {
		return fmt.Errorf("loading client certificate: %w", err)
	}

	m := metrics.New(cfg.Device.ID)

	// Transport
	qos := byte(cfg.Endpoint.QoS)
	transport, err := mqtt.New(mqtt.Options{
		Endpoint:    endpoint,
		Credentials: credentials,
		ProviderFactory: func(ep udmi.EndpointConfiguration) (auth.CredentialProvider, error) {
			return newCredentials(ep, signer, log)
		},
		CAFile:       cfg.Endpoint.TLS.CAFile,
		CertHolder:   certs,
		QoS:          &qos,
		InitialDelay: time.Duration(cfg.Endpoint.Reconnect.InitialDelay) * time.Second,
		MaxDelay:     time.Duration(cfg.Endpoint.Reconnect.MaxDelay) * time.Second,
		Logger:       log.With("component", "mqtt"),
	})
	if err != nil {
		return fmt.Errorf("creating transport: %w", err)
	}
	defer func() {
		log.Info("closing MQTT transport")
		if closeErr := transport.Close(); closeErr != nil {
			log.Error("error closing MQTT transport", "error", closeErr)
		}
	}()

	disp := dispatcher.New(transport, cfg.Device.ID,
		dispatcher.WithLogger(log.With("component", "dispatcher")),
		dispatcher.WithMetrics(m),
	)
	defer disp.Stop()

	// Historian (optional)
	var historian *influxdb.Client
	if cfg.Historian.Enabled {
		historian, err = influxdb.Connect(ctx, cfg.Historian)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := historian.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		historian.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.Historian.URL, "bucket", cfg.Historian.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	runtime, err := device.New(device.Options{
		DeviceID:    cfg.Device.ID,
		Messenger:   disp,
		Persistence: backend,
		Logger:      log,
		Metrics:     m,
	})
	if err != nil {
		return fmt.Errorf("creating device runtime: %w", err)
	}

	points, err := addManagers(runtime, managerDeps{
		cfg:       cfg,
		metadata:  metadata,
		log:       log,
		metrics:   m,
		disp:      disp,
		transport: transport,
		endpoints: endpoints,
		historian: historian,
	})
	if err != nil {
		return err
	}

	// Diagnostics API (optional)
	if cfg.Diagnostics.Enabled {
		server, apiErr := api.New(api.Deps{
			Config:  cfg.Diagnostics,
			Logger:  log,
			Runtime: runtime,
			Points:  points,
			Metrics: m,
			Version: version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating diagnostics API: %w", apiErr)
		}
		disp.OnPublish(server.ObservePublish)
		if startErr := server.Start(ctx); startErr != nil {
			return fmt.Errorf("starting diagnostics API: %w", startErr)
		}
		defer func() {
			log.Info("stopping diagnostics API")
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error stopping diagnostics API", "error", closeErr)
			}
		}()
	}

	transport.SetOnConnect(func() {
		log.Info("MQTT connected", "hostname", transport.Endpoint().Hostname)
		runtime.OnConnected()
	})
	transport.SetOnDisconnect(runtime.OnDisconnected)

	if err := disp.Start(); err != nil {
		return fmt.Errorf("subscribing device topics: %w", err)
	}
	if err := runtime.Start(ctx); err != nil {
		return fmt.Errorf("starting device runtime: %w", err)
	}
	defer runtime.Stop()

	transport.Run(ctx)
	if err := transport.Connect(); err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	disp.StartAuthPolling(ctx, time.Duration(cfg.Endpoint.AuthCheckInterval)*time.Second)

	log.Info("initialisation complete, waiting for shutdown signal",
		"hostname", endpoint.Hostname,
		"client_id", endpoint.ClientID,
	)

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	return nil
}

func getConfigPath() string {
	if path := os.Getenv("UDMI_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// managerDeps carries what the managers are built from.
type managerDeps struct {
	cfg       *config.Config
	metadata  *udmi.Metadata
	log       *logging.Logger
	metrics   *metrics.Metrics
	disp      *dispatcher.Dispatcher
	transport *mqtt.Transport
	endpoints *persistence.EndpointStore
	historian *influxdb.Client
}

// addManagers registers the managers in start order and returns the
// pointset, which the diagnostics API serves.
func addManagers(runtime *device.Runtime, d managerDeps) (*pointset.Manager, error) {
	sysOpts := system.Options{
		Metadata:       d.metadata.System,
		Restarts:       d.endpoints,
		LevelSetter:    d.log,
		Collector:      system.NewHostCollector(d.cfg.System.StoragePath),
		MetricsRateSec: d.cfg.System.MetricsRateSec,
		StartTime:      runtime.StartTime(),
	}
	if d.cfg.Device.Firmware != "" {
		sysOpts.Software = map[string]string{"firmware": d.cfg.Device.Firmware}
	}
	if d.cfg.Device.SerialNo != "" {
		sysOpts.Metadata.SerialNo = d.cfg.Device.SerialNo
	}
	if sysOpts.Metadata.Hardware == nil && (d.cfg.Device.Make != "" || d.cfg.Device.Model != "") {
		sysOpts.Metadata.Hardware = &udmi.HardwareInfo{Make: d.cfg.Device.Make, Model: d.cfg.Device.Model}
	}

	ptOpts := pointset.Options{
		Metadata:      d.metadata.Pointset,
		SampleRateSec: d.cfg.Pointset.SampleRateSec,
		Metrics:       d.metrics,
	}

	// A nil *influxdb.Client in an interface is not a nil interface.
	if d.historian != nil {
		sysOpts.Historian = d.historian
		ptOpts.Historian = d.historian
	}

	points := pointset.New(ptOpts)

	pipeline, err := newBlobPipeline(d.cfg.Blob, d.endpoints.Backend(), d.log)
	if err != nil {
		return nil, fmt.Errorf("creating blob pipeline: %w", err)
	}

	managers := []device.Manager{
		system.New(sysOpts),
		points,
		gateway.New(gateway.Options{
			Messenger: d.disp,
			Metadata:  d.metadata.Gateway,
			NewProxy:  proxyConfigLogger(d.log),
		}),
		blobset.New(blobset.Options{
			Pipeline: pipeline,
			Processors: map[string]blob.Processor{
				blobset.KeyEndpointConfig: &blobset.EndpointProcessor{
					Store:     d.endpoints,
					Transport: d.transport,
				},
			},
			Metrics: d.metrics,
		}),
		discovery.New(discovery.Options{
			Enumerator: points,
		}),
	}
	for _, mgr := range managers {
		if err := runtime.AddManager(mgr); err != nil {
			return nil, fmt.Errorf("adding %s manager: %w", mgr.Name(), err)
		}
	}
	return points, nil
}

// proxyConfigLogger records proxy config documents. Deployments that bridge
// a field bus replace it with a handler that drives the proxied device.
func proxyConfigLogger(log *logging.Logger) func(string) gateway.ConfigFunc {
	return func(string) gateway.ConfigFunc {
		return func(_ context.Context, id string, doc udmi.Document) error {
			log.Info("proxy config received", "proxy_id", id, "keys", len(doc))
			return nil
		}
	}
}
