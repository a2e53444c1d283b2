package manager

import (
	"context"
	"fmt"
	"sort"

	"github.com/mdalboni/reportportal-manager/internal/metrics"
	"github.com/mdalboni/reportportal-manager/internal/sysinfo"
	"github.com/mdalboni/reportportal-manager/pkg/config"
	"github.com/mdalboni/reportportal-manager/pkg/logging"
	"github.com/mdalboni/reportportal-manager/pkg/models"
	"github.com/mdalboni/reportportal-manager/pkg/rpclient"
	rptls "github.com/mdalboni/reportportal-manager/pkg/tls"
	"github.com/mdalboni/reportportal-manager/pkg/tracing"
)

// Version identifies this agent in launch attributes and traces
var Version = "dev"

// AgentName is reported as the "agent" system attribute
const AgentName = "rpmanager"

// detectHost is replaced in tests
var detectHost = sysinfo.Detect

// FromConfig builds a manager and everything around it: the API client,
// tracing, run metrics and host attributes. Metrics export and tracing
// shutdown are registered to run when the service finishes.
func FromConfig(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = NewLogger(cfg.Log)
	}

	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}

	provider, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    AgentName,
		ServiceVersion: Version,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, err
	}
	client.SetTracer(provider.Tracer())

	recorder := metrics.NewRecorder()
	client.SetObserver(recorder)

	host := detectHost()
	osName := cfg.OS
	if osName == "" {
		osName = host.OSName()
	}

	attrs := ConfigAttributes(cfg.Attributes)
	if cfg.SystemAttributes {
		attrs = append(attrs, host.Attributes(AgentName+"/"+Version)...)
	}

	var onTerminate []TerminateFunc
	if cfg.Metrics.Textfile != "" {
		path := cfg.Metrics.Textfile
		onTerminate = append(onTerminate, func(context.Context) error {
			return recorder.WriteTextfile(path)
		})
	}
	if cfg.Metrics.PushgatewayURL != "" {
		url, job := cfg.Metrics.PushgatewayURL, cfg.Metrics.Job
		onTerminate = append(onTerminate, func(ctx context.Context) error {
			return recorder.Push(ctx, url, job)
		})
	}
	onTerminate = append(onTerminate, provider.Shutdown)

	return New(Options{
		Battery:     cfg.Battery,
		Product:     cfg.Product,
		Version:     cfg.Version,
		Browser:     cfg.Browser,
		OS:          osName,
		LaunchUUID:  cfg.LaunchUUID,
		Mode:        cfg.LaunchMode(),
		Attributes:  attrs,
		Service:     client,
		Logger:      logger.WithField("component", "reportportal"),
		Recorder:    recorder,
		OnTerminate: onTerminate,
	})
}

// NewClient builds the API client described by cfg
func NewClient(cfg *config.Config) (*rpclient.Client, error) {
	var client *rpclient.Client
	if cfg.TLS.IsZero() {
		client = rpclient.NewClient(cfg.Endpoint, cfg.Project, cfg.Token)
	} else {
		tlsConfig, err := rptls.LoadClientTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		client = rpclient.NewClientWithTLS(cfg.Endpoint, cfg.Project, cfg.Token, tlsConfig)
	}
	client.SetTimeout(cfg.Timeout)
	return client, nil
}

// NewLogger builds the process logger from its config
func NewLogger(cfg config.LogConfig) *logging.Logger {
	return logging.NewLogger(logging.ParseLevel(cfg.Level), cfg.Format == "json")
}

// ConfigAttributes turns configured key/value pairs into launch attributes,
// sorted by key so launches are labelled consistently.
func ConfigAttributes(kv map[string]string) []models.Attribute {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]models.Attribute, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, models.Attribute{Key: k, Value: kv[k]})
	}
	return attrs
}
