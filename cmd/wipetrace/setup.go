package main

import (
	"fmt"

	"wipetrace/internal/analysis"
	"wipetrace/internal/config"
	"wipetrace/internal/logging"
	"wipetrace/internal/metrics"
	"wipetrace/internal/report"
	"wipetrace/internal/source"
	"wipetrace/internal/store"
)

// resolveConfigPath returns -config, a config file found in the usual
// places, or the default path.
func (a *app) resolveConfigPath() string {
	if a.configPath != "" {
		return a.configPath
	}
	if p := config.FindConfigFile(); p != "" {
		return p
	}
	return config.ConfigPath()
}

func (a *app) loadConfig() (*config.Config, error) {
	path := a.resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resources are shared by every Service built during a command, including
// the ones rebuilt on config reload.
type resources struct {
	log     *logging.Logger
	audit   *logging.AuditLogger
	store   *store.Store
	metrics *metrics.ScanMetrics
	opener  *source.Opener
}

func (a *app) openResources(cfg *config.Config, component string) (*resources, error) {
	lc := cfg.LoggerConfig()
	lc.Component = component
	log, err := logging.New(lc)
	if err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}
	res := &resources{log: log, metrics: metrics.NewScanMetrics(nil)}

	if cfg.Logging.AuditPath != "" {
		if res.audit, err = logging.NewAuditLogger(cfg.Logging.AuditPath, component); err != nil {
			res.close()
			return nil, err
		}
	}
	if cfg.Store.Path != "" {
		if res.store, err = store.Open(cfg.Store.Path); err != nil {
			res.close()
			return nil, fmt.Errorf("open scan index: %w", err)
		}
	}

	res.opener = &source.Opener{Stdin: a.stdin}
	if cfg.Azure.Enabled() {
		blobs, err := source.NewAzureStore(cfg.Azure.Account, cfg.Azure.Key, cfg.Azure.Endpoint)
		if err != nil {
			res.close()
			return nil, err
		}
		res.opener.Blobs = blobs
	}
	return res, nil
}

func (r *resources) close() {
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.log.Warn("close scan index", "error", err)
		}
	}
	if r.audit != nil {
		r.audit.Close()
	}
	r.log.Close()
}

func newService(cfg *config.Config, res *resources) (*analysis.Service, error) {
	w, err := report.NewWriter(cfg.Output.Dir)
	if err != nil {
		return nil, err
	}
	return analysis.New(analysis.Config{
		Scan:    cfg.ScanOptions(),
		Opener:  res.opener,
		Writer:  w,
		Store:   res.store,
		Metrics: res.metrics,
		Audit:   res.audit,
		Logger:  res.log,
		Digest:  cfg.Output.Digest,
		Trace:   cfg.Output.BlockTrace,
	})
}
