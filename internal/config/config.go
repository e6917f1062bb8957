// Package config handles configuration loading, validation, and management
// for wipetrace.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/shirou/gopsutil/v3/cpu"
	"gopkg.in/yaml.v3"

	"wipetrace/internal/aggregate"
	"wipetrace/internal/classify"
	"wipetrace/internal/logging"
	"wipetrace/internal/scan"
	"wipetrace/internal/score"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete configuration.
type Config struct {
	Version int `toml:"version" json:"version" yaml:"version"`

	Scan       ScanConfig       `toml:"scan" json:"scan" yaml:"scan"`
	Classifier ClassifierConfig `toml:"classifier" json:"classifier" yaml:"classifier"`
	Aggregator AggregatorConfig `toml:"aggregator" json:"aggregator" yaml:"aggregator"`
	Scorer     ScorerConfig     `toml:"scorer" json:"scorer" yaml:"scorer"`
	Output     OutputConfig     `toml:"output" json:"output" yaml:"output"`
	Store      StoreConfig      `toml:"store" json:"store" yaml:"store"`
	Server     ServerConfig     `toml:"server" json:"server" yaml:"server"`
	Intake     IntakeConfig     `toml:"intake" json:"intake" yaml:"intake"`
	Azure      AzureConfig      `toml:"azure" json:"azure" yaml:"azure"`
	Logging    LoggingConfig    `toml:"logging" json:"logging" yaml:"logging"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// ScanConfig controls block reading and parallelism.
type ScanConfig struct {
	BlockSize int `toml:"block_size" json:"block_size" yaml:"block_size"`

	// Workers is the number of classifier goroutines. 1 classifies inline.
	Workers int `toml:"workers" json:"workers" yaml:"workers"`

	// Window bounds the blocks in flight between reader and aggregator.
	Window int `toml:"window" json:"window" yaml:"window"`

	ProgressEvery int `toml:"progress_every" json:"progress_every" yaml:"progress_every"`
}

// ClassifierConfig holds the per-block thresholds.
type ClassifierConfig struct {
	EntropyThreshold  float64 `toml:"entropy_threshold" json:"entropy_threshold" yaml:"entropy_threshold"`
	FlatnessThreshold float64 `toml:"flatness_threshold" json:"flatness_threshold" yaml:"flatness_threshold"`
	MaxPeriod         int     `toml:"max_period" json:"max_period" yaml:"max_period"`
	PeriodCoverage    float64 `toml:"period_coverage" json:"period_coverage" yaml:"period_coverage"`
	BimodalCoverage   float64 `toml:"bimodal_coverage" json:"bimodal_coverage" yaml:"bimodal_coverage"`
	BimodalMinorShare float64 `toml:"bimodal_minor_share" json:"bimodal_minor_share" yaml:"bimodal_minor_share"`
	FillCeiling       float64 `toml:"fill_ceiling" json:"fill_ceiling" yaml:"fill_ceiling"`
}

// AggregatorConfig holds region merge parameters.
type AggregatorConfig struct {
	GapTolerance    int `toml:"gap_tolerance" json:"gap_tolerance" yaml:"gap_tolerance"`
	MinRegionBlocks int `toml:"min_region_blocks" json:"min_region_blocks" yaml:"min_region_blocks"`
}

// ScorerConfig holds weights, caps and bonuses.
type ScorerConfig struct {
	WeightZero         float64 `toml:"weight_zero" json:"weight_zero" yaml:"weight_zero"`
	WeightFF           float64 `toml:"weight_ff" json:"weight_ff" yaml:"weight_ff"`
	WeightRandom       float64 `toml:"weight_random" json:"weight_random" yaml:"weight_random"`
	WeightMulti        float64 `toml:"weight_multi" json:"weight_multi" yaml:"weight_multi"`
	SizeCap            int     `toml:"size_cap" json:"size_cap" yaml:"size_cap"`
	CoverageSaturation float64 `toml:"coverage_saturation" json:"coverage_saturation" yaml:"coverage_saturation"`
	CoherentBonus      float64 `toml:"coherent_bonus" json:"coherent_bonus" yaml:"coherent_bonus"`
	DistinctBonus      float64 `toml:"distinct_bonus" json:"distinct_bonus" yaml:"distinct_bonus"`
	RandomFloorBytes   uint64  `toml:"random_floor_bytes" json:"random_floor_bytes" yaml:"random_floor_bytes"`
	FlatnessMargin     float64 `toml:"flatness_margin" json:"flatness_margin" yaml:"flatness_margin"`
	PassMinBands       int     `toml:"pass_min_bands" json:"pass_min_bands" yaml:"pass_min_bands"`
	PassGapBlocks      int     `toml:"pass_gap_blocks" json:"pass_gap_blocks" yaml:"pass_gap_blocks"`
	HighThreshold      float64 `toml:"high_threshold" json:"high_threshold" yaml:"high_threshold"`
	MediumThreshold    float64 `toml:"medium_threshold" json:"medium_threshold" yaml:"medium_threshold"`
}

// OutputConfig controls where results go.
type OutputConfig struct {
	Dir string `toml:"dir" json:"dir" yaml:"dir"`

	// BlockTrace writes analysis_<sid>.blocks.ndjson.zst beside each result.
	BlockTrace bool `toml:"block_trace" json:"block_trace" yaml:"block_trace"`

	// Digest is sha256, blake2b-256, sha3-256, or "none".
	Digest string `toml:"digest" json:"digest" yaml:"digest"`
}

// StoreConfig holds the scan index location. An empty path disables it.
type StoreConfig struct {
	Path string `toml:"path" json:"path" yaml:"path"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Listen         string `toml:"listen" json:"listen" yaml:"listen"`
	MaxUploadBytes int64  `toml:"max_upload_bytes" json:"max_upload_bytes" yaml:"max_upload_bytes"`
	UploadDir      string `toml:"upload_dir" json:"upload_dir" yaml:"upload_dir"`
	MaxConcurrent  int    `toml:"max_concurrent" json:"max_concurrent" yaml:"max_concurrent"`

	// MinFreeBytes marks the server degraded when the upload volume runs low.
	MinFreeBytes uint64 `toml:"min_free_bytes" json:"min_free_bytes" yaml:"min_free_bytes"`

	// Finished job statuses are kept this long, and at most MaxFinishedJobs of them.
	JobRetentionMinutes int `toml:"job_retention_minutes" json:"job_retention_minutes" yaml:"job_retention_minutes"`
	MaxFinishedJobs     int `toml:"max_finished_jobs" json:"max_finished_jobs" yaml:"max_finished_jobs"`
}

// IntakeConfig holds drop-directory settings.
type IntakeConfig struct {
	Dirs     []string `toml:"dirs" json:"dirs" yaml:"dirs"`
	Patterns []string `toml:"patterns" json:"patterns" yaml:"patterns"`

	// SettleMs is how long a file must stay unchanged before it is scanned.
	SettleMs int `toml:"settle_ms" json:"settle_ms" yaml:"settle_ms"`
}

// AzureConfig holds Blob Storage credentials for azblob:// sources.
type AzureConfig struct {
	Account  string `toml:"account" json:"account" yaml:"account"`
	Key      string `toml:"key" json:"key" yaml:"key"`
	Endpoint string `toml:"endpoint" json:"endpoint" yaml:"endpoint"`
}

// Enabled reports whether credentials are present.
func (a AzureConfig) Enabled() bool {
	return a.Account != "" && a.Key != ""
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `toml:"level" json:"level" yaml:"level"`
	Format     string `toml:"format" json:"format" yaml:"format"`
	Output     string `toml:"output" json:"output" yaml:"output"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`

	// AuditPath is the custody trail. Empty disables it.
	AuditPath string `toml:"audit_path" json:"audit_path" yaml:"audit_path"`
}

// DefaultWorkers returns the logical CPU count, or 1 if it is unknown.
func DefaultWorkers() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// DefaultConfig returns a configuration with all defaults.
func DefaultConfig() *Config {
	dir := WipetraceDir()
	th := classify.DefaultThresholds()
	ag := aggregate.DefaultParams()
	sc := score.DefaultParams()

	return &Config{
		Version: Version,
		Scan: ScanConfig{
			BlockSize:     4096,
			Workers:       DefaultWorkers(),
			Window:        256,
			ProgressEvery: 1000,
		},
		Classifier: ClassifierConfig{
			EntropyThreshold:  th.Entropy,
			FlatnessThreshold: th.Flatness,
			MaxPeriod:         th.MaxPeriod,
			PeriodCoverage:    th.PeriodCoverage,
			BimodalCoverage:   th.BimodalCoverage,
			BimodalMinorShare: th.BimodalMinorShare,
			FillCeiling:       th.FillCeiling,
		},
		Aggregator: AggregatorConfig{
			GapTolerance:    ag.GapTolerance,
			MinRegionBlocks: ag.MinRegionBlocks,
		},
		Scorer: ScorerConfig{
			WeightZero:         sc.WeightZero,
			WeightFF:           sc.WeightFF,
			WeightRandom:       sc.WeightRandom,
			WeightMulti:        sc.WeightMulti,
			SizeCap:            sc.SizeCap,
			CoverageSaturation: sc.CoverageSaturation,
			CoherentBonus:      sc.CoherentBonus,
			DistinctBonus:      sc.DistinctBonus,
			RandomFloorBytes:   sc.RandomFloorBytes,
			FlatnessMargin:     sc.FlatnessMargin,
			PassMinBands:       sc.PassMinBands,
			PassGapBlocks:      sc.PassGapBlocks,
			HighThreshold:      sc.HighThreshold,
			MediumThreshold:    sc.MediumThreshold,
		},
		Output: OutputConfig{
			Dir:    filepath.Join(dir, "results"),
			Digest: "sha256",
		},
		Store: StoreConfig{
			Path: filepath.Join(dir, "index.db"),
		},
		Server: ServerConfig{
			Listen:         "127.0.0.1:8080",
			MaxUploadBytes: 50 << 30,
			UploadDir:      filepath.Join(dir, "uploads"),
			MaxConcurrent:  2,
			MinFreeBytes:   1 << 30,

			JobRetentionMinutes: 60,
			MaxFinishedJobs:     1000,
		},
		Intake: IntakeConfig{
			Patterns: []string{"*.img", "*.dd", "*.raw", "*.bin", "*.iso"},
			SettleMs: 2000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "wipetrace.log"),
			MaxSizeMB:  50,
			MaxBackups: 5,
			Compress:   true,
			AuditPath:  filepath.Join(PlatformLogDir(), "audit.log"),
		},
	}
}

// ConfigPath returns the default config file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// WipetraceDir returns the base data directory. WIPETRACE_DIR overrides the
// platform default.
func WipetraceDir() string {
	if envDir := os.Getenv("WIPETRACE_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// Load reads path over the defaults and applies environment overrides.
// A missing file yields the defaults. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := decode(path, data, cfg); err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := decodeJSON(data, cfg); err != nil {
			return fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := decodeYAML(data, cfg); err != nil {
			return fmt.Errorf("decode YAML: %w", err)
		}
	default:
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return fmt.Errorf("decode TOML: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("decode TOML: unknown key %s", undecoded[0])
		}
	}
	return nil
}

func decodeJSON(data []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

// Save writes cfg as TOML, creating the parent directory.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	var buf bytes.Buffer
	cfg.mu.RLock()
	err := toml.NewEncoder(&buf).Encode(cfg)
	cfg.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode TOML: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the output, store, upload and log directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Output.Dir, c.Server.UploadDir}
	if c.Store.Path != "" {
		dirs = append(dirs, filepath.Dir(c.Store.Path))
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies WIPETRACE_* environment variables.
// Unparseable numeric values are ignored and caught by validation of the
// remaining value.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	envInt := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envString := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	envInt("WIPETRACE_BLOCK_SIZE", &c.Scan.BlockSize)
	envInt("WIPETRACE_WORKERS", &c.Scan.Workers)
	envInt("WIPETRACE_WINDOW", &c.Scan.Window)
	envString("WIPETRACE_OUTPUT_DIR", &c.Output.Dir)
	envString("WIPETRACE_DIGEST", &c.Output.Digest)
	envString("WIPETRACE_STORE_PATH", &c.Store.Path)
	envString("WIPETRACE_LISTEN", &c.Server.Listen)
	envString("WIPETRACE_UPLOAD_DIR", &c.Server.UploadDir)
	envString("WIPETRACE_LOG_LEVEL", &c.Logging.Level)
	envString("WIPETRACE_LOG_FORMAT", &c.Logging.Format)
	envString("WIPETRACE_LOG_PATH", &c.Logging.FilePath)

	// Credentials are kept out of config files where possible.
	envString("WIPETRACE_AZURE_ACCOUNT", &c.Azure.Account)
	envString("WIPETRACE_AZURE_KEY", &c.Azure.Key)
	envString("WIPETRACE_AZURE_ENDPOINT", &c.Azure.Endpoint)

	if v := os.Getenv("WIPETRACE_BLOCK_TRACE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Output.BlockTrace = b
		}
	}
	if v := os.Getenv("WIPETRACE_INTAKE_DIRS"); v != "" {
		c.Intake.Dirs = filepath.SplitList(v)
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:    c.Version,
		Scan:       c.Scan,
		Classifier: c.Classifier,
		Aggregator: c.Aggregator,
		Scorer:     c.Scorer,
		Output:     c.Output,
		Store:      c.Store,
		Server:     c.Server,
		Intake:     c.Intake,
		Azure:      c.Azure,
		Logging:    c.Logging,
	}
	clone.Intake.Dirs = append([]string(nil), c.Intake.Dirs...)
	clone.Intake.Patterns = append([]string(nil), c.Intake.Patterns...)
	return clone
}

// ScanOptions converts the scan, classifier, aggregator and scorer sections
// into pipeline options.
func (c *Config) ScanOptions() scan.Options {
	c.mu.RLock()
	defer c.mu.RUnlock()

	opts := scan.DefaultOptions()
	opts.BlockSize = c.Scan.BlockSize
	opts.Workers = c.Scan.Workers
	opts.Window = c.Scan.Window
	opts.ProgressEvery = c.Scan.ProgressEvery
	opts.Classifier = classify.Thresholds{
		Entropy:           c.Classifier.EntropyThreshold,
		Flatness:          c.Classifier.FlatnessThreshold,
		MaxPeriod:         c.Classifier.MaxPeriod,
		PeriodCoverage:    c.Classifier.PeriodCoverage,
		BimodalCoverage:   c.Classifier.BimodalCoverage,
		BimodalMinorShare: c.Classifier.BimodalMinorShare,
		FillCeiling:       c.Classifier.FillCeiling,
	}
	opts.Aggregator = aggregate.Params{
		GapTolerance:    c.Aggregator.GapTolerance,
		MinRegionBlocks: c.Aggregator.MinRegionBlocks,
	}
	opts.Scorer = score.Params{
		WeightZero:         c.Scorer.WeightZero,
		WeightFF:           c.Scorer.WeightFF,
		WeightRandom:       c.Scorer.WeightRandom,
		WeightMulti:        c.Scorer.WeightMulti,
		SizeCap:            c.Scorer.SizeCap,
		CoverageSaturation: c.Scorer.CoverageSaturation,
		CoherentBonus:      c.Scorer.CoherentBonus,
		DistinctBonus:      c.Scorer.DistinctBonus,
		RandomFloorBytes:   c.Scorer.RandomFloorBytes,
		FlatnessThreshold:  c.Classifier.FlatnessThreshold,
		FlatnessMargin:     c.Scorer.FlatnessMargin,
		PassMinBands:       c.Scorer.PassMinBands,
		PassGapBlocks:      c.Scorer.PassGapBlocks,
		HighThreshold:      c.Scorer.HighThreshold,
		MediumThreshold:    c.Scorer.MediumThreshold,
	}
	return opts
}

// LoggerConfig converts the logging section.
func (c *Config) LoggerConfig() *logging.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	lc := logging.DefaultConfig()
	lc.Level, _ = logging.ParseLevel(c.Logging.Level)
	lc.Format, _ = logging.ParseFormat(c.Logging.Format)
	lc.Output = c.Logging.Output
	lc.FilePath = c.Logging.FilePath
	lc.MaxSize = int64(c.Logging.MaxSizeMB)
	lc.MaxBackups = c.Logging.MaxBackups
	lc.Compress = c.Logging.Compress
	return lc
}
