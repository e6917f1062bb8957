package config

import (
	"fmt"
	"math"
	"net"
	"path/filepath"
	"strings"

	"wipetrace/internal/digest"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Fields returns the failing field names in order.
func (e ValidationErrors) Fields() []string {
	out := make([]string, 0, len(e))
	for _, err := range e {
		out = append(out, err.Field)
	}
	return out
}

// ValidateConfig checks every section and returns all problems at once.
func ValidateConfig(c *Config) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors
	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateScan(&c.Scan)...)
	errs = append(errs, validateClassifier(&c.Classifier)...)
	errs = append(errs, validateAggregator(&c.Aggregator)...)
	errs = append(errs, validateScorer(&c.Scorer)...)
	errs = append(errs, validateOutput(&c.Output)...)
	errs = append(errs, validateServer(&c.Server)...)
	errs = append(errs, validateIntake(&c.Intake)...)
	errs = append(errs, validateAzure(&c.Azure)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func rangeCheck(errs *ValidationErrors, field string, v, min, max float64) {
	if math.IsNaN(v) || v < min || v > max {
		*errs = append(*errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("%v is outside [%v, %v]", v, min, max),
		})
	}
}

func validateScan(s *ScanConfig) ValidationErrors {
	var errs ValidationErrors
	if s.BlockSize <= 0 {
		errs = append(errs, ValidationError{Field: "scan.block_size", Message: "must be positive"})
	} else if s.BlockSize > 16<<20 {
		errs = append(errs, ValidationError{Field: "scan.block_size", Message: "must not exceed 16 MiB"})
	}
	if s.Workers < 1 {
		errs = append(errs, ValidationError{Field: "scan.workers", Message: "must be at least 1"})
	}
	if s.Window < 1 {
		errs = append(errs, ValidationError{Field: "scan.window", Message: "must be at least 1"})
	} else if s.Window < s.Workers {
		errs = append(errs, ValidationError{Field: "scan.window", Message: "must be at least the worker count"})
	}
	if s.ProgressEvery < 0 {
		errs = append(errs, ValidationError{Field: "scan.progress_every", Message: "cannot be negative"})
	}
	return errs
}

func validateClassifier(c *ClassifierConfig) ValidationErrors {
	var errs ValidationErrors
	rangeCheck(&errs, "classifier.entropy_threshold", c.EntropyThreshold, 0, 8)
	rangeCheck(&errs, "classifier.flatness_threshold", c.FlatnessThreshold, 0, 1)
	rangeCheck(&errs, "classifier.period_coverage", c.PeriodCoverage, 0, 1)
	rangeCheck(&errs, "classifier.bimodal_coverage", c.BimodalCoverage, 0, 1)
	rangeCheck(&errs, "classifier.bimodal_minor_share", c.BimodalMinorShare, 0, 1)
	rangeCheck(&errs, "classifier.fill_ceiling", c.FillCeiling, 0, 1)
	rangeCheck(&errs, "classifier.max_period", float64(c.MaxPeriod), 1, 4096)
	return errs
}

func validateAggregator(a *AggregatorConfig) ValidationErrors {
	var errs ValidationErrors
	if a.GapTolerance < 0 {
		errs = append(errs, ValidationError{Field: "aggregator.gap_tolerance", Message: "cannot be negative"})
	}
	if a.MinRegionBlocks < 1 {
		errs = append(errs, ValidationError{Field: "aggregator.min_region_blocks", Message: "must be at least 1"})
	}
	return errs
}

func validateScorer(s *ScorerConfig) ValidationErrors {
	var errs ValidationErrors
	rangeCheck(&errs, "scorer.weight_zero", s.WeightZero, 0, 1)
	rangeCheck(&errs, "scorer.weight_ff", s.WeightFF, 0, 1)
	rangeCheck(&errs, "scorer.weight_random", s.WeightRandom, 0, 1)
	rangeCheck(&errs, "scorer.weight_multi", s.WeightMulti, 0, 1)
	rangeCheck(&errs, "scorer.coverage_saturation", s.CoverageSaturation, 0, 1)
	rangeCheck(&errs, "scorer.coherent_bonus", s.CoherentBonus, 0, 1)
	rangeCheck(&errs, "scorer.distinct_bonus", s.DistinctBonus, 0, 1)
	rangeCheck(&errs, "scorer.flatness_margin", s.FlatnessMargin, 0, 1)
	rangeCheck(&errs, "scorer.high_threshold", s.HighThreshold, 0, 1)
	rangeCheck(&errs, "scorer.medium_threshold", s.MediumThreshold, 0, 1)
	if s.SizeCap < 1 {
		errs = append(errs, ValidationError{Field: "scorer.size_cap", Message: "must be at least 1"})
	}
	if s.PassMinBands < 2 {
		errs = append(errs, ValidationError{Field: "scorer.pass_min_bands", Message: "must be at least 2"})
	}
	if s.PassGapBlocks < 0 {
		errs = append(errs, ValidationError{Field: "scorer.pass_gap_blocks", Message: "must not be negative"})
	}
	if s.CoverageSaturation == 0 {
		errs = append(errs, ValidationError{Field: "scorer.coverage_saturation", Message: "must be positive"})
	}
	if s.MediumThreshold > s.HighThreshold {
		errs = append(errs, ValidationError{Field: "scorer.medium_threshold", Message: "must not exceed high_threshold"})
	}
	return errs
}

func validateOutput(o *OutputConfig) ValidationErrors {
	var errs ValidationErrors
	if o.Dir == "" {
		errs = append(errs, ValidationError{Field: "output.dir", Message: "output directory is required"})
	}
	if o.Digest != "none" {
		if _, err := digest.Canonical(o.Digest); err != nil {
			errs = append(errs, ValidationError{
				Field:   "output.digest",
				Message: fmt.Sprintf("%v (valid: %s, none)", err, strings.Join(digest.Algorithms, ", ")),
			})
		}
	}
	return errs
}

func validateServer(s *ServerConfig) ValidationErrors {
	var errs ValidationErrors
	if _, _, err := net.SplitHostPort(s.Listen); err != nil {
		errs = append(errs, ValidationError{Field: "server.listen", Message: fmt.Sprintf("invalid address %q", s.Listen)})
	}
	if s.MaxUploadBytes <= 0 {
		errs = append(errs, ValidationError{Field: "server.max_upload_bytes", Message: "must be positive"})
	}
	if s.UploadDir == "" {
		errs = append(errs, ValidationError{Field: "server.upload_dir", Message: "upload directory is required"})
	}
	if s.MaxConcurrent < 1 {
		errs = append(errs, ValidationError{Field: "server.max_concurrent", Message: "must be at least 1"})
	}
	if s.JobRetentionMinutes < 0 {
		errs = append(errs, ValidationError{Field: "server.job_retention_minutes", Message: "must not be negative"})
	}
	if s.MaxFinishedJobs < 0 {
		errs = append(errs, ValidationError{Field: "server.max_finished_jobs", Message: "must not be negative"})
	}
	return errs
}

func validateIntake(in *IntakeConfig) ValidationErrors {
	var errs ValidationErrors
	for _, p := range in.Patterns {
		if !isValidGlobPattern(p) {
			errs = append(errs, ValidationError{Field: "intake.patterns", Message: fmt.Sprintf("invalid glob pattern %q", p)})
		}
	}
	if in.SettleMs < 100 {
		errs = append(errs, ValidationError{Field: "intake.settle_ms", Message: "must be at least 100"})
	}
	return errs
}

func validateAzure(a *AzureConfig) ValidationErrors {
	var errs ValidationErrors
	if (a.Account == "") != (a.Key == "") {
		errs = append(errs, ValidationError{Field: "azure", Message: "account and key must be set together"})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output includes a file",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{Field: "logging.max_size_mb", Message: "max size must be at least 1 MB"})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{Field: "logging.max_backups", Message: "max backups cannot be negative"})
	}
	return errs
}

func isValidGlobPattern(pattern string) bool {
	if pattern == "" {
		return false
	}
	_, err := filepath.Match(pattern, "")
	return err == nil
}
