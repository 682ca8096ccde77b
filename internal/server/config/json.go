package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/wpfleet/mailvault/internal/flagx"
	"github.com/wpfleet/mailvault/internal/timex"
)

// JsonConfig is the on-disk form of Config. Durations accept "24h" or
// integer nanoseconds. Zero values leave the current setting untouched.
// Secrets are deliberately absent.
type JsonConfig struct {
	DatabaseDSN          string         `json:"database_dsn"`
	KDFIterations        int            `json:"kdf_iterations"`
	EmailRetention       timex.Duration `json:"email_retention"`
	PackageTTL           timex.Duration `json:"package_ttl"`
	MaxExportEmails      int            `json:"max_export_emails"`
	StoreTimeout         timex.Duration `json:"store_timeout"`
	AuditRetention       timex.Duration `json:"audit_retention"`
	RecoveryLogRetention timex.Duration `json:"recovery_log_retention"`
	DailySweepSpec       string         `json:"daily_sweep_spec"`
	WeeklySweepSpec      string         `json:"weekly_sweep_spec"`
	DownloadTokenTTL     timex.Duration `json:"download_token_ttl"`
	MetricsAddr          string         `json:"metrics_addr"`
	LogLevel             string         `json:"log_level"`
	LogFormat            string         `json:"log_format"`
	S3Enabled            *bool          `json:"s3_enabled"`
	S3RootUser           string         `json:"s3_root_user"`
	S3RootPassword       string         `json:"s3_root_password"`
	S3Bucket             string         `json:"s3_bucket"`
	S3Region             string         `json:"s3_region"`
	S3BaseEndpoint       string         `json:"s3_base_endpoint"`
}

// parseJson overlays the JSON file given with -c or -config, if any.
func parseJson(config *Config, args []string) error {
	path := flagx.JsonConfigFlag(args)
	if path == "" {
		return nil
	}

	file, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	c.apply(config)
	return nil
}

func (c *JsonConfig) apply(config *Config) {
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setInt(&config.KDFIterations, c.KDFIterations)
	setDuration(&config.EmailRetention, c.EmailRetention)
	setDuration(&config.PackageTTL, c.PackageTTL)
	setInt(&config.MaxExportEmails, c.MaxExportEmails)
	setDuration(&config.StoreTimeout, c.StoreTimeout)
	setDuration(&config.AuditRetention, c.AuditRetention)
	setDuration(&config.RecoveryLogRetention, c.RecoveryLogRetention)
	setString(&config.DailySweepSpec, c.DailySweepSpec)
	setString(&config.WeeklySweepSpec, c.WeeklySweepSpec)
	setDuration(&config.DownloadTokenTTL, c.DownloadTokenTTL)
	setString(&config.MetricsAddr, c.MetricsAddr)
	setString(&config.LogLevel, c.LogLevel)
	setString(&config.LogFormat, c.LogFormat)
	if c.S3Enabled != nil {
		config.S3Enabled = *c.S3Enabled
	}
	setString(&config.S3RootUser, c.S3RootUser)
	setString(&config.S3RootPassword, c.S3RootPassword)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v timex.Duration) {
	if v.Duration != 0 {
		*dst = v.Duration
	}
}
