// Package config handles configuration for the server component,
// including defaults, JSON overlay, and command-line flags.
package config

import "time"

// Config holds runtime settings for the FileKeeper server.
//
// Fields:
//   - EndpointAddrHTTP: bind address for the public HTTP endpoint.
//   - DatabaseKind: persistence backend ("memory", "sqlite", "postgres", "dynamo").
//   - DatabaseDSN: backend DSN (sqlite file path or pgx DSN).
//   - LockoutThreshold / LockoutWindow: failed-login policy.
//   - TokenValidityDuration: access token lifetime.
//   - StorageKind: blob storage backend ("local", "s3").
//   - StorageDir: directory for the local blob backend.
//   - S3Bucket / S3BaseEndpoint: object storage settings.
//   - AWSRegion / AWSAccessKeyID / AWSSecretKey: shared AWS credentials for
//     the S3 and DynamoDB backends. Do not use test defaults in prod.
//   - DynamoEndpoint / DynamoTablePrefix: DynamoDB backend settings.
type Config struct {
	EndpointAddrHTTP      string
	DatabaseKind          string
	DatabaseDSN           string
	LockoutThreshold      int64
	LockoutWindow         time.Duration
	TokenValidityDuration time.Duration
	StorageKind           string
	StorageDir            string
	S3Bucket              string
	S3BaseEndpoint        string
	AWSRegion             string
	AWSAccessKeyID        string
	AWSSecretKey          string
	DynamoEndpoint        string
	DynamoTablePrefix     string
}

// LoadDefaults populates Config with sensible development defaults.
// NOTE: These values are insecure for production and should be overridden.
func (c *Config) LoadDefaults() {
	c.EndpointAddrHTTP = ":8080"
	c.DatabaseKind = "sqlite"
	c.DatabaseDSN = "filekeeper.db"
	c.LockoutThreshold = 5
	c.LockoutWindow = 15 * time.Minute
	c.TokenValidityDuration = 30 * time.Minute
	c.StorageKind = "local"
	c.StorageDir = "files"
	c.S3Bucket = "filekeeper"
	c.S3BaseEndpoint = "http://127.0.0.1:9000/"
	c.AWSRegion = "us-east-1"
	c.AWSAccessKeyID = "admin"
	c.AWSSecretKey = "secretpassword"
	c.DynamoEndpoint = ""
	c.DynamoTablePrefix = "filekeeper_"
}

// LoadConfig builds a Config by applying defaults, then overlaying values
// from an optional JSON file and finally from command-line flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
