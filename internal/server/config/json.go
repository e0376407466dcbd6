package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/filekeeper/internal/flagx"
	"github.com/dmitrijs2005/filekeeper/internal/timex"
)

// JsonConfig defines a configuration structure tailored for JSON unmarshalling.
// It uses timex.Duration for interval fields, which allows parsing both
// string values such as "15m" and integer nanoseconds.
//
// This struct is an intermediate DTO used only for reading JSON configuration
// files. After unmarshalling, its fields are copied into the runtime Config
// struct which uses time.Duration.
type JsonConfig struct {
	EndpointAddrHTTP      string         `json:"endpoint_addr_http"`
	DatabaseKind          string         `json:"database_kind"`
	DatabaseDSN           string         `json:"database_dsn"`
	LockoutThreshold      int64          `json:"lockout_threshold"`
	LockoutWindow         timex.Duration `json:"lockout_window"`
	TokenValidityDuration timex.Duration `json:"token_validity_duration"`
	StorageKind           string         `json:"storage_kind"`
	StorageDir            string         `json:"storage_dir"`
	S3Bucket              string         `json:"s3_bucket"`
	S3BaseEndpoint        string         `json:"s3_base_endpoint"`
	AWSRegion             string         `json:"aws_region"`
	AWSAccessKeyID        string         `json:"aws_access_key_id"`
	AWSSecretKey          string         `json:"aws_secret_key"`
	DynamoEndpoint        string         `json:"dynamo_endpoint"`
	DynamoTablePrefix     string         `json:"dynamo_table_prefix"`
}

// parseJson loads configuration values from a JSON file into the provided
// Config instance.
//
// The file path comes from the -c or -config command-line flags; when neither
// is set, no JSON file is loaded. If the file cannot be read or contains
// invalid JSON, the function panics.
func parseJson(config *Config) {

	// try flags
	jsonConfigFile := flagx.JsonConfigFlags()

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	err = json.Unmarshal(file, c)
	if err != nil {
		panic(err)
	}

	config.EndpointAddrHTTP = c.EndpointAddrHTTP
	config.DatabaseKind = c.DatabaseKind
	config.DatabaseDSN = c.DatabaseDSN
	config.LockoutThreshold = c.LockoutThreshold
	config.LockoutWindow = time.Duration(c.LockoutWindow.Duration)
	config.TokenValidityDuration = time.Duration(c.TokenValidityDuration.Duration)
	config.StorageKind = c.StorageKind
	config.StorageDir = c.StorageDir
	config.S3Bucket = c.S3Bucket
	config.S3BaseEndpoint = c.S3BaseEndpoint
	config.AWSRegion = c.AWSRegion
	config.AWSAccessKeyID = c.AWSAccessKeyID
	config.AWSSecretKey = c.AWSSecretKey
	config.DynamoEndpoint = c.DynamoEndpoint
	config.DynamoTablePrefix = c.DynamoTablePrefix
}
