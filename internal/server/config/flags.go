package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/filekeeper/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   HTTP bind address (e.g., ":8080")
//	-k string   database kind ("memory", "sqlite", "postgres", "dynamo")
//	-d string   database DSN
//	-l int      lockout threshold, failed attempts
//	-w int      lockout window, minutes
//	-t int      access token validity, minutes
//	-s string   blob storage kind ("local", "s3")
//	-o string   local blob storage directory
//	-b string   S3 bucket name
//	-e string   S3 base endpoint (e.g., "http://127.0.0.1:9000/")
//	-g string   AWS region
//	-u string   AWS access key id
//	-p string   AWS secret key
//	-y string   DynamoDB endpoint
//	-x string   DynamoDB table prefix
//
// Notes:
//   - The function first filters os.Args to only the flags it recognizes using
//     flagx.FilterArgs, avoiding collisions with other components.
//   - Duration flags are accepted as integers in minutes and then converted
//     to time.Duration values.
func parseFlags(config *Config) {
	// Filter args to include only the flags handled here.
	args := flagx.FilterArgs(os.Args[1:],
		[]string{"-a", "-k", "-d", "-l", "-w", "-t", "-s", "-o", "-b", "-e", "-g", "-u", "-p", "-y", "-x"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddrHTTP, "a", config.EndpointAddrHTTP, "address and port to run server")
	fs.StringVar(&config.DatabaseKind, "k", config.DatabaseKind, "database kind")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")

	lockoutThreshold := fs.Int64("l", config.LockoutThreshold, "lockout threshold (failed attempts)")
	lockoutWindow := fs.Int("w", int(config.LockoutWindow.Minutes()), "lockout window (in minutes)")
	tokenValidityDuration := fs.Int("t", int(config.TokenValidityDuration.Minutes()), "token_validity_duration (in minutes)")

	fs.StringVar(&config.StorageKind, "s", config.StorageKind, "blob storage kind")
	fs.StringVar(&config.StorageDir, "o", config.StorageDir, "local blob storage directory")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 bucket")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")
	fs.StringVar(&config.AWSRegion, "g", config.AWSRegion, "AWS region")
	fs.StringVar(&config.AWSAccessKeyID, "u", config.AWSAccessKeyID, "AWS access key id")
	fs.StringVar(&config.AWSSecretKey, "p", config.AWSSecretKey, "AWS secret key")
	fs.StringVar(&config.DynamoEndpoint, "y", config.DynamoEndpoint, "DynamoDB endpoint")
	fs.StringVar(&config.DynamoTablePrefix, "x", config.DynamoTablePrefix, "DynamoDB table prefix")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.LockoutThreshold = *lockoutThreshold
	config.LockoutWindow = time.Duration(*lockoutWindow) * time.Minute
	config.TokenValidityDuration = time.Duration(*tokenValidityDuration) * time.Minute
}
