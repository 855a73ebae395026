// Package config defines configuration for the panoscrape CLI.
//
// Configuration can be provided via, in increasing precedence:
//   - Built-in defaults (Default)
//   - YAML configuration file (LoadFromFile)
//   - Environment variables (PANOSCRAPE_ prefix, LoadFromEnv)
//   - Command-line flags, merged by the CLI
//
// # Example
//
//	base_path: /data/medellin
//	output: s3://panoramas?region=us-east-1
//	window_size: 100
//	pool_size: 10
//	keep_failed_tiles: false
//	retry:
//	  attempts: 3
//	  backoff: 1s
//	layout:
//	  zoom: 5
//	  cols: 26
//	  rows: 13
package config
