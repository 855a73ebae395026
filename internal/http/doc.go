// Package http provides the HTTP client used to fetch panorama tiles.
//
// This package handles:
//   - A shared admission limit on in-flight requests (the connection pool)
//   - Upgrading http:// tile URLs to https://
//   - Retry with a fixed delay between attempts
//
// # Usage
//
//	client := http.NewClient(Options{
//	    PoolSize:      10,
//	    Timeout:       30 * time.Second,
//	    RetryAttempts: 3,
//	    RetryBackoff:  time.Second,
//	})
//
//	data, attempts, err := client.GetBytes(ctx, url)
//
// One client is meant to be shared by every fetch in the process: the pool
// limit is a ceiling for the whole process, not per caller.
package http
