// Package progress defines the events emitted by the acquisition pipeline and
// a reporter that renders them for operators.
//
// The core packages never print: they notify an Observer. The Reporter turns
// those notifications into progress bars and log lines; metrics and the
// failure journal are further observers.
//
// # Usage
//
//	reporter := progress.NewReporter(progress.Options{
//	    Bars:   term.IsTerminal(int(os.Stderr.Fd())),
//	    Logger: log,
//	})
//	observer := progress.Multi(reporter, metricsObserver)
//
// # Events
//
//	job_started, tile_started, tile_done, job_done, batch_window_advanced
package progress
