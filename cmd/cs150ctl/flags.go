package main

import "time"

// GlobalFlags Flag structs to decouple cobra from logic for testing.
type GlobalFlags struct {
	ConfigPath  string
	ServerPath  string        // overrides server.path
	LogLevel    string        // overrides log.level
	LogFormat   string        // overrides log.format
	ReadTimeout time.Duration // overrides client.read_timeout when > 0
}

type MeasureFlags struct {
	Integ    string // integration time applied before measuring
	Count    int
	Interval time.Duration
	JSON     bool
}

type WatchFlags struct {
	Integ          string
	Interval       time.Duration
	Count          int    // 0 runs until interrupted
	MetricsListen  string // overrides metrics.listen
	ProcessMetrics bool
	JSON           bool
}
