package strategy

import "time"

// HourRange is an inclusive range of hours of the day.
type HourRange struct {
	From int `yaml:"from" mapstructure:"from" json:"from"`
	To   int `yaml:"to" mapstructure:"to" json:"to"`
}

// Contains reports whether hour lies in the range.
func (r HourRange) Contains(hour int) bool {
	if r.From <= r.To {
		return hour >= r.From && hour <= r.To
	}
	return hour >= r.From || hour <= r.To
}

// Config tunes both strategies.
type Config struct {
	// Sequential.
	MaxRetry             int
	DefaultDelay         time.Duration
	MaxDelay             time.Duration
	AccountChangeDelay   time.Duration
	BatchSaveSize        int
	BatchSaveInterval    time.Duration
	MaxConsecutiveErrors int

	// Distributed.
	AccountsPerGroup      int
	MaxParallelPerGroup   int
	MaxExtractionBatch    int
	PairFailureThreshold  int
	GroupRotationInterval time.Duration
	ReactivationTimeout   time.Duration
	MonitorInterval       time.Duration
	MinDelay              time.Duration
	MaxAdaptiveDelay      time.Duration
	AdaptiveDelays        bool
	PeakHours             HourRange
	OffPeakHours          HourRange

	ProgressInterval time.Duration
}

// DefaultConfig returns the reference tuning.
func DefaultConfig() Config {
	return Config{
		MaxRetry:             5,
		DefaultDelay:         20 * time.Second,
		MaxDelay:             300 * time.Second,
		AccountChangeDelay:   60 * time.Second,
		BatchSaveSize:        10,
		BatchSaveInterval:    60 * time.Second,
		MaxConsecutiveErrors: 5,

		AccountsPerGroup:      10,
		MaxParallelPerGroup:   2,
		MaxExtractionBatch:    100,
		PairFailureThreshold:  5,
		GroupRotationInterval: 10 * time.Minute,
		ReactivationTimeout:   30 * time.Minute,
		MonitorInterval:       60 * time.Second,
		MinDelay:              12 * time.Second,
		MaxAdaptiveDelay:      30 * time.Second,
		AdaptiveDelays:        true,
		PeakHours:             HourRange{From: 17, To: 23},
		OffPeakHours:          HourRange{From: 0, To: 4},

		ProgressInterval: 2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetry < 0 {
		c.MaxRetry = 0
	}
	if c.BatchSaveSize <= 0 {
		c.BatchSaveSize = d.BatchSaveSize
	}
	if c.BatchSaveInterval <= 0 {
		c.BatchSaveInterval = d.BatchSaveInterval
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = d.MaxConsecutiveErrors
	}
	if c.AccountsPerGroup <= 0 {
		c.AccountsPerGroup = d.AccountsPerGroup
	}
	if c.MaxParallelPerGroup <= 0 {
		c.MaxParallelPerGroup = d.MaxParallelPerGroup
	}
	if c.MaxExtractionBatch <= 0 {
		c.MaxExtractionBatch = d.MaxExtractionBatch
	}
	if c.PairFailureThreshold <= 0 {
		c.PairFailureThreshold = d.PairFailureThreshold
	}
	if c.GroupRotationInterval <= 0 {
		c.GroupRotationInterval = d.GroupRotationInterval
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = d.MonitorInterval
	}
	if c.MaxAdaptiveDelay < c.MinDelay {
		c.MaxAdaptiveDelay = c.MinDelay
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = d.ProgressInterval
	}
	return c
}
