package notifier

import (
	"time"

	"pagewatch/internal/classify"
)

// Config controls change fan-out.
type Config struct {
	Workers         int
	RatePerSec      int
	DeliveryTimeout time.Duration
	// DiffDocument attaches diff.html to SmallDiff notifications.
	DiffDocument bool
}

const (
	defaultWorkers         = 4
	defaultRatePerSec      = 10
	defaultDeliveryTimeout = 15 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = defaultRatePerSec
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = defaultDeliveryTimeout
	}
	return c
}

// Report summarizes one fan-out.
type Report struct {
	Page         string
	Kind         classify.Kind
	Destinations int
	Delivered    int
	Failures     []*DeliveryError
	Took         time.Duration
}

func (r Report) Failed() int { return len(r.Failures) }
