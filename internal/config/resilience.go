package config

import (
	"time"

	"gilfond_flats/internal/retry"
)

// ResilienceConfig holds retry policies for the collaborators a run talks to.
// A failed run itself is never retried in-process.
type ResilienceConfig struct {
	BrowserLaunch retry.Config
	Notification  retry.Config
	SheetAppend   retry.Config
}

var DefaultResilienceConfig = ResilienceConfig{
	BrowserLaunch: retry.Config{
		MaxRetries: 2,
		BaseDelay:  2 * time.Second,
		MaxDelay:   10 * time.Second,
		Timeout:    60 * time.Second,
	},
	Notification: retry.Config{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   15 * time.Second,
		Timeout:    10 * time.Second,
	},
	SheetAppend: retry.Config{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   30 * time.Second,
		Timeout:    15 * time.Second,
	},
}
