package crawler

import "time"

// Scheduling defaults.
const (
	DefaultThreads          = 25
	DefaultGroupParallelism = 1
	DefaultGroupBufferSize  = 25
	DefaultThrottle         = 200 * time.Millisecond
)

// Config holds the scheduling knobs of a crawl. It is decoupled from Viper so
// the engine can be configured and tested independently.
type Config struct {
	// Threads bounds the number of jobs processed at once across all groups.
	Threads int
	// GroupParallelism bounds concurrent jobs per host group.
	GroupParallelism int
	// GroupBufferSize caps jobs buffered per host group before the
	// dispatcher stops pulling from the queue.
	GroupBufferSize int
	// Throttle is the minimum delay between two dispatch starts in the same
	// host group.
	Throttle time.Duration
}

// DefaultConfig returns the default scheduling configuration.
func DefaultConfig() Config {
	return Config{
		Threads:          DefaultThreads,
		GroupParallelism: DefaultGroupParallelism,
		GroupBufferSize:  DefaultGroupBufferSize,
		Throttle:         DefaultThrottle,
	}
}

// WithDefaults fills zero values with defaults. Throttle is left as is:
// zero disables it.
func (c Config) WithDefaults() Config {
	if c.Threads == 0 {
		c.Threads = DefaultThreads
	}
	if c.GroupParallelism == 0 {
		c.GroupParallelism = DefaultGroupParallelism
	}
	if c.GroupBufferSize == 0 {
		c.GroupBufferSize = DefaultGroupBufferSize
	}
	return c
}

// Validate checks for obviously bad configuration combinations.
func (c Config) Validate() error {
	if c.Threads <= 0 {
		return configErrorf("threads must be > 0")
	}
	if c.GroupParallelism <= 0 {
		return configErrorf("group parallelism must be > 0")
	}
	if c.GroupBufferSize <= 0 {
		return configErrorf("group buffer size must be > 0")
	}
	if c.Throttle < 0 {
		return configErrorf("throttle must be >= 0")
	}
	return nil
}
