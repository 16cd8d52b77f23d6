package forest

import (
	"time"

	"golang.org/x/text/language"

	"driveforest/internal/analyze"
)

// ExcludeFunc reports whether the object at rel (slash separated, relative
// to the drive root) must not be mirrored.
type ExcludeFunc func(drive, rel string, isDir bool) bool

// Config tunes reconciliation. Zero values are replaced by defaults.
type Config struct {
	Debounce            time.Duration
	TornRetryLimit      int
	ProbeConcurrency    int
	StatConcurrency     int
	HashConcurrency     int
	IdentifyConcurrency int
	MaxHashFailures     int
	MaxIdentifyFailures int

	// IdentifyClasses lists top-level MIME types submitted for
	// identification once hashed. Nil means none.
	IdentifyClasses []string

	Hasher     analyze.Hasher
	Identifier analyze.Identifier
	Exclude    ExcludeFunc
	Locale     language.Tag
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Debounce:            500 * time.Millisecond,
		TornRetryLimit:      3,
		ProbeConcurrency:    4,
		StatConcurrency:     8,
		HashConcurrency:     2,
		IdentifyConcurrency: 1,
		MaxHashFailures:     3,
		MaxIdentifyFailures: 3,
		IdentifyClasses:     []string{"image", "video", "audio"},
		Hasher:              analyze.SHA256Hasher{},
		Identifier:          analyze.SniffIdentifier{},
		Locale:              language.Und,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Debounce < 0 {
		c.Debounce = 0
	} else if c.Debounce == 0 {
		c.Debounce = d.Debounce
	}
	if c.TornRetryLimit <= 0 {
		c.TornRetryLimit = d.TornRetryLimit
	}
	if c.ProbeConcurrency <= 0 {
		c.ProbeConcurrency = d.ProbeConcurrency
	}
	if c.StatConcurrency <= 0 {
		c.StatConcurrency = d.StatConcurrency
	}
	if c.HashConcurrency <= 0 {
		c.HashConcurrency = d.HashConcurrency
	}
	if c.IdentifyConcurrency <= 0 {
		c.IdentifyConcurrency = d.IdentifyConcurrency
	}
	if c.MaxHashFailures <= 0 {
		c.MaxHashFailures = d.MaxHashFailures
	}
	if c.MaxIdentifyFailures <= 0 {
		c.MaxIdentifyFailures = d.MaxIdentifyFailures
	}
	if c.Hasher == nil {
		c.Hasher = d.Hasher
	}
	if c.Identifier == nil {
		c.Identifier = d.Identifier
	}
	return c
}
