// Package config reads the run's date range from the environment and
// validates the fetch options.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"matomo-requests-tool/internal/logsquery"
	"matomo-requests-tool/internal/output"
	"matomo-requests-tool/internal/window"
)

// Environment variable names.
const (
	StartDateVar = "START_DATE"
	NumDaysVar   = "NUM_OF_DAYS"
)

// StartDateFormat is how START_DATE is documented to users.
const StartDateFormat = "%Y-%m-%dT%H:%M:%S%z"

// Accepted START_DATE layouts: numeric offset with or without a colon, or Z.
var startDateLayouts = []string{
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05Z07:00",
}

// MissingError reports an unset environment variable.
type MissingError struct {
	Name string
}

func (e *MissingError) Error() string {
	return e.Name + " environment variable is not set."
}

// FormatError reports an environment variable with an unusable value.
type FormatError struct {
	Name  string
	Value string
	Msg   string
}

func (e *FormatError) Error() string {
	return e.Name + " " + e.Msg
}

// Env holds what the environment contributes to a run.
type Env struct {
	Start time.Time
	Days  int
}

// Range is the span the run covers.
func (e Env) Range() window.Range { return window.NewRange(e.Start, e.Days) }

// LookupFunc matches os.LookupEnv.
type LookupFunc func(string) (string, bool)

// LoadDotEnv loads path into the process environment. Variables already set
// win over the file.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// FromEnv reads START_DATE and NUM_OF_DAYS. Both are checked for presence
// before either is parsed.
func FromEnv(lookup LookupFunc) (Env, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	rawStart, ok := lookup(StartDateVar)
	if !ok {
		return Env{}, &MissingError{Name: StartDateVar}
	}
	rawDays, ok := lookup(NumDaysVar)
	if !ok {
		return Env{}, &MissingError{Name: NumDaysVar}
	}

	start, err := ParseStartDate(rawStart)
	if err != nil {
		return Env{}, err
	}
	days, err := ParseNumDays(rawDays)
	if err != nil {
		return Env{}, err
	}
	return Env{Start: start, Days: days}, nil
}

// ParseStartDate parses a START_DATE value.
func ParseStartDate(s string) (time.Time, error) {
	for _, layout := range startDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &FormatError{
		Name:  StartDateVar,
		Value: s,
		Msg:   "has an invalid date and time format. It should be in " + StartDateFormat,
	}
}

// ParseNumDays parses a NUM_OF_DAYS value. Only positive integers are usable.
func ParseNumDays(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, &FormatError{Name: NumDaysVar, Value: s, Msg: "has an invalid format. It should be in integers only"}
	}
	if n < 1 {
		return 0, &FormatError{Name: NumDaysVar, Value: s, Msg: "must be a positive integer"}
	}
	return n, nil
}

// Options are the fetch settings that come from flags.
type Options struct {
	OutputDir    string
	Window       time.Duration
	PollInterval time.Duration
	QueryTimeout time.Duration
	SplitFactor  int
	Query        logsquery.Query
	Compression  string
	LedgerPath   string
	DryRun       bool
}

// DefaultOptions mirror the stock Matomo export.
func DefaultOptions() Options {
	return Options{
		OutputDir:    ".",
		Window:       window.DefaultSize,
		PollInterval: logsquery.DefaultPollInterval,
		Query:        logsquery.DefaultQuery(),
	}
}

// Validate reports the first unusable option.
func (o Options) Validate() error {
	if o.Window < window.Resolution {
		return fmt.Errorf("window must be at least %s, got %s", window.Resolution, o.Window)
	}
	if o.Window%window.Resolution != 0 {
		return fmt.Errorf("window must be a whole number of seconds, got %s", o.Window)
	}
	if o.PollInterval < 0 {
		return fmt.Errorf("poll interval must not be negative, got %s", o.PollInterval)
	}
	if o.QueryTimeout < 0 {
		return fmt.Errorf("query timeout must not be negative, got %s", o.QueryTimeout)
	}
	if o.SplitFactor < 0 || o.SplitFactor == 1 {
		return fmt.Errorf("split factor must be 0 (off) or at least 2, got %d", o.SplitFactor)
	}
	if o.Query.LogGroup == "" {
		return fmt.Errorf("log group is required")
	}
	if o.Query.Filter == "" {
		return fmt.Errorf("query is required")
	}
	if o.Query.MessageField == "" {
		return fmt.Errorf("message field is required")
	}
	if o.Query.Limit < 1 || o.Query.Limit > logsquery.MaxLimit {
		return fmt.Errorf("limit must be between 1 and %d, got %d", logsquery.MaxLimit, o.Query.Limit)
	}
	if o.Compression != "" && !output.ValidCompression(o.Compression) {
		return fmt.Errorf("unsupported compression type: %s. Use one of %v", o.Compression, output.Compressions)
	}
	return nil
}
