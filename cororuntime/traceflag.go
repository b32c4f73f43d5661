package cororuntime

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// A TraceFlag turns on a class of debug-level trace records.
type TraceFlag struct {
	enabled bool
}

func (t *TraceFlag) Enabled() bool {
	return t.enabled
}

// traceFlags holds one scheduler's trace settings.
type traceFlags struct {
	Switch TraceFlag
	Timer  TraceFlag
}

func (f *traceFlags) byName() map[string]*TraceFlag {
	return map[string]*TraceFlag{
		"switch": &f.Switch,
		"timer":  &f.Timer,
	}
}

func (f *traceFlags) known() string {
	return strings.Join(slices.Sorted(maps.Keys(f.byName())), ",")
}

// parse enables the flags named in the comma-separated config and disables
// all others.
func (f *traceFlags) parse(config string) error {
	flags := f.byName()
	for _, existing := range flags {
		existing.enabled = false
	}

	for _, name := range strings.Split(config, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		flag, ok := flags[name]
		if !ok {
			return fmt.Errorf("unknown traceflag %q (known %s)", name, f.known())
		}
		flag.enabled = true
	}

	return nil
}
