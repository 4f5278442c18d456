package logging

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
)

const envVar = "DEWARP_LOG"

// Parsed "tag=level" directives plus the default level for untagged loggers.
type directives struct {
	defaultLevel Level
	tags         map[string]Level
}

var current atomic.Pointer[directives]

func init() {
	current.Store(&directives{defaultLevel: Info})

	if err := Configure(os.Getenv(envVar)); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid %s: %s\n", envVar, err)
	}
}

// Configure applies comma-separated "tag=level" directives. A directive without
// "tag=" sets the default level. Directives are merged into the current set, so
// a command line flag can refine what the environment specified.
func Configure(list string) error {
	old := current.Load()
	next := &directives{
		defaultLevel: old.defaultLevel,
		tags:         make(map[string]Level, len(old.tags)),
	}
	for t, l := range old.tags {
		next.tags[t] = l
	}

	for _, d := range strings.Split(list, ",") {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		v := strings.SplitN(d, "=", 2)
		level, err := ParseLevel(v[len(v)-1])
		if err != nil {
			return errors.Wrapf(err, "directive %q", d)
		}
		if len(v) == 1 {
			next.defaultLevel = level
		} else {
			next.tags[v[0]] = level
		}
	}

	current.Store(next)
	return nil
}

func levelFor(tag string, fallback Level, hasFallback bool) Level {
	d := current.Load()
	if l, ok := d.tags[tag]; ok {
		return l
	}
	if hasFallback {
		return fallback
	}
	return d.defaultLevel
}
