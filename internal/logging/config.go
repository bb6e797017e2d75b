package logging

import (
	"fmt"
	"os"
	"strings"
)

const envVar = "LOGLEVEL"

var tagLevels []struct {
	tag   string
	level Level
}

func init() {
	ApplyDirectives(os.Getenv(envVar))
}

// ApplyDirectives parses a comma-separated list of "tag=level" directives
// (the same syntax the LOGLEVEL environment variable uses) and applies them
// immediately. A directive with no "tag=" prefix sets the default level.
// CLI entry points call this after flag.Parse() so a --log-level flag can
// override LOGLEVEL, despite the package's env-var parsing having already
// run in init() before main() started.
func ApplyDirectives(spec string) {
	for _, d := range strings.Split(spec, ",") {
		if d == "" {
			continue
		}
		v := strings.SplitN(d, "=", 2)
		levelString := v[len(v)-1]
		if level, err := parseLevel(levelString); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid %s directive '%s': %s\n", envVar, d, err)
		} else if len(v) == 1 {
			defaultLevel = level
		} else {
			tagLevels = append(tagLevels, struct {
				tag   string
				level Level
			}{v[0], level})
		}
	}

	DefaultLogger.Level = defaultLevel
}

func determineLevel(tag string, fallback Level) Level {
	// Later directives take precedence over earlier ones for the same tag.
	for i := len(tagLevels) - 1; i >= 0; i-- {
		if tagLevels[i].tag == tag {
			return tagLevels[i].level
		}
	}
	return fallback
}
