package workflow

import (
	"regexp"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"
)

// A bare "{}" placeholder renders like a Python datetime: microseconds
// are shown unless they are zero.
const (
	defaultTimeFormat     = "%Y-%m-%d %H:%M:%S"
	defaultTimeFormatFrac = "%Y-%m-%d %H:%M:%S.%f"
)

// placeholderRe matches "{}" and "{:<strftime>}" fields.
var placeholderRe = regexp.MustCompile(`\{(?::([^{}]*))?\}`)

// RunID renders the run identity for t.
//
// The format is either a plain strftime string ("%Y%m%d_%H%M%S") or text
// with format fields ("run_{:%Y%m%d_%H%M%S}"); only the fields are
// expanded in the latter.
func (c *Config) RunID(t time.Time) string {
	return FormatRunID(c.RunIDFormat, t)
}

// FormatRunID renders format for t. See Config.RunID.
func FormatRunID(format string, t time.Time) string {
	if !strings.Contains(format, "{") {
		return strftime.Format(format, t)
	}
	return placeholderRe.ReplaceAllStringFunc(format, func(field string) string {
		layout := placeholderRe.FindStringSubmatch(field)[1]
		if layout == "" {
			layout = defaultTimeFormat
			if t.Nanosecond()/int(time.Microsecond) != 0 {
				layout = defaultTimeFormatFrac
			}
		}
		return strftime.Format(layout, t)
	})
}
