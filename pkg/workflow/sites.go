package workflow

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidSite is returned for a credential site that is neither a mail
// address nor a URI.
var ErrInvalidSite = errors.New("workflow: invalid sitename / mail address")

var (
	uriRe = regexp.MustCompile(`(?i)^(?:http|ftp)s?://` +
		`(?:(?:[A-Z0-9](?:[A-Z0-9-]{0,61}[A-Z0-9])?\.)+(?:[A-Z]{2,6}\.?|[A-Z0-9-]{2,}\.?)|` +
		`localhost|` +
		`\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})` +
		`(?::\d+)?` +
		`(?:/?|[/?]\S+)$`)

	mailRe = regexp.MustCompile(`(?i)^[A-Z0-9.+_-]+@[A-Z0-9._-]+\.[A-Z]*$`)
)

// ValidateSite checks that a credential site identifier is a mail address
// or a URI.
func ValidateSite(site string) error {
	if mailRe.MatchString(site) || uriRe.MatchString(site) {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidSite, site)
}
