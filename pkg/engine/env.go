package engine

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultEnvPrefix is prepended to every credential variable name.
const DefaultEnvPrefix = "FLOWSEAL_CRED_"

// Credential is a decrypted site login handed to the engine.
type Credential struct {
	Site     string
	User     string
	Password string
}

// ErrReservedEnvVar is returned when attempting to overwrite a reserved environment variable
var ErrReservedEnvVar = errors.New("engine: cannot overwrite reserved environment variable")

// reservedEnvVars are critical system variables that must not be overwritten
var reservedEnvVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"PWD": true, "OLDPWD": true, "TERM": true, "LANG": true,
	"IFS": true, "PS1": true, "PS2": true,
	// LC_ALL and LC_CTYPE can enable localization attacks
	"LC_ALL": true, "LC_CTYPE": true,
}

// EnvNames returns the user and password variable names for site.
func EnvNames(prefix, site string) (user, password string) {
	base := prefix + siteToEnvName(site)
	return base + "_USER", base + "_PWD"
}

// CredentialEnv renders creds as KEY=VALUE pairs. Names are
// <prefix><SITE>_USER and <prefix><SITE>_PWD with every character
// outside [A-Za-z0-9] mapped to '_'.
func CredentialEnv(prefix string, creds []Credential) ([]string, error) {
	env := make([]string, 0, 2*len(creds))
	seen := make(map[string]string, 2*len(creds))

	for _, c := range creds {
		userVar, pwdVar := EnvNames(prefix, c.Site)
		for _, kv := range [][2]string{{userVar, c.User}, {pwdVar, c.Password}} {
			name, value := kv[0], kv[1]
			if err := validateEnvName(name); err != nil {
				return nil, fmt.Errorf("engine: invalid environment variable name for site %q: %w", c.Site, err)
			}
			if err := validateNoNulBytes(name, value); err != nil {
				return nil, fmt.Errorf("engine: validation error for site %q: %w", c.Site, err)
			}
			if err := checkReservedEnvVar(name); err != nil {
				return nil, err
			}
			if other, dup := seen[name]; dup && other != c.Site {
				return nil, fmt.Errorf("engine: sites %q and %q map to the same variable %s", other, c.Site, name)
			}
			seen[name] = c.Site
			env = append(env, name+"="+value)
		}
	}
	return env, nil
}

// siteToEnvName converts a site identifier to an environment variable
// fragment: non-alphanumerics become '_', letters are upper-cased.
func siteToEnvName(site string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, site)
}

// validateEnvName validates that a name is a valid POSIX environment variable name
// Pattern: ^[A-Za-z_][A-Za-z0-9_]*$
func validateEnvName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("environment variable name cannot be empty")
	}

	first := name[0]
	if !((first >= 'A' && first <= 'Z') ||
		(first >= 'a' && first <= 'z') || first == '_') {
		return fmt.Errorf("must start with a letter or underscore")
	}

	for i := 1; i < len(name); i++ {
		c := name[i]
		if !((c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') ||
			(c >= '0' && c <= '9') || c == '_') {
			return fmt.Errorf("contains invalid character '%c'", c)
		}
	}

	return nil
}

// validateNoNulBytes checks for NUL bytes, which would truncate the value
// in the child's environment block.
func validateNoNulBytes(name, value string) error {
	if strings.ContainsRune(name, '\x00') {
		return fmt.Errorf("NUL byte in environment variable name: %q", name)
	}
	if strings.ContainsRune(value, '\x00') {
		return fmt.Errorf("NUL byte in credential value for: %q", name)
	}
	return nil
}

// checkReservedEnvVar returns an error if the name is a reserved variable
func checkReservedEnvVar(name string) error {
	if reservedEnvVars[name] {
		return fmt.Errorf("%w: %s (set engine.env_prefix to avoid collision)", ErrReservedEnvVar, name)
	}
	return nil
}
