package prompt

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/forest6511/flowseal/pkg/fsutil"
)

// PassphraseEnv names the file holding the passphrase for unattended runs.
const PassphraseEnv = "FLOWSEAL_PWD_FILE"

// ErrEmptyPassphrase is returned when the passphrase source yields nothing.
var ErrEmptyPassphrase = errors.New("prompt: passphrase must not be empty")

// Passphrase obtains the cache passphrase. If the environment variable env
// is set, the file it names is read verbatim; otherwise the operator is
// asked through r. The caller owns the returned slice and should wipe it.
func Passphrase(env string, r SecretReader, logger *slog.Logger) ([]byte, error) {
	if env == "" {
		env = PassphraseEnv
	}

	if path := strings.TrimSpace(os.Getenv(env)); path != "" {
		if perm, bad := fsutil.IsInsecure(path); bad && logger != nil {
			logger.Warn("passphrase file is readable by other users", "path", path, "perm", fmt.Sprintf("%04o", perm))
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("prompt: failed to read passphrase file from %s: %w", env, err)
		}
		if len(data) == 0 {
			return nil, ErrEmptyPassphrase
		}
		return data, nil
	}

	if r == nil {
		return nil, fmt.Errorf("prompt: %s is not set and no interactive input is available", env)
	}

	s, err := r.ReadSecret("Enter your secret passphrase: ")
	if err != nil {
		return nil, err
	}
	if s == "" {
		return nil, ErrEmptyPassphrase
	}
	return []byte(s), nil
}
