// Package prompt provides the operator interaction capabilities used by
// flowseal: reading secrets without echo and yes/no confirmation.
//
// Core packages depend only on the SecretReader and Confirmer interfaces,
// so they run unchanged against a terminal, a passphrase file or a Script.
package prompt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrNoInput is returned when input ends before an answer is given.
var ErrNoInput = errors.New("prompt: no input")

// SecretReader obtains a secret value from the operator.
type SecretReader interface {
	ReadSecret(prompt string) (string, error)
}

// Confirmer asks the operator a yes/no question.
type Confirmer interface {
	Confirm(question string) (bool, error)
}

// Terminal reads answers from in and writes prompts to out. When in is a
// terminal, secrets are read without echo.
type Terminal struct {
	in     io.Reader
	out    io.Writer
	reader *bufio.Reader
	fd     int
	isTTY  bool
}

// NewTerminal creates a Terminal over in and out.
func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	t := &Terminal{in: in, out: out, reader: bufio.NewReader(in), fd: -1}
	if f, ok := in.(*os.File); ok {
		t.fd = int(f.Fd())
		t.isTTY = term.IsTerminal(t.fd)
	}
	return t
}

// ReadSecret prints prompt and reads one value. The trailing newline is
// not part of the value.
func (t *Terminal) ReadSecret(prompt string) (string, error) {
	fmt.Fprint(t.out, prompt)

	if t.isTTY {
		b, err := term.ReadPassword(t.fd)
		fmt.Fprintln(t.out)
		if err != nil {
			return "", fmt.Errorf("prompt: failed to read secret: %w", err)
		}
		return string(b), nil
	}

	line, err := t.readLine()
	if err != nil {
		return "", err
	}
	return line, nil
}

// Confirm asks question until the operator answers. An empty answer means
// yes.
func (t *Terminal) Confirm(question string) (bool, error) {
	for {
		fmt.Fprint(t.out, question)
		line, err := t.readLine()
		if err != nil {
			return false, err
		}
		if answer, ok := ParseAnswer(line); ok {
			return answer, nil
		}
		fmt.Fprintln(t.out, `Please respond with "yes" or "no"`)
	}
}

func (t *Terminal) readLine() (string, error) {
	line, err := t.reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		if errors.Is(err, io.EOF) {
			return "", ErrNoInput
		}
		return "", fmt.Errorf("prompt: failed to read input: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ParseAnswer interprets a yes/no answer. The second result is false when
// the answer is not recognized.
func ParseAnswer(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "y", "ye", "yes":
		return true, true
	case "n", "no":
		return false, true
	default:
		return false, false
	}
}
