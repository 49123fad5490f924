package engine

import (
	"bytes"
	"fmt"
	"io"
)

// minRedactLen is the shortest value that is redacted. Shorter values
// produce too many false positives.
const minRedactLen = 4

// binaryThreshold is the share of non-printable bytes that marks a chunk as binary
const binaryThreshold = 0.05

// redaction pairs a secret value with the name shown in its place.
type redaction struct {
	name  string
	value []byte
}

// outputSanitizer replaces secret values in a byte stream with
// [REDACTED:NAME]. It keeps an overlap buffer so that a secret split
// across two reads is still caught.
type outputSanitizer struct {
	maxSecretLen int
	replacements []secretReplacement
}

type secretReplacement struct {
	secret      []byte
	placeholder []byte
}

func newOutputSanitizer(secrets []redaction) *outputSanitizer {
	s := &outputSanitizer{}
	for _, r := range secrets {
		if len(r.value) < minRedactLen {
			continue
		}
		if len(r.value) > s.maxSecretLen {
			s.maxSecretLen = len(r.value)
		}
		s.replacements = append(s.replacements, secretReplacement{
			secret:      r.value,
			placeholder: []byte(fmt.Sprintf("[REDACTED:%s]", r.name)),
		})
	}
	return s
}

// redactionsFor lists the password of every credential under its
// environment variable name.
func redactionsFor(prefix string, creds []Credential) []redaction {
	out := make([]redaction, 0, len(creds))
	for _, c := range creds {
		_, pwdVar := EnvNames(prefix, c.Site)
		out = append(out, redaction{name: pwdVar, value: []byte(c.Password)})
	}
	return out
}

// isBinaryData detects binary data by the share of control bytes rather
// than a single NUL, so one injected NUL cannot switch redaction off.
func isBinaryData(data []byte) bool {
	if len(data) == 0 {
		return false
	}

	nonPrintable := 0
	for _, b := range data {
		if b < 0x20 && b != '\t' && b != '\n' && b != '\r' {
			nonPrintable++
		} else if b == 0x7F {
			nonPrintable++
		}
	}

	return float64(nonPrintable)/float64(len(data)) > binaryThreshold
}

// copy reads from src, sanitizes, and writes to dst until src is drained.
func (s *outputSanitizer) copy(dst io.Writer, src io.Reader) {
	buf := make([]byte, 32*1024)
	var overlap []byte

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			var data []byte
			if len(overlap) > 0 {
				data = make([]byte, len(overlap)+n)
				copy(data, overlap)
				copy(data[len(overlap):], buf[:n])
			} else {
				data = buf[:n]
			}

			isBinary := isBinaryData(data)
			if !isBinary {
				data = s.sanitize(data)
			}

			var writeLen int
			if readErr == nil && s.maxSecretLen > 1 && !isBinary {
				// hold back maxSecretLen-1 bytes for the next round
				overlapLen := s.maxSecretLen - 1
				if overlapLen > len(data) {
					overlapLen = len(data)
				}
				writeLen = len(data) - overlapLen
			} else {
				writeLen = len(data)
			}

			if writeLen > 0 {
				dst.Write(data[:writeLen])
			}

			if writeLen < len(data) {
				overlap = make([]byte, len(data)-writeLen)
				copy(overlap, data[writeLen:])
			} else {
				overlap = nil
			}
		}

		if readErr != nil {
			if len(overlap) > 0 {
				dst.Write(overlap)
			}
			break
		}
	}
}

// sanitize replaces secret values with their placeholders.
func (s *outputSanitizer) sanitize(data []byte) []byte {
	result := data
	for _, r := range s.replacements {
		if bytes.Contains(result, r.secret) {
			result = bytes.ReplaceAll(result, r.secret, r.placeholder)
		}
	}
	return result
}
