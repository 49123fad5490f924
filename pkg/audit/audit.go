// Package audit keeps a tamper-evident trail of flowseal operations.
//
// Events are appended to monthly JSONL files. Every record carries an
// HMAC over its content and the previous record's HMAC, so deleting,
// reordering or editing a record breaks the chain. The HMAC key is derived
// from the cache key, which means the trail can only be verified by
// someone who knows the passphrase. Site names are stored as keyed HMACs,
// never in clear.
package audit

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forest6511/flowseal/pkg/fsutil"
)

// DefaultDir is the audit directory created in the workflow root.
const DefaultDir = ".flowseal_audit"

// HMACKeyInfo is the HKDF info string for the audit subkey.
const HMACKeyInfo = "audit-log-v1"

// MinAuditDiskSpace is the free space required to append a record.
const MinAuditDiskSpace = 1024 * 1024

const (
	metaFileName = "audit.meta"
	genesis      = "genesis"
	version      = 1
)

// Operations
const (
	OpCredentialStore    = "credential.store"
	OpCredentialRetrieve = "credential.retrieve"
	OpWorkflowFreeze     = "workflow.freeze"
	OpWorkflowCheck      = "workflow.check"
	OpWorkflowRun        = "workflow.run"
)

// Sources identify the command that produced an event.
const (
	SourceCLI  = "cli"
	SourceLoop = "loop"
)

// Results
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// ErrNoKey is returned when the logger is used before SetHMACKey.
var ErrNoKey = errors.New("audit: HMAC key not set")

// Event is a single audit record.
type Event struct {
	Version   int    `json:"v"`
	ID        string `json:"id"`
	Timestamp string `json:"ts"`

	Operation string `json:"op"`
	// Key is the HMAC of the site name, if any.
	Key string `json:"key,omitempty"`

	Source    string `json:"source"`
	SessionID string `json:"session_id"`

	Result string     `json:"result"`
	Error  *ErrorInfo `json:"error,omitempty"`

	Chain Chain `json:"chain"`
}

// ErrorInfo contains error details
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Chain links a record to its predecessor.
type Chain struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
	HMAC     string `json:"hmac"`
}

// chainState is persisted so that a new process continues the chain.
type chainState struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
}

// Logger appends events to the audit trail. It is safe for concurrent use.
type Logger struct {
	path      string
	mu        sync.Mutex
	hmacKey   []byte
	sequence  int64
	prevHash  string
	sessionID string
	now       func() time.Time
}

// NewLogger creates a logger writing to dir. SetHMACKey must be called
// before any event is logged.
func NewLogger(dir string) *Logger {
	return &Logger{
		path:      dir,
		prevHash:  genesis,
		sessionID: uuid.NewString(),
		now:       time.Now,
	}
}

// Path returns the audit log directory path
func (l *Logger) Path() string {
	return l.path
}

// SetHMACKey installs the chain key and resumes the persisted chain.
// Obtain key from (*crypto.Service).DeriveSubkey(HMACKeyInfo).
func (l *Logger) SetHMACKey(key []byte) error {
	if len(key) == 0 {
		return ErrNoKey
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.hmacKey = append([]byte(nil), key...)
	if err := l.loadChainState(); err != nil {
		// first run
		l.sequence = 0
		l.prevHash = genesis
	}
	return nil
}

// LogSuccess records a successful operation.
func (l *Logger) LogSuccess(op, source, keyName string) error {
	return l.Log(op, source, ResultSuccess, keyName, nil)
}

// LogError records a failed operation.
func (l *Logger) LogError(op, source, keyName string, errCode, errMsg string) error {
	return l.Log(op, source, ResultError, keyName, &ErrorInfo{Code: errCode, Message: errMsg})
}

// Log appends one event to the trail.
func (l *Logger) Log(op, source, result, keyName string, errInfo *ErrorInfo) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		return ErrNoKey
	}

	if err := os.MkdirAll(l.path, fsutil.DirMode); err != nil {
		return fmt.Errorf("audit: failed to create directory: %w", err)
	}
	if err := l.checkDiskSpace(); err != nil {
		return err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("audit: failed to generate event id: %w", err)
	}

	now := l.now().UTC()
	event := Event{
		Version:   version,
		ID:        id.String(),
		Timestamp: now.Format(time.RFC3339Nano),
		Operation: op,
		Source:    source,
		SessionID: l.sessionID,
		Result:    result,
		Error:     errInfo,
	}
	if keyName != "" {
		event.Key = l.sign([]byte(keyName))
	}

	event.Chain.Sequence = l.sequence + 1
	event.Chain.PrevHash = l.prevHash
	event.Chain.HMAC = l.sign(recordData(&event))

	if err := l.appendEvent(now, &event); err != nil {
		return err
	}

	l.sequence = event.Chain.Sequence
	l.prevHash = event.Chain.HMAC
	return l.saveChainState()
}

func (l *Logger) sign(data []byte) string {
	mac := hmac.New(sha256.New, l.hmacKey)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// recordData is the byte string covered by a record's HMAC. It includes
// every field except the HMAC itself.
func recordData(e *Event) []byte {
	errorData := ""
	if e.Error != nil {
		errorData = e.Error.Code + "|" + e.Error.Message
	}
	return []byte(fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s|%s|%s|%d|%s",
		e.Version,
		e.ID,
		e.Timestamp,
		e.Operation,
		e.Key,
		e.Source,
		e.SessionID,
		e.Result,
		errorData,
		e.Chain.Sequence,
		e.Chain.PrevHash,
	))
}

// appendEvent writes an event to the log file for the month of ts.
func (l *Logger) appendEvent(ts time.Time, event *Event) error {
	name := filepath.Join(l.path, ts.Format("2006-01")+".jsonl")

	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, fsutil.FileMode)
	if err != nil {
		return fmt.Errorf("audit: failed to open log file: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: failed to write event: %w", err)
	}
	return nil
}

func (l *Logger) loadChainState() error {
	data, err := os.ReadFile(filepath.Join(l.path, metaFileName))
	if err != nil {
		return err
	}
	var state chainState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	l.sequence = state.Sequence
	l.prevHash = state.PrevHash
	return nil
}

func (l *Logger) saveChainState() error {
	data, err := json.Marshal(chainState{Sequence: l.sequence, PrevHash: l.prevHash})
	if err != nil {
		return fmt.Errorf("audit: failed to marshal chain state: %w", err)
	}
	if err := fsutil.AtomicWriteFile(filepath.Join(l.path, metaFileName), data, fsutil.FileMode, nil); err != nil {
		return fmt.Errorf("audit: failed to save chain state: %w", err)
	}
	return nil
}

// checkDiskSpace refuses to append when the disk is nearly full. Failure
// to query the filesystem does not block auditing.
func (l *Logger) checkDiskSpace() error {
	info, err := fsutil.DiskSpace(l.path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to check disk space for audit: %v\n", err)
		return nil
	}
	if info.Available < MinAuditDiskSpace {
		return fmt.Errorf("audit: %w: only %d bytes available, need at least %d",
			fsutil.ErrInsufficientDisk, info.Available, MinAuditDiskSpace)
	}
	return nil
}

// VerifyResult contains the results of chain verification
type VerifyResult struct {
	Valid           bool     `json:"valid"`
	RecordsTotal    int      `json:"records_total"`
	RecordsVerified int      `json:"records_verified"`
	Errors          []string `json:"errors,omitempty"`
}

// Verify walks the whole trail and checks sequence numbers, links and
// HMACs. Problems are reported in the result, not as an error.
func (l *Logger) Verify() (*VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		return nil, ErrNoKey
	}

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Valid: true}
	expectedPrev := genesis
	var expectedSeq int64 = 1

	for i := range events {
		event := &events[i]
		result.RecordsTotal++
		ok := true

		if event.Chain.Sequence != expectedSeq {
			ok = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"sequence gap at record %s: expected %d, got %d",
				event.ID, expectedSeq, event.Chain.Sequence))
		}
		if event.Chain.PrevHash != expectedPrev {
			ok = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"chain broken at record %s: expected prev %s, got %s",
				event.ID, expectedPrev, event.Chain.PrevHash))
		}
		if !hmac.Equal([]byte(event.Chain.HMAC), []byte(l.sign(recordData(event)))) {
			ok = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"HMAC mismatch at record %s: possible tampering", event.ID))
		}

		if ok {
			result.RecordsVerified++
		} else {
			result.Valid = false
		}
		expectedPrev = event.Chain.HMAC
		expectedSeq = event.Chain.Sequence + 1
	}

	return result, nil
}

// ListEvents returns events newer than since (zero means all), keeping the
// most recent limit entries (zero means all), oldest first.
func (l *Logger) ListEvents(limit int, since time.Time) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}

	if !since.IsZero() {
		filtered := events[:0]
		for _, e := range events {
			ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
			if err != nil {
				continue
			}
			if ts.After(since) {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}

	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// readAll reads every log file in chronological order.
func (l *Logger) readAll() ([]Event, error) {
	files, err := filepath.Glob(filepath.Join(l.path, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list log files: %w", err)
	}
	// YYYY-MM names sort chronologically
	sort.Strings(files)

	var events []Event
	for _, file := range files {
		fileEvents, err := readLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", file, err)
		}
		events = append(events, fileEvents...)
	}
	return events, nil
}

func readLogFile(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var events []Event
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(text), &event); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, event)
	}
	return events, scanner.Err()
}
