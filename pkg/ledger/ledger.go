// Package ledger keeps each user's usage for the current day and writes it
// to a new JSON file once the day's flush instant has passed.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/core-tools/hsu-governor/pkg/errors"
	"github.com/core-tools/hsu-governor/pkg/logging"
	"github.com/core-tools/hsu-governor/pkg/resourcelimits"
)

// FileNameLayout names each flushed file after the local flush time
const FileNameLayout = "2006-01-02_15:04"

// Ledger implements resourcelimits.UsageLedger on top of a directory
type Ledger struct {
	dir    string
	now    func() time.Time
	logger logging.Logger

	mutex     sync.Mutex
	nextFlush time.Time
	backups   map[uint32]*resourcelimits.UsageBackup
}

var _ resourcelimits.UsageLedger = (*Ledger)(nil)

type Option func(*Ledger)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// WithNextFlush overrides the first flush instant
func WithNextFlush(next time.Time) Option {
	return func(l *Ledger) {
		l.nextFlush = next
	}
}

func New(dir string, logger logging.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		dir:     dir,
		now:     time.Now,
		logger:  logger,
		backups: make(map[uint32]*resourcelimits.UsageBackup),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.nextFlush.IsZero() {
		l.nextFlush = EndOfDay(l.now())
	}
	return l
}

// EndOfDay returns 23:59:59 of t's day in t's location
func EndOfDay(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 23, 59, 59, 0, t.Location())
}

func (l *Ledger) Dir() string {
	return l.dir
}

func (l *Ledger) Record(uid uint32, name string, delta resourcelimits.Usage) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	backup, ok := l.backups[uid]
	if !ok {
		backup = &resourcelimits.UsageBackup{Name: name}
		l.backups[uid] = backup
	}
	backup.Usage.Add(delta)
}

func (l *Ledger) Backups() map[uint32]resourcelimits.UsageBackup {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.backupsLocked()
}

func (l *Ledger) NextFlush() time.Time {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.nextFlush
}

// ShouldLog reports whether the current time is strictly past the next flush
func (l *Ledger) ShouldLog() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.now().After(l.nextFlush)
}

// Flush is a no-op until ShouldLog. Otherwise it writes every backup to a new file,
// zeroes the backups and moves the next flush one calendar day ahead.
// On a write error nothing is reset, so the next call retries.
func (l *Ledger) Flush() (string, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	now := l.now()
	if !now.After(l.nextFlush) {
		return "", nil
	}

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return "", errors.NewIOError("failed to create ledger directory", err).WithContext("dir", l.dir)
	}

	data, err := json.MarshalIndent(l.backupsLocked(), "", "  ")
	if err != nil {
		return "", errors.NewInternalError("failed to encode usage backups", err)
	}

	path, err := l.writeNew(now, data)
	if err != nil {
		return "", err
	}

	for _, backup := range l.backups {
		backup.Usage.Reset()
	}
	l.nextFlush = l.nextFlush.AddDate(0, 0, 1)

	l.logger.Debugf("Flushed %d user backups to %s", len(l.backups), path)
	return path, nil
}

func (l *Ledger) backupsLocked() map[uint32]resourcelimits.UsageBackup {
	backups := make(map[uint32]resourcelimits.UsageBackup, len(l.backups))
	for uid, backup := range l.backups {
		backups[uid] = *backup
	}
	return backups
}

// writeNew creates a file that did not exist before, adding a numeric suffix on a name clash
func (l *Ledger) writeNew(now time.Time, data []byte) (string, error) {
	base := filepath.Join(l.dir, now.Format(FileNameLayout))
	path := base
	for attempt := 1; ; attempt++ {
		file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if os.IsExist(err) {
			path = fmt.Sprintf("%s.%d", base, attempt)
			continue
		}
		if err != nil {
			return "", errors.NewIOError("failed to create ledger file", err).WithContext("path", path)
		}

		_, writeErr := file.Write(data)
		closeErr := file.Close()
		if writeErr != nil {
			return "", errors.NewIOError("failed to write ledger file", writeErr).WithContext("path", path)
		}
		if closeErr != nil {
			return "", errors.NewIOError("failed to close ledger file", closeErr).WithContext("path", path)
		}
		return path, nil
	}
}

// ReadFile loads one flushed ledger file
func ReadFile(path string) (map[uint32]resourcelimits.UsageBackup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewIOError("failed to read ledger file", err).WithContext("path", path)
	}
	backups := make(map[uint32]resourcelimits.UsageBackup)
	if err := json.Unmarshal(data, &backups); err != nil {
		return nil, errors.NewValidationError("invalid ledger file", err).WithContext("path", path)
	}
	return backups, nil
}
