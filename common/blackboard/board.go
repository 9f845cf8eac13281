package blackboard

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/anthive/orchestrator/common/faults"
)

const (
	// FileName is the document file inside a board directory.
	FileName = "blackboard.json"

	lockName           = ".blackboard.lock"
	defaultLockTimeout = 30 * time.Second
	defaultLockTTL     = 2 * time.Minute
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Board is one swarm run's shared state file. Writers serialize through
// an exclusive-create lock file carrying the holder id and acquisition
// time; a holder that stops renewing past the break-glass TTL is
// presumed crashed and its lock is stolen. Readers never lock: document
// writes are temp-file plus atomic rename, so a snapshot is always a
// complete (possibly stale) state.
type Board struct {
	dir      string
	file     string
	lockFile string
	holder   string
	timeout  time.Duration
	lockTTL  time.Duration
	log      Logger
}

type lockClaim struct {
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// New creates a handle on the board stored in dir. holder identifies
// this process in the lock file.
func New(dir, holder string, log Logger) *Board {
	return &Board{
		dir:      dir,
		file:     filepath.Join(dir, FileName),
		lockFile: filepath.Join(dir, lockName),
		holder:   holder,
		timeout:  defaultLockTimeout,
		lockTTL:  defaultLockTTL,
		log:      log,
	}
}

// Path returns the document path, handed to spawned agents
func (b *Board) Path() string {
	return b.file
}

// Create initializes an empty board. Exactly one creator wins; a board
// that already exists is a conflict.
func (b *Board) Create(ctx context.Context) error {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create board dir: %w", err)
	}

	unlock, err := b.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := os.Stat(b.file); err == nil {
		return faults.Conflict("blackboard already exists at %s", b.file)
	}
	return b.write(newDocument(time.Now().UTC()))
}

// Snapshot reads the document without locking. Callers accept that the
// state may be stale by the time they look at it.
func (b *Board) Snapshot() (*Document, error) {
	raw, err := os.ReadFile(b.file)
	if os.IsNotExist(err) {
		return nil, faults.NotFound("blackboard not found at %s", b.file)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blackboard: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, faults.Permanent(err, "corrupt blackboard at %s", b.file)
	}
	return &doc, nil
}

// Archive renames the document aside so a later run can recreate the
// board. The watcher calls this in its final cleanup pass.
func (b *Board) Archive(ctx context.Context) (string, error) {
	unlock, err := b.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer unlock()

	dest := filepath.Join(b.dir, fmt.Sprintf("blackboard-%s.archived.json", time.Now().UTC().Format("20060102T150405Z")))
	if err := os.Rename(b.file, dest); err != nil {
		if os.IsNotExist(err) {
			return "", faults.NotFound("blackboard not found at %s", b.file)
		}
		return "", fmt.Errorf("failed to archive blackboard: %w", err)
	}
	b.log.Info("blackboard archived", "from", b.file, "to", dest)
	return dest, nil
}

// update runs one read-modify-write cycle under the writer lock:
// lock, read, prune expired chains, mutate, atomic rename, unlock.
func (b *Board) update(ctx context.Context, fn func(doc *Document, now time.Time) error) error {
	unlock, err := b.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := b.Snapshot()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	pruneExpiredChains(doc, now)

	if err := fn(doc, now); err != nil {
		return err
	}

	doc.UpdatedAt = now
	return b.write(doc)
}

// write persists the document via temp file + rename in the same
// directory, so a crash mid-write never leaves a torn document.
func (b *Board) write(doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return faults.Permanent(err, "failed to marshal blackboard")
	}

	tmp, err := os.CreateTemp(b.dir, ".blackboard-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp blackboard: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp blackboard: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp blackboard: %w", err)
	}
	if err := os.Rename(tmpName, b.file); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace blackboard: %w", err)
	}
	return nil
}

// acquire takes the writer lock, stealing it when the previous holder
// has been silent past the break-glass TTL. Returns the release func.
func (b *Board) acquire(ctx context.Context) (func(), error) {
	deadline := time.Now().Add(b.timeout)

	for {
		err := b.tryLock()
		if err == nil {
			return b.release, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		if b.breakGlass() {
			continue
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if time.Now().After(deadline) {
			return nil, faults.Timeout("could not acquire blackboard lock within %s", b.timeout)
		}

		sleepWithJitter(ctx, 100*time.Millisecond)
	}
}

func (b *Board) tryLock() error {
	f, err := os.OpenFile(b.lockFile, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	claim := lockClaim{Holder: b.holder, AcquiredAt: time.Now().UTC()}
	data, _ := json.Marshal(claim)
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		os.Remove(b.lockFile)
		return fmt.Errorf("failed to write lock claim: %w", werr)
	}
	return nil
}

// breakGlass removes a lock whose holder has exceeded the TTL. Returns
// true when the caller should retry immediately.
func (b *Board) breakGlass() bool {
	raw, err := os.ReadFile(b.lockFile)
	if err != nil {
		// lock vanished between attempts
		return os.IsNotExist(err)
	}

	var claim lockClaim
	age := time.Duration(0)
	if json.Unmarshal(raw, &claim) == nil && !claim.AcquiredAt.IsZero() {
		age = time.Since(claim.AcquiredAt)
	} else if info, serr := os.Stat(b.lockFile); serr == nil {
		age = time.Since(info.ModTime())
	}

	if age < b.lockTTL {
		return false
	}

	b.log.Warn("breaking stale blackboard lock", "holder", claim.Holder, "age", age, "ttl", b.lockTTL)
	os.Remove(b.lockFile)
	return true
}

func (b *Board) release() {
	raw, err := os.ReadFile(b.lockFile)
	if err != nil {
		return
	}
	var claim lockClaim
	if json.Unmarshal(raw, &claim) == nil && claim.Holder != b.holder {
		// our lock was stolen; leave the new holder's claim alone
		b.log.Warn("blackboard lock was taken over while held", "holder", b.holder, "thief", claim.Holder)
		return
	}
	os.Remove(b.lockFile)
}

func pruneExpiredChains(doc *Document, now time.Time) {
	for _, c := range doc.ClaimChains {
		if c.Status == ChainActive && now.After(c.ExpiresAt) {
			c.Status = ChainExpired
		}
	}
}

func sleepWithJitter(ctx context.Context, base time.Duration) {
	jitter := time.Duration(0)
	if n, err := rand.Int(rand.Reader, big.NewInt(int64(base))); err == nil {
		jitter = time.Duration(n.Int64())
	}
	select {
	case <-ctx.Done():
	case <-time.After(base + jitter):
	}
}

func shortID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])[:8]
}

func normalizePath(p string) string {
	return path.Clean(filepath.ToSlash(p))
}
