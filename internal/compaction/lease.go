package compaction

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"

	"convodb/pkg/logger"
)

var ErrNotOwner = errors.New("lease held by another owner")

// FileLease is a single-host mutual exclusion lock: a JSON file naming the
// owner and an expiry. An expired lease may be taken over.
type FileLease struct {
	path string
	now  func() time.Time
}

type leaseFile struct {
	Owner   string `json:"owner"`
	Expires string `json:"expires"`
}

func NewFileLease(dir string) *FileLease {
	return &FileLease{path: filepath.Join(dir, "compaction.lock"), now: time.Now}
}

func (l *FileLease) Path() string { return l.path }

// Acquire takes the lease for ttl. It reports false without error when a
// live lease is held by someone else.
func (l *FileLease) Acquire(owner string, ttl time.Duration) (bool, error) {
	now := l.now()
	tmp, err := l.writeTmp(leaseFile{Owner: owner, Expires: now.Add(ttl).Format(time.RFC3339Nano)})
	if err != nil {
		return false, err
	}
	// link fails if the lock already exists
	if err := os.Link(tmp, l.path); err == nil {
		_ = os.Remove(tmp)
		logger.Debug("lease_acquired", "path", l.path, "owner", owner)
		return true, nil
	}
	existing, err := l.read()
	if err != nil {
		_ = os.Remove(tmp)
		return false, err
	}
	exp, _ := time.Parse(time.RFC3339Nano, existing.Expires)
	if exp.Before(now) {
		if err := os.Rename(tmp, l.path); err != nil {
			logger.Error("lease_replace_failed", "path", l.path, "error", err)
			return false, errors.Wrap(err, "replace expired lease")
		}
		logger.Info("lease_acquired_expired", "path", l.path, "owner", owner, "previous_owner", existing.Owner)
		return true, nil
	}
	_ = os.Remove(tmp)
	logger.Info("lease_currently_held", "path", l.path, "owner", existing.Owner)
	return false, nil
}

// Renew extends a lease owner already holds.
func (l *FileLease) Renew(owner string, ttl time.Duration) error {
	existing, err := l.read()
	if err != nil {
		return err
	}
	if existing.Owner != owner {
		return errors.Wrapf(ErrNotOwner, "renew by %s", owner)
	}
	existing.Expires = l.now().Add(ttl).Format(time.RFC3339Nano)
	tmp, err := l.writeTmp(existing)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, l.path); err != nil {
		logger.Error("lease_renew_rename_failed", "error", err)
		return errors.Wrap(err, "renew lease")
	}
	return nil
}

func (l *FileLease) Release(owner string) error {
	existing, err := l.read()
	if err != nil {
		return err
	}
	if existing.Owner != owner {
		logger.Error("lease_release_not_owner", "owner", owner, "holder", existing.Owner)
		return errors.Wrapf(ErrNotOwner, "release by %s", owner)
	}
	if err := os.Remove(l.path); err != nil {
		return errors.Wrap(err, "release lease")
	}
	logger.Debug("lease_released", "path", l.path, "owner", owner)
	return nil
}

func (l *FileLease) read() (leaseFile, error) {
	var lf leaseFile
	data, err := os.ReadFile(l.path)
	if err != nil {
		return lf, errors.Wrap(err, "read lease")
	}
	if err := json.Unmarshal(data, &lf); err != nil {
		return lf, errors.Wrap(err, "decode lease")
	}
	return lf, nil
}

func (l *FileLease) writeTmp(lf leaseFile) (string, error) {
	b, err := json.Marshal(lf)
	if err != nil {
		return "", err
	}
	tmp := l.path + "." + lf.Owner + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		logger.Error("lease_tmp_write_failed", "path", tmp, "error", err)
		return "", errors.Wrap(err, "write lease")
	}
	return tmp, nil
}
