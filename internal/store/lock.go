package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	dataLockDirName   = ".teledl.lock"
	dataLockOwnerFile = "owner.json"
)

// DataLock guards a data directory so two serve processes cannot share one
// database and download tree. The lock is a directory create, which is
// atomic on every filesystem we care about.
type DataLock struct {
	lockDir string
}

type dataLockOwner struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
	Hostname  string `json:"hostname,omitempty"`
}

func AcquireDataLock(dataDir string) (DataLock, error) {
	target := strings.TrimSpace(dataDir)
	if target == "" {
		return DataLock{}, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return DataLock{}, fmt.Errorf("create data directory %s: %w", target, err)
	}

	lockDir := filepath.Join(target, dataLockDirName)
	if err := os.Mkdir(lockDir, 0o755); err != nil {
		if os.IsExist(err) {
			ownerPath := filepath.Join(lockDir, dataLockOwnerFile)
			var owner dataLockOwner
			if data, readErr := os.ReadFile(ownerPath); readErr == nil {
				if json.Unmarshal(data, &owner) == nil && owner.PID > 0 {
					return DataLock{}, fmt.Errorf(
						"data directory is locked: %s (pid=%d created_at=%s host=%s)",
						target, owner.PID, owner.CreatedAt, owner.Hostname,
					)
				}
			}
			return DataLock{}, fmt.Errorf("data directory is locked: %s", target)
		}
		return DataLock{}, fmt.Errorf("acquire data lock for %s: %w", target, err)
	}

	owner := dataLockOwner{
		PID:       os.Getpid(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostnameOrUnknown(),
	}
	data, err := json.MarshalIndent(owner, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(lockDir, dataLockOwnerFile), data, 0o644)
	}
	if err != nil {
		_ = os.Remove(lockDir)
		return DataLock{}, fmt.Errorf("write data lock owner for %s: %w", target, err)
	}

	return DataLock{lockDir: lockDir}, nil
}

func (l DataLock) Release() error {
	if strings.TrimSpace(l.lockDir) == "" {
		return nil
	}
	_ = os.Remove(filepath.Join(l.lockDir, dataLockOwnerFile))
	if err := os.Remove(l.lockDir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release data lock %s: %w", l.lockDir, err)
	}
	return nil
}

func hostnameOrUnknown() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return "unknown"
	}
	return host
}
