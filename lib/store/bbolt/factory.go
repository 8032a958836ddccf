package bbolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/antimoltbook/verifier/lib/store"
	"go.etcd.io/bbolt"
)

var (
	ErrMissingPath     = errors.New("bbolt.Config: path is missing")
	ErrPathIsDir       = errors.New("bbolt.Config: path is a directory")
	ErrCantWriteToPath = errors.New("bbolt.Config: can't write next to path")
	ErrBadDuration     = errors.New("bbolt.Config: invalid duration")
)

const (
	defaultLockTimeout     = 5 * time.Second
	defaultCleanupInterval = 5 * time.Minute
)

func init() {
	store.Register("bbolt", Factory{})
}

// Factory opens a bbolt file for single-replica deployments.
type Factory struct{}

func parse(data json.RawMessage) (*Config, error) {
	var config Config
	if err := json.Unmarshal([]byte(data), &config); err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrBadConfig, err)
	}

	if err := config.Valid(); err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrBadConfig, err)
	}

	return &config, nil
}

// Build opens the database and starts the expiry sweeper. The file is closed
// when ctx is done. A second verifier pointed at the same file fails after
// lock_timeout instead of hanging.
func (Factory) Build(ctx context.Context, data json.RawMessage) (store.Interface, error) {
	config, err := parse(data)
	if err != nil {
		return nil, err
	}

	bdb, err := bbolt.Open(config.Path, 0600, &bbolt.Options{Timeout: config.lockTimeout()})
	if err != nil {
		return nil, fmt.Errorf("can't open bbolt database %s: %w", config.Path, err)
	}

	result := &Store{
		bdb:          bdb,
		cleanupEvery: config.cleanupInterval(),
	}

	go result.cleanupThread(ctx)

	return result, nil
}

func (Factory) Valid(data json.RawMessage) error {
	_, err := parse(data)
	return err
}

// Config is the bbolt backend configuration.
//
//	store:
//	  backend: bbolt
//	  parameters:
//	    path: /var/lib/verifier/records.db
//	    lock_timeout: 10s
type Config struct {
	Path            string `json:"path"`
	LockTimeout     string `json:"lock_timeout,omitempty"`
	CleanupInterval string `json:"cleanup_interval,omitempty"`
}

func (c Config) lockTimeout() time.Duration {
	if d, err := time.ParseDuration(c.LockTimeout); err == nil && d > 0 {
		return d
	}
	return defaultLockTimeout
}

func (c Config) cleanupInterval() time.Duration {
	if d, err := time.ParseDuration(c.CleanupInterval); err == nil && d > 0 {
		return d
	}
	return defaultCleanupInterval
}

func (c Config) Valid() error {
	var errs []error

	switch fi, err := os.Stat(c.Path); {
	case c.Path == "":
		errs = append(errs, ErrMissingPath)
	case err == nil && fi.IsDir():
		errs = append(errs, fmt.Errorf("%w: %s", ErrPathIsDir, c.Path))
	default:
		if err := checkWritable(filepath.Dir(c.Path)); err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", ErrCantWriteToPath, err))
		}
	}

	for name, val := range map[string]string{
		"lock_timeout":     c.LockTimeout,
		"cleanup_interval": c.CleanupInterval,
	} {
		if val == "" {
			continue
		}
		if d, err := time.ParseDuration(val); err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%w: %s %q", ErrBadDuration, name, val))
		}
	}

	return errors.Join(errs...)
}

// checkWritable makes sure bbolt will be able to create its file in dir.
func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".verifier-bbolt-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
