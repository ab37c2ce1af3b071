// Package storage persists monitoring session rows so a restarted process can account for them.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pagewatch/pkg/watch"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
)

const keyPrefix = "session-"

// ErrNotFound indicates no row exists for the session.
var ErrNotFound = errors.New("storage: object doesn't exist")

// Store keeps session rows in Cloud Storage or a local directory.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates a new storage handler. localPath wins over the bucket when set.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// SessionKey generates the object name for a session id.
// Only canonical UUIDs are accepted, which rules out path traversal.
func SessionKey(id string) string {
	u, err := uuid.Parse(id)
	if err != nil || u.String() != id {
		return ""
	}
	return keyPrefix + id + ".json"
}

func retryOpts(ctx context.Context, logger *slog.Logger, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10 * time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "key", key, "error", err)
		}),
	}
}

// Save writes the session row.
func (s *Store) Save(ctx context.Context, sess *watch.Session) error {
	key := SessionKey(sess.ID)
	if key == "" {
		return fmt.Errorf("invalid session id %q", sess.ID)
	}

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		s.logger.Debug("Session saved to local storage", "path", filePath, "session_id", sess.ID)
		return nil
	}

	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retryOpts(ctx, s.logger, "save", key)...,
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Debug("Session saved", "key", key, "session_id", sess.ID)
	return nil
}

// Load reads one session row by id.
func (s *Store) Load(ctx context.Context, id string) (*watch.Session, error) {
	key := SessionKey(id)
	if key == "" {
		return nil, ErrNotFound
	}
	return s.load(ctx, key)
}

func (s *Store) load(ctx context.Context, key string) (*watch.Session, error) {
	var data []byte

	if s.localPath != "" {
		var err error
		data, err = os.ReadFile(filepath.Join(s.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
				if openErr != nil {
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						return retry.Unrecoverable(ErrNotFound)
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()

				var readErr error
				data, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			retryOpts(ctx, s.logger, "load", key)...,
		)
		if err != nil {
			return nil, fmt.Errorf("load after retries: %w", err)
		}
	}

	var sess watch.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

// Delete removes a session row. Deleting a missing row is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	key := SessionKey(id)
	if key == "" {
		return fmt.Errorf("invalid session id %q", id)
	}

	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		s.logger.Debug("Session deleted from local storage", "path", filePath, "session_id", id)
		return nil
	}

	err := retry.Do(
		func() error {
			if deleteErr := s.client.Bucket(s.bucket).Object(key).Delete(ctx); deleteErr != nil {
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					return nil
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		retryOpts(ctx, s.logger, "delete", key)...,
	)
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}

	s.logger.Debug("Session deleted", "key", key, "session_id", id)
	return nil
}

// List returns every stored session row. Unreadable rows are logged and skipped.
func (s *Store) List(ctx context.Context) ([]*watch.Session, error) {
	var rows []*watch.Session

	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}

		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), keyPrefix) || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			row, err := s.load(ctx, entry.Name())
			if err != nil {
				s.logger.Warn("Failed to load session row", "file", entry.Name(), "error", err)
				continue
			}
			rows = append(rows, row)
		}
		return rows, nil
	}

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: keyPrefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}

		row, err := s.load(ctx, attrs.Name)
		if err != nil {
			s.logger.Warn("Failed to load session row", "key", attrs.Name, "error", err)
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// IsNotFound checks if an error indicates a session row was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || (err != nil && strings.Contains(err.Error(), ErrNotFound.Error()))
}
