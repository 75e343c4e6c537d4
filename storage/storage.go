// Package storage handles persistence of delivered submission IDs.
//
// The store is an append-only list with one ID per line. It lives either in a
// local file or in a single Cloud Storage object. A missing file or object
// is an empty set.
package storage

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
)

// PersistenceError reports a failure to read or append the dedupe store.
type PersistenceError struct {
	Err  error
	Op   string // "read" or "append"
	Path string
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("dedupe store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Store persists the set of delivered submission IDs.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	object    string
}

// New creates a new dedupe store. When localPath is set the store is a local
// file; otherwise it is the object in bucket.
func New(client *storage.Client, bucket, object, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
		object:    object,
	}
}

// Location describes where the store lives, for logging and errors.
func (s *Store) Location() string {
	if s.localPath != "" {
		return s.localPath
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, s.object)
}

// Seen loads every ID previously appended to the store.
func (s *Store) Seen(ctx context.Context) (map[string]struct{}, error) {
	data, _, err := s.read(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "read", Path: s.Location(), Err: err}
	}

	seen := make(map[string]struct{})
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		id := strings.TrimRightFunc(sc.Text(), func(r rune) bool { return r == ' ' || r == '\t' || r == '\r' })
		if id == "" {
			continue
		}
		seen[id] = struct{}{}
	}
	if err := sc.Err(); err != nil {
		return nil, &PersistenceError{Op: "read", Path: s.Location(), Err: err}
	}

	s.logger.Info("Dedupe store loaded", "location", s.Location(), "unique_ids", len(seen))
	return seen, nil
}

// Append adds ids to the store in a single write. An empty slice is a
// no-op append that still creates the store if it is missing.
func (s *Store) Append(ctx context.Context, ids []string) error {
	var b strings.Builder
	for _, id := range ids {
		b.WriteString(id)
		b.WriteByte('\n')
	}
	payload := []byte(b.String())

	var err error
	if s.localPath != "" {
		err = s.appendLocal(payload)
	} else {
		err = s.appendObject(ctx, payload)
	}
	if err != nil {
		return &PersistenceError{Op: "append", Path: s.Location(), Err: err}
	}

	s.logger.Info("Dedupe store updated", "location", s.Location(), "appended", len(ids))
	return nil
}

// read returns the store contents and, for Cloud Storage, the object
// generation (0 when the object does not exist).
func (s *Store) read(ctx context.Context) ([]byte, int64, error) {
	if s.localPath != "" {
		data, err := os.ReadFile(s.localPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				s.logger.Info("No existing dedupe store, starting empty", "path", s.localPath)
				return nil, 0, nil
			}
			return nil, 0, fmt.Errorf("read from local storage: %w", err)
		}
		return data, 0, nil
	}

	var data []byte
	var generation int64
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(s.object).NewReader(ctx)
			if openErr != nil {
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					data, generation = nil, 0
					return nil
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			readData, readErr := io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			data = readData
			generation = r.Attrs.Generation
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying load operation after error", "attempt", n, "object", s.object, "error", retryErr)
		}),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("load after retries: %w", err)
	}
	if generation == 0 && data == nil {
		s.logger.Info("No existing dedupe object, starting empty", "location", s.Location())
	}
	return data, generation, nil
}

func (s *Store) appendLocal(payload []byte) error {
	if dir := filepath.Dir(s.localPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create store directory: %w", err)
		}
	}
	f, err := os.OpenFile(s.localPath, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open local storage: %w", err)
	}
	if len(payload) > 0 {
		// A last line without its newline would swallow the first new ID.
		terminated, err := endsWithNewline(f)
		if err != nil {
			_ = f.Close()
			return fmt.Errorf("inspect local storage: %w", err)
		}
		if !terminated {
			payload = append([]byte{'\n'}, payload...)
		}
	}
	if _, err := f.Write(payload); err != nil {
		_ = f.Close()
		return fmt.Errorf("write to local storage: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close local storage: %w", err)
	}
	return nil
}

// endsWithNewline reports whether f is empty or ends in '\n'.
func endsWithNewline(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return true, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	return last[0] == '\n', nil
}

// appendObject rewrites the object with payload appended. Objects are
// immutable, so the write is conditioned on the generation that was read;
// a concurrent writer causes the whole read-modify-write to be retried.
func (s *Store) appendObject(ctx context.Context, payload []byte) error {
	err := retry.Do(
		func() error {
			existing, generation, err := s.read(ctx)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			if len(payload) == 0 && generation != 0 {
				return nil
			}
			if len(existing) > 0 && existing[len(existing)-1] != '\n' {
				existing = append(existing, '\n')
			}

			obj := s.client.Bucket(s.bucket).Object(s.object)
			if generation == 0 {
				obj = obj.If(storage.Conditions{DoesNotExist: true})
			} else {
				obj = obj.If(storage.Conditions{GenerationMatch: generation})
			}

			w := obj.NewWriter(ctx)
			w.ContentType = "text/plain; charset=utf-8"
			if _, writeErr := w.Write(append(existing, payload...)); writeErr != nil {
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
		retry.Attempts(5),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			if isPreconditionFailed(retryErr) {
				s.logger.Warn("Dedupe object changed during append, retrying", "attempt", n, "object", s.object)
				return
			}
			s.logger.Info("Retrying append operation after error", "attempt", n, "object", s.object, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("append after retries: %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 412
}
