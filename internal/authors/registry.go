package authors

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"go.uber.org/zap"

	"github.com/fedsearch/backend/internal/metrics"
	"github.com/fedsearch/backend/internal/timeline"
	"github.com/fedsearch/backend/pkg/retry"
)

const authorPrefix = "author:"

// Registry remembers every author seen in search results together with
// their latest message, and reports the ones seen for the first time.
type Registry struct {
	db     *badger.DB
	logger *zap.Logger
	now    func() time.Time

	wg sync.WaitGroup
}

type Option func(*Registry)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Sighting is one author's most recent message in a batch.
type Sighting struct {
	ScreenName string
	MessageID  string
	At         time.Time
}

// Author is the stored record of one screen name.
type Author struct {
	ScreenName    string
	FirstSeen     time.Time
	LastMessageID string
	LastMessageAt time.Time
}

// Sightings returns the newest message of every author in tl.
func Sightings(tl *timeline.Timeline) []Sighting {
	var out []Sighting
	index := make(map[string]int)
	for _, m := range tl.Messages() {
		name := m.Author.ScreenName
		if name == "" {
			continue
		}
		k := strings.ToLower(name)
		i, ok := index[k]
		if !ok {
			index[k] = len(out)
			out = append(out, Sighting{ScreenName: name, MessageID: m.ID, At: m.CreatedAt})
			continue
		}
		if m.CreatedAt.After(out[i].At) {
			out[i].MessageID = m.ID
			out[i].At = m.CreatedAt
		}
	}
	return out
}

type badgerLogger struct {
	logger *zap.SugaredLogger
}

func (l badgerLogger) Errorf(msg string, args ...any)   { l.logger.Errorf(strings.TrimSpace(msg), args...) }
func (l badgerLogger) Warningf(msg string, args ...any) { l.logger.Warnf(strings.TrimSpace(msg), args...) }
func (l badgerLogger) Infof(msg string, args ...any)    { l.logger.Debugf(strings.TrimSpace(msg), args...) }
func (l badgerLogger) Debugf(msg string, args ...any)   { l.logger.Debugf(strings.TrimSpace(msg), args...) }

// Open opens the registry at path, creating the directory if needed.
func Open(path string, inMemory bool, opts ...Option) (*Registry, error) {
	r := &Registry{
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	var bopts badger.Options
	if inMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create author registry directory: %w", err)
		}
		bopts = badger.DefaultOptions(path)
	}
	bopts.Logger = badgerLogger{logger: r.logger.Named("badger").Sugar()}
	bopts.Compression = options.None

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open author registry: %w", err)
	}
	r.db = db

	r.logger.Info("Author registry opened", zap.String("path", path), zap.Bool("in_memory", inMemory))
	return r, nil
}

func key(name string) []byte {
	return []byte(authorPrefix + strings.ToLower(name))
}

// A record is firstSeen and lastAt as big-endian unix milliseconds followed
// by the id of the latest message.
func encodeRecord(a Author) []byte {
	buf := make([]byte, 16+len(a.LastMessageID))
	binary.BigEndian.PutUint64(buf[0:8], uint64(a.FirstSeen.UnixMilli()))
	binary.BigEndian.PutUint64(buf[8:16], uint64(a.LastMessageAt.UnixMilli()))
	copy(buf[16:], a.LastMessageID)
	return buf
}

func decodeRecord(name string, val []byte) (Author, error) {
	if len(val) < 16 {
		return Author{}, fmt.Errorf("corrupt record for %q", name)
	}
	return Author{
		ScreenName:    name,
		FirstSeen:     time.UnixMilli(int64(binary.BigEndian.Uint64(val[0:8]))).UTC(),
		LastMessageAt: time.UnixMilli(int64(binary.BigEndian.Uint64(val[8:16]))).UTC(),
		LastMessageID: string(val[16:]),
	}, nil
}

// Observe records sightings and returns the screen names not known before,
// in input order. Names are compared case-insensitively; a stored latest
// message is replaced only by a newer one.
func (r *Registry) Observe(ctx context.Context, sightings []Sighting) ([]string, error) {
	if len(sightings) == 0 {
		return nil, nil
	}
	now := r.now().UTC()

	var fresh []string
	err := retry.Do(ctx, retry.Config{MaxAttempts: 5, InitialDelay: 5 * time.Millisecond, JitterFraction: 0.5}, func(ctx context.Context) error {
		fresh = fresh[:0]
		err := r.db.Update(func(txn *badger.Txn) error {
			pending := make(map[string]Author, len(sightings))
			var order []string
			for _, s := range sightings {
				if s.ScreenName == "" {
					continue
				}
				k := string(key(s.ScreenName))
				rec, ok := pending[k]
				if !ok {
					order = append(order, k)
					stored, known, err := getRecord(txn, s.ScreenName)
					if err != nil {
						return err
					}
					if known {
						rec = stored
					} else {
						rec = Author{ScreenName: s.ScreenName, FirstSeen: now}
						fresh = append(fresh, s.ScreenName)
					}
				}
				if rec.LastMessageID == "" || s.At.After(rec.LastMessageAt) {
					rec.LastMessageID = s.MessageID
					rec.LastMessageAt = s.At
				}
				pending[k] = rec
			}
			for _, k := range order {
				if err := txn.Set([]byte(k), encodeRecord(pending[k])); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil && !errors.Is(err, badger.ErrConflict) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record authors: %w", err)
	}
	return fresh, nil
}

func getRecord(txn *badger.Txn, name string) (Author, bool, error) {
	item, err := txn.Get(key(name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Author{}, false, nil
	}
	if err != nil {
		return Author{}, false, err
	}
	var a Author
	err = item.Value(func(val []byte) error {
		var derr error
		a, derr = decodeRecord(name, val)
		return derr
	})
	if err != nil {
		return Author{}, false, err
	}
	return a, true, nil
}

// Notify records the authors of tl in the background.
func (r *Registry) Notify(tl *timeline.Timeline) {
	sightings := Sightings(tl)
	if len(sightings) == 0 {
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		fresh, err := r.Observe(context.Background(), sightings)
		if err != nil {
			r.logger.Warn("Failed to record authors", zap.Error(err))
			return
		}
		if len(fresh) == 0 {
			return
		}

		metrics.NewAuthors.Add(float64(len(fresh)))
		r.logger.Debug("New authors observed", zap.Strings("authors", fresh))
	}()
}

// Lookup returns the stored record of name.
func (r *Registry) Lookup(name string) (Author, bool, error) {
	if name == "" {
		return Author{}, false, nil
	}
	var (
		a  Author
		ok bool
	)
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		a, ok, err = getRecord(txn, name)
		return err
	})
	if err != nil {
		return Author{}, false, fmt.Errorf("failed to read author: %w", err)
	}
	return a, ok, nil
}

func (r *Registry) Count() (int, error) {
	n := 0
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(authorPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count authors: %w", err)
	}
	return n, nil
}

// Wait blocks until pending notifications are recorded.
func (r *Registry) Wait() {
	r.wg.Wait()
}

func (r *Registry) Close() error {
	r.wg.Wait()
	return r.db.Close()
}
