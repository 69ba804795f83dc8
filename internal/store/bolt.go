package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"
)

var bucketRecords = []byte("records")

// record is the on-disk envelope for one path.
type record struct {
	Data      []byte
	Version   uint64
	Ephemeral bool
	SessionID string
}

// BoltStore is the reference Store implementation: every path is a key
// in one bbolt bucket, JSON-encoded, generalizing the teacher's
// bucket-per-entity storage engine (pkg/storage/boltdb.go) to an
// arbitrary hierarchical path space.
type BoltStore struct {
	db *bolt.DB

	mu        sync.Mutex
	sessions  map[string]map[string]bool // sessionID -> set of ephemeral paths it owns
	broker    *broker
}

// NewBoltStore opens (creating if absent) a bbolt database at dbPath
// and returns a Store backed by it.
func NewBoltStore(dbPath string) (*BoltStore, error) {
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRecords)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create records bucket: %w", err)
	}
	return &BoltStore{
		db:       db,
		sessions: make(map[string]map[string]bool),
		broker:   newBroker(),
	}, nil
}

func (s *BoltStore) Close() error {
	s.broker.stop()
	return s.db.Close()
}

func normalize(p string) string {
	p = path.Clean("/" + p)
	return p
}

func parentOf(p string) string {
	if p == "/" {
		return ""
	}
	return path.Dir(p)
}

func (s *BoltStore) getRecord(tx *bolt.Tx, p string) (*record, bool) {
	b := tx.Bucket(bucketRecords)
	raw := b.Get([]byte(p))
	if raw == nil {
		return nil, false
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false
	}
	return &rec, true
}

func (s *BoltStore) putRecord(tx *bolt.Tx, p string, rec *record) error {
	b := tx.Bucket(bucketRecords)
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put([]byte(p), raw)
}

func (s *BoltStore) Get(ctx context.Context, p string) ([]byte, Stat, error) {
	p = normalize(p)
	var rec *record
	err := s.db.View(func(tx *bolt.Tx) error {
		r, ok := s.getRecord(tx, p)
		if !ok {
			return notFound(p, fmt.Errorf("no such path"))
		}
		rec = r
		return nil
	})
	if err != nil {
		return nil, Stat{}, err
	}
	return rec.Data, Stat{Version: rec.Version, Ephemeral: rec.Ephemeral, SessionID: rec.SessionID}, nil
}

func (s *BoltStore) Exists(ctx context.Context, p string) (bool, error) {
	p = normalize(p)
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		_, ok := s.getRecord(tx, p)
		found = ok
		return nil
	})
	return found, err
}

func (s *BoltStore) GetChildren(ctx context.Context, p string) ([]string, error) {
	p = normalize(p)
	prefix := p
	if prefix != "/" {
		prefix += "/"
	}
	seen := map[string]bool{}
	var children []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		c := b.Cursor()
		for k, _ := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			rest := strings.TrimPrefix(string(k), prefix)
			if rest == "" {
				continue
			}
			child := rest
			if i := strings.IndexByte(rest, '/'); i >= 0 {
				child = rest[:i]
			}
			if !seen[child] {
				seen[child] = true
				children = append(children, child)
			}
		}
		return nil
	})
	return children, err
}

// ensureParents recursively creates persistent (empty-data) parent
// nodes for p, returning the list of paths it actually created.
func (s *BoltStore) ensureParents(tx *bolt.Tx, p string) ([]string, error) {
	var created []string
	parent := parentOf(p)
	for parent != "" && parent != "/" {
		if _, ok := s.getRecord(tx, parent); ok {
			break
		}
		if err := s.putRecord(tx, parent, &record{Version: 1}); err != nil {
			return created, err
		}
		created = append(created, parent)
		parent = parentOf(parent)
	}
	return created, nil
}

func (s *BoltStore) create(ctx context.Context, p string, data []byte, ephemeral bool, sessionID string) ([]string, Stat, error) {
	p = normalize(p)
	var created []string
	var stat Stat
	err := s.db.Update(func(tx *bolt.Tx) error {
		if _, exists := s.getRecord(tx, p); exists {
			return versionConflict(p, fmt.Errorf("path already exists"))
		}
		parents, err := s.ensureParents(tx, p)
		if err != nil {
			return err
		}
		created = parents
		rec := &record{Data: data, Version: 1, Ephemeral: ephemeral, SessionID: sessionID}
		if err := s.putRecord(tx, p, rec); err != nil {
			return err
		}
		stat = Stat{Version: rec.Version, Ephemeral: ephemeral, SessionID: sessionID}
		return nil
	})
	if err != nil {
		return nil, Stat{}, err
	}
	if ephemeral {
		s.trackEphemeral(sessionID, p)
	}
	s.broker.notify(Event{Path: p, Type: EventDataChanged})
	s.broker.notifyChildren(parentOf(p))
	return created, stat, nil
}

func (s *BoltStore) Create(ctx context.Context, p string, data []byte) ([]string, Stat, error) {
	return s.create(ctx, p, data, false, "")
}

func (s *BoltStore) CreateEphemeral(ctx context.Context, p string, data []byte, sessionID string) ([]string, Stat, error) {
	return s.create(ctx, p, data, true, sessionID)
}

func (s *BoltStore) trackEphemeral(sessionID, p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sessions[sessionID]
	if !ok {
		set = make(map[string]bool)
		s.sessions[sessionID] = set
	}
	set[p] = true
}

func (s *BoltStore) Set(ctx context.Context, p string, data []byte, expectedVersion uint64) (Stat, error) {
	p = normalize(p)
	var stat Stat
	err := s.db.Update(func(tx *bolt.Tx) error {
		rec, ok := s.getRecord(tx, p)
		if !ok {
			if expectedVersion != UnconditionalVersion {
				return notFound(p, fmt.Errorf("no such path"))
			}
			rec = &record{}
		} else if expectedVersion != UnconditionalVersion && rec.Version != expectedVersion {
			return versionConflict(p, fmt.Errorf("expected version %d, have %d", expectedVersion, rec.Version))
		}
		rec.Data = data
		rec.Version++
		if err := s.putRecord(tx, p, rec); err != nil {
			return err
		}
		stat = Stat{Version: rec.Version, Ephemeral: rec.Ephemeral, SessionID: rec.SessionID}
		return nil
	})
	if err != nil {
		return Stat{}, err
	}
	s.broker.notify(Event{Path: p, Type: EventDataChanged})
	return stat, nil
}

func (s *BoltStore) Delete(ctx context.Context, p string, expectedVersion uint64) error {
	p = normalize(p)
	err := s.db.Update(func(tx *bolt.Tx) error {
		rec, ok := s.getRecord(tx, p)
		if !ok {
			return notFound(p, fmt.Errorf("no such path"))
		}
		if expectedVersion != UnconditionalVersion && rec.Version != expectedVersion {
			return versionConflict(p, fmt.Errorf("expected version %d, have %d", expectedVersion, rec.Version))
		}
		b := tx.Bucket(bucketRecords)
		return b.Delete([]byte(p))
	})
	if err != nil {
		return err
	}
	s.broker.notify(Event{Path: p, Type: EventNodeDeleted})
	s.broker.notifyChildren(parentOf(p))
	return nil
}

func (s *BoltStore) Update(ctx context.Context, p string, fn UpdateFunc) (Stat, error) {
	p = normalize(p)
	const maxRetries = 20
	for attempt := 0; attempt < maxRetries; attempt++ {
		cur, stat, getErr := s.Get(ctx, p)
		missing := IsNotFound(getErr)
		if getErr != nil && !missing {
			return Stat{}, getErr
		}

		next, err := fn(cur, stat)
		if err != nil {
			return Stat{}, err
		}
		if next == nil {
			return stat, nil
		}

		if missing {
			_, createStat, cerr := s.Create(ctx, p, next)
			if cerr == nil {
				return createStat, nil
			}
			if IsVersionConflict(cerr) {
				continue
			}
			return Stat{}, cerr
		}

		newStat, serr := s.Set(ctx, p, next, stat.Version)
		if serr == nil {
			return newStat, nil
		}
		if IsVersionConflict(serr) {
			continue
		}
		return Stat{}, serr
	}
	return Stat{}, versionConflict(p, fmt.Errorf("exhausted retries"))
}

func (s *BoltStore) BatchCreate(ctx context.Context, paths []string, data [][]byte) ([]Stat, []error) {
	stats := make([]Stat, len(paths))
	errs := make([]error, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for i := range paths {
		i := i
		g.Go(func() error {
			_, stat, err := s.Create(gctx, paths[i], data[i])
			stats[i] = stat
			errs[i] = err
			return nil // individual failures are reported per-index, not fatal to the batch
		})
	}
	_ = g.Wait()
	return stats, errs
}

func (s *BoltStore) BatchGet(ctx context.Context, paths []string) ([][]byte, []Stat, []error) {
	datas := make([][]byte, len(paths))
	stats := make([]Stat, len(paths))
	errs := make([]error, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for i := range paths {
		i := i
		g.Go(func() error {
			d, st, err := s.Get(gctx, paths[i])
			datas[i] = d
			stats[i] = st
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()
	return datas, stats, errs
}

func (s *BoltStore) Subscribe(ctx context.Context, p string) (<-chan Event, func(), error) {
	ch, cancel := s.broker.subscribe(normalize(p))
	return ch, cancel, nil
}

func (s *BoltStore) SubscribeChildren(ctx context.Context, p string) (<-chan Event, func(), error) {
	ch, cancel := s.broker.subscribeChildren(normalize(p))
	return ch, cancel, nil
}

func (s *BoltStore) ReleaseSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	paths := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	for p := range paths {
		if err := s.Delete(ctx, p, UnconditionalVersion); err != nil && !IsNotFound(err) {
			return fmt.Errorf("release session %s: %w", sessionID, err)
		}
	}
	return nil
}
