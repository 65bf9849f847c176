package portmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================
// FileStore
// ============================================================

// FileStore keeps all leases in a single JSON file, rewritten atomically on
// every change. Good for single-instance deployments with no redis.
type FileStore struct {
	path string
}

type leaseFile struct {
	Leases []Lease `json:"leases"`
}

// NewFileStore creates the parent directory if needed.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating lease directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Put(ctx context.Context, lease Lease) error {
	leases, err := s.load()
	if err != nil {
		return err
	}
	replaced := false
	for i, l := range leases {
		if l.RouterID == lease.RouterID {
			leases[i] = lease
			replaced = true
			break
		}
	}
	if !replaced {
		leases = append(leases, lease)
	}
	return s.save(leases)
}

func (s *FileStore) Delete(ctx context.Context, routerID string) error {
	leases, err := s.load()
	if err != nil {
		return err
	}
	kept := leases[:0]
	for _, l := range leases {
		if l.RouterID != routerID {
			kept = append(kept, l)
		}
	}
	return s.save(kept)
}

func (s *FileStore) List(ctx context.Context) ([]Lease, error) {
	return s.load()
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) load() ([]Lease, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading lease file: %w", err)
	}
	var f leaseFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing lease file %s: %w", s.path, err)
	}
	return f.Leases, nil
}

// save writes to a temp file and renames over the target so readers never
// observe a partial write.
func (s *FileStore) save(leases []Lease) error {
	data, err := json.MarshalIndent(leaseFile{Leases: leases}, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing lease file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing lease file: %w", err)
	}
	return nil
}

// ============================================================
// RedisStore
// ============================================================

const leaseKeyPrefix = "NETPILOT_LEASE|"

// RedisStore keeps one hash per lease, keyed NETPILOT_LEASE|<routerId>, so
// multiple port-manager replicas could share state behind a leader.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects and pings. DB 0 is used; leases are namespaced by
// key prefix.
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Put(ctx context.Context, lease Lease) error {
	key := leaseKeyPrefix + lease.RouterID
	err := s.client.HSet(ctx, key,
		"port", lease.Port,
		"leased_at", lease.LeasedAt.Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("writing lease %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, routerID string) error {
	if err := s.client.Del(ctx, leaseKeyPrefix+routerID).Err(); err != nil {
		return fmt.Errorf("deleting lease for %s: %w", routerID, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]Lease, error) {
	var leases []Lease
	iter := s.client.Scan(ctx, 0, leaseKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("reading lease %s: %w", key, err)
		}
		lease, err := leaseFromHash(key, fields)
		if err != nil {
			return nil, err
		}
		leases = append(leases, lease)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning leases: %w", err)
	}
	return leases, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func leaseFromHash(key string, fields map[string]string) (Lease, error) {
	port, err := strconv.Atoi(fields["port"])
	if err != nil {
		return Lease{}, fmt.Errorf("lease %s has bad port %q", key, fields["port"])
	}
	leasedAt, err := time.Parse(time.RFC3339Nano, fields["leased_at"])
	if err != nil {
		return Lease{}, fmt.Errorf("lease %s has bad leased_at %q", key, fields["leased_at"])
	}
	return Lease{
		RouterID: key[len(leaseKeyPrefix):],
		Port:     port,
		LeasedAt: leasedAt,
	}, nil
}
