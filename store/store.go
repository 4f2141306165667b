package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/fieldworks/stagefast/engine"
)

var (
	// ErrJobNotFound is returned when a job is not found in the state store.
	ErrJobNotFound = errors.New("job not found")

	// ErrLedgerPurged is returned when a resume is attempted for a job whose
	// chunk ledger was dropped after the retention window.
	ErrLedgerPurged = errors.New("chunk ledger purged")
)

var (
	jobsBucket   = []byte("jobs")
	chunksBucket = []byte("chunks")
)

// JobRecord is the persisted configuration and progress of an upload job.
// Immutable fields are fixed at creation; mutable fields are updated only by
// the owning job's state machine and progress bookkeeping.
type JobRecord struct {
	ID string `json:"id"`

	// Source descriptor.
	SourceKind string `json:"source_kind"` // local, cloud, url, client
	SourcePath string `json:"source_path"`

	Destination string `json:"destination"`
	DatasetID   string `json:"dataset_id"`
	DatasetName string `json:"dataset_name"`
	Sensor      string `json:"sensor"`
	UserEmail   string `json:"user_email"`
	FolderUUID  string `json:"folder_uuid,omitempty"`
	TeamUUID    string `json:"team_uuid,omitempty"`

	ChunkSize  int64         `json:"chunk_size"`
	TotalBytes int64         `json:"total_bytes"`
	MaxRetries int           `json:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay"`
	Timeout    time.Duration `json:"timeout"`

	AutoConvert    bool `json:"auto_convert"`
	VerifyChecksum bool `json:"verify_checksum"`
	IsPublic       bool `json:"is_public"`

	State         engine.State `json:"state"`
	BytesUploaded int64        `json:"bytes_uploaded"`
	RetryCount    int          `json:"retry_count"`
	Error         string       `json:"error,omitempty"`

	// Resumable marks a FAILED job whose failure was transient (timeout,
	// exhausted chunk retries) and whose ledger still allows a resume.
	// Config and integrity failures are never resumable.
	Resumable bool `json:"resumable,omitempty"`

	// LedgerPurged records that the retention sweep dropped the chunk
	// ledger; the job can no longer resume.
	LedgerPurged bool `json:"ledger_purged,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// Store is the persistence boundary for job records and the chunk ledger.
type Store interface {
	SaveJob(job *JobRecord) error
	GetJob(id string) (*JobRecord, error)
	ListJobs() ([]*JobRecord, error)
	DeleteJob(id string) error

	// CommitChunk durably records a chunk as received and reports whether
	// the commit was new. Commits are set-once: the same checksum is
	// accepted silently as not-new, a different one returns an
	// engine.IntegrityError.
	CommitChunk(jobID string, index int, checksum uint64) (bool, error)

	// CommittedChunks returns the index to checksum map for a job.
	CommittedChunks(jobID string) (map[int]uint64, error)

	// PurgeChunks drops a job's ledger entries, after which the job can no
	// longer resume.
	PurgeChunks(jobID string) error

	Close() error
}

// BoltStore is a Store implementation backed by bbolt.
type BoltStore struct {
	db *bbolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore creates a new BoltStore at the given path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(jobsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(chunksBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// SaveJob saves a job record.
func (s *BoltStore) SaveJob(job *JobRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(jobsBucket)

		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}

		if err := b.Put([]byte(job.ID), data); err != nil {
			return fmt.Errorf("failed to put job: %w", err)
		}
		return nil
	})
}

// GetJob retrieves a job record.
func (s *BoltStore) GetJob(id string) (*JobRecord, error) {
	var job JobRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(jobsBucket)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrJobNotFound
		}

		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("failed to unmarshal job: %w", err)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns all job records, in key order.
func (s *BoltStore) ListJobs() ([]*JobRecord, error) {
	var jobs []*JobRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(jobsBucket).ForEach(func(_, data []byte) error {
			var job JobRecord
			if err := json.Unmarshal(data, &job); err != nil {
				return fmt.Errorf("failed to unmarshal job: %w", err)
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// DeleteJob removes a job record together with its ledger entries.
func (s *BoltStore) DeleteJob(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(jobsBucket).Delete([]byte(id)); err != nil {
			return err
		}
		return deleteChunkRange(tx.Bucket(chunksBucket), id)
	})
}

// CommitChunk records a chunk commit, enforcing set-once semantics.
func (s *BoltStore) CommitChunk(jobID string, index int, checksum uint64) (bool, error) {
	fresh := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(chunksBucket)
		key := chunkKey(jobID, index)

		if existing := b.Get(key); existing != nil {
			prev := binary.BigEndian.Uint64(existing)
			if prev == checksum {
				// Duplicate commit from a racing session, safe no-op.
				return nil
			}
			return &engine.IntegrityError{Index: index, Want: prev, Got: checksum}
		}

		val := make([]byte, 8)
		binary.BigEndian.PutUint64(val, checksum)
		if err := b.Put(key, val); err != nil {
			return err
		}
		fresh = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return fresh, nil
}

// CommittedChunks returns all committed indices for a job.
func (s *BoltStore) CommittedChunks(jobID string) (map[int]uint64, error) {
	committed := make(map[int]uint64)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(chunksBucket).Cursor()
		prefix := chunkPrefix(jobID)
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var index int
			if _, err := fmt.Sscanf(string(k[len(prefix):]), "%d", &index); err != nil {
				return fmt.Errorf("malformed chunk key %q: %w", k, err)
			}
			committed[index] = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return committed, nil
}

// PurgeChunks drops a job's ledger entries.
func (s *BoltStore) PurgeChunks(jobID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return deleteChunkRange(tx.Bucket(chunksBucket), jobID)
	})
}

// Close closes the underlying store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func chunkPrefix(jobID string) []byte {
	return []byte(jobID + "/")
}

// chunkKey is jobID/index with the index zero-padded so keys sort by offset.
func chunkKey(jobID string, index int) []byte {
	return []byte(fmt.Sprintf("%s/%012d", jobID, index))
}

func hasPrefix(k, prefix []byte) bool {
	return len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix)
}

func deleteChunkRange(b *bbolt.Bucket, jobID string) error {
	// Collect keys first; deleting under a live cursor skips entries.
	var keys [][]byte
	c := b.Cursor()
	prefix := chunkPrefix(jobID)
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		key := make([]byte, len(k))
		copy(key, k)
		keys = append(keys, key)
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
