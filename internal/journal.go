package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aleybovich/carrot-client/config"
	"github.com/aleybovich/carrot-client/logger"
	"github.com/aleybovich/carrot-client/storage"
)

// PublishRecord is the journaled form of one basic.publish.
type PublishRecord struct {
	Sequence   uint64    `json:"sequence"`
	Channel    uint16    `json:"channel"`
	Ticket     uint16    `json:"ticket"`
	Exchange   string    `json:"exchange"`
	RoutingKey string    `json:"routing_key"`
	Mandatory  bool      `json:"mandatory"`
	Immediate  bool      `json:"immediate"`
	Properties []byte    `json:"properties"`
	Body       []byte    `json:"body"`
	Timestamp  time.Time `json:"timestamp"`
}

func publishKey(seq uint64) string {
	return fmt.Sprintf("%s%020d", storage.KeyPrefixPublish, seq)
}

// Journal records published messages in a storage provider so a caller
// can audit or replay what was sent.
type Journal struct {
	store storage.StorageProvider
	log   logger.Logger
	mu    sync.Mutex
	seq   uint64
}

func NewJournal(store storage.StorageProvider, log logger.Logger) *Journal {
	if log == nil {
		log = &logger.NilLogger{}
	}
	return &Journal{store: store, log: log}
}

// newJournalFromConfig returns nil when the config disables the journal.
func newJournalFromConfig(cfg config.StorageConfig, log logger.Logger) (*Journal, error) {
	switch cfg.Type {
	case "", config.StorageTypeNone:
		return nil, nil
	case config.StorageTypeMemory:
		log.Info("Using in-memory publish journal (BuntDB)")
		return NewJournal(storage.NewBuntDBProvider(":memory:"), log), nil
	case config.StorageTypeBuntDB:
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		log.Info("Using persistent publish journal at: %s", cfg.BuntDB.Path)
		return NewJournal(storage.NewBuntDBProvider(cfg.BuntDB.Path), log), nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}

// Initialize opens the store and recovers the last sequence number.
func (j *Journal) Initialize() error {
	if err := j.store.Initialize(); err != nil {
		return fmt.Errorf("initializing journal storage: %w", err)
	}
	data, err := j.store.Get(storage.KeySeqCounter)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading journal sequence: %w", err)
	}
	seq, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("parsing journal sequence %q: %w", data, err)
	}
	j.mu.Lock()
	j.seq = seq
	j.mu.Unlock()
	j.log.Debug("Recovered journal sequence %d", seq)
	return nil
}

func (j *Journal) Close() error {
	return j.store.Close()
}

// Record assigns the next sequence number to rec and stores it together
// with the updated counter.
func (j *Journal) Record(rec *PublishRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec.Sequence = j.seq + 1
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling publish record: %w", err)
	}
	if err := j.store.SetBatch(map[string][]byte{
		publishKey(rec.Sequence): data,
		storage.KeySeqCounter:    []byte(strconv.FormatUint(rec.Sequence, 10)),
	}); err != nil {
		return fmt.Errorf("saving publish record %d: %w", rec.Sequence, err)
	}
	j.seq = rec.Sequence
	return nil
}

// Entries returns every journaled publish in sequence order.
func (j *Journal) Entries() ([]*PublishRecord, error) {
	var records []*PublishRecord
	err := j.store.Scan(storage.KeyPrefixPublish, func(key string, value []byte) error {
		var rec PublishRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("unmarshaling %s: %w", key, err)
		}
		records = append(records, &rec)
		return nil
	})
	return records, err
}

// Sequence returns the number of the last recorded publish.
func (j *Journal) Sequence() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Len returns how many publishes the journal currently holds.
func (j *Journal) Len() (int, error) {
	keys, err := j.store.Keys(storage.KeyPrefixPublish)
	if err != nil {
		return 0, fmt.Errorf("listing journal entries: %w", err)
	}
	return len(keys), nil
}

// Prune deletes every record with a sequence number up to and including
// upTo and returns how many were removed. The sequence counter is kept, so
// numbering continues after a prune.
func (j *Journal) Prune(upTo uint64) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	keys, err := j.store.Keys(storage.KeyPrefixPublish)
	if err != nil {
		return 0, fmt.Errorf("listing journal entries: %w", err)
	}
	removed := 0
	for _, key := range keys {
		seq, err := strconv.ParseUint(strings.TrimPrefix(key, storage.KeyPrefixPublish), 10, 64)
		if err != nil {
			return removed, fmt.Errorf("parsing journal key %q: %w", key, err)
		}
		// Keys are zero-padded, so they come back in sequence order.
		if seq > upTo {
			break
		}
		if err := j.store.Delete(key); err != nil {
			return removed, fmt.Errorf("deleting %s: %w", key, err)
		}
		removed++
	}
	if removed > 0 {
		j.log.Debug("Pruned %d journal entries up to sequence %d", removed, upTo)
	}
	return removed, nil
}
