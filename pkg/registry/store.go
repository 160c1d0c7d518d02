package registry

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/relay/pkg/metrics"
	bolt "go.etcd.io/bbolt"
)

// Store persists producer records across restarts. Topic/channel
// membership and tombstones are rebuilt from scratch by producer
// re-IDENTIFY/REGISTER traffic after a restart, the same way nsqlookupd
// relies on producers to re-announce themselves; only the producer
// records themselves are worth surviving a restart.
type Store interface {
	PutProducer(p *Producer) error
	DeleteProducer(id string) error
	ListProducers() ([]*Producer, error)
	Close() error
}

var bucketProducers = []byte("producers")

// BoltStore implements Store on top of bbolt, one bucket keyed by
// producer id, following teacher pkg/storage.BoltStore's
// bucket-per-entity-type / JSON-marshal-per-record shape.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the registry's bbolt database under
// dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "relaylookupd.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open registry database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketProducers)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error { return s.db.Close() }

// PutProducer upserts a producer record.
func (s *BoltStore) PutProducer(p *Producer) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProducers)
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put([]byte(p.ID), data)
	})
}

// DeleteProducer removes a producer record.
func (s *BoltStore) DeleteProducer(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProducers).Delete([]byte(id))
	})
}

// ListProducers returns every persisted producer record.
func (s *BoltStore) ListProducers() ([]*Producer, error) {
	var out []*Producer
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProducers)
		return b.ForEach(func(k, v []byte) error {
			var p Producer
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, &p)
			return nil
		})
	})
	return out, err
}

// loadFromStore repopulates the producer map from persisted records at
// startup. Topic/channel sets are not restored: they are rebuilt as
// producers re-REGISTER, matching how nsqlookupd treats its
// RegistrationDB as derived, ephemeral state.
func (r *Registry) loadFromStore() {
	producers, err := r.cfg.Store.ListProducers()
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to load persisted producers")
		return
	}
	r.mu.Lock()
	for _, p := range producers {
		r.producers[p.ID] = p
	}
	metrics.RegistryProducersTotal.Set(float64(len(r.producers)))
	r.mu.Unlock()
	r.logger.Info().Int("count", len(producers)).Msg("loaded persisted producers")
}

func (r *Registry) persistProducer(p *Producer) {
	if r.cfg.Store == nil {
		return
	}
	if err := r.cfg.Store.PutProducer(p); err != nil {
		r.logger.Error().Err(err).Str("producer", p.ID).Msg("failed to persist producer")
	}
}

func (r *Registry) deletePersistedProducer(id string) {
	if r.cfg.Store == nil {
		return
	}
	if err := r.cfg.Store.DeleteProducer(id); err != nil {
		r.logger.Error().Err(err).Str("producer", id).Msg("failed to delete persisted producer")
	}
}
