package persistence

import (
	"delta-trend-bot-go/internal/models"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v3"
)

// stateVersion is bumped when PositionState changes incompatibly.
const stateVersion = 1

// ErrStateVersion is returned when the stored document was written by an
// incompatible build.
var ErrStateVersion = errors.New("persisted position state has an unsupported version")

type stateRecord struct {
	Version int                  `json:"version"`
	SavedAt time.Time            `json:"saved_at"`
	State   models.PositionState `json:"state"`
}

type badgerRepository struct {
	db       *badger.DB
	stateKey []byte
}

// NewBadgerRepository opens (or creates) the badger directory at dbPath. The
// state is stored under a key derived from symbol so one directory can be
// shared by agents trading different instruments.
func NewBadgerRepository(dbPath, symbol string) (StateRepository, error) {
	if symbol == "" {
		return nil, errors.New("symbol is required for the state key")
	}
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dbPath, err)
	}

	return &badgerRepository{
		db:       db,
		stateKey: []byte("position_state/" + symbol),
	}, nil
}

// SaveState implements StateRepository.
func (r *badgerRepository) SaveState(state *models.PositionState) error {
	data, err := json.Marshal(stateRecord{Version: stateVersion, SavedAt: time.Now().UTC(), State: *state})
	if err != nil {
		return fmt.Errorf("encode position state: %w", err)
	}

	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(r.stateKey, data)
	})
}

// LoadState implements StateRepository.
func (r *badgerRepository) LoadState() (*models.PositionState, error) {
	var rec stateRecord

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(r.stateKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("state value is empty in database")
			}
			return json.Unmarshal(val, &rec)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load position state: %w", err)
	}
	if rec.Version != stateVersion {
		return nil, fmt.Errorf("%w: %d", ErrStateVersion, rec.Version)
	}
	return &rec.State, nil
}

func (r *badgerRepository) Close() error {
	return r.db.Close()
}
