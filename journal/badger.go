package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/rustyeddy/tradebridge/broker"
	"github.com/rustyeddy/tradebridge/pkg/id"
)

// Badger keeps trades and stop adjustments as JSON values in an embedded
// key-value store.
//
//	trade/<ticket:020d>          -> TradeMeta
//	stop/<ticket:020d>/<ulid>    -> StopAdjustment
type Badger struct {
	db *badger.DB
}

var _ Store = (*Badger)(nil)

func NewBadger(path string) (*Badger, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("journal: badger path is required")
	}
	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil))
	if err != nil {
		return nil, err
	}
	return &Badger{db: db}, nil
}

func tradeKey(ticket broker.Ticket) []byte {
	return []byte(fmt.Sprintf("trade/%020d", uint64(ticket)))
}

func stopPrefix(ticket broker.Ticket) []byte {
	return []byte(fmt.Sprintf("stop/%020d/", uint64(ticket)))
}

func (j *Badger) SaveTrade(ctx context.Context, t TradeMeta) error {
	now := time.Now().UTC()
	if t.OpenedAt.IsZero() {
		t.OpenedAt = now
	}
	if t.Status == "" {
		t.Status = statusFor(t.Volume)
	}
	t.UpdatedAt = now

	v, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(tradeKey(t.Ticket), v)
	})
}

func getTrade(txn *badger.Txn, ticket broker.Ticket) (TradeMeta, error) {
	var rec TradeMeta
	item, err := txn.Get(tradeKey(ticket))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return rec, fmt.Errorf("ticket %s: %w", ticket, ErrNotFound)
		}
		return rec, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	return rec, err
}

func (j *Badger) GetTrade(ctx context.Context, ticket broker.Ticket) (TradeMeta, error) {
	var rec TradeMeta
	err := j.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getTrade(txn, ticket)
		return err
	})
	return rec, err
}

func (j *Badger) ListTrades(ctx context.Context, status Status) ([]TradeMeta, error) {
	var out []TradeMeta
	err := j.db.View(func(txn *badger.Txn) error {
		prefix := []byte("trade/")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec TradeMeta
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			if status == "" || rec.Status == status {
				out = append(out, rec)
			}
		}
		return nil
	})
	return out, err
}

// update applies fn to a stored trade inside one read-write transaction.
func (j *Badger) update(ticket broker.Ticket, fn func(*TradeMeta)) error {
	return j.db.Update(func(txn *badger.Txn) error {
		rec, err := getTrade(txn, ticket)
		if err != nil {
			return err
		}
		fn(&rec)
		rec.UpdatedAt = time.Now().UTC()
		v, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(tradeKey(ticket), v)
	})
}

func (j *Badger) SetTrailing(ctx context.Context, ticket broker.Ticket, pips float64) error {
	return j.update(ticket, func(t *TradeMeta) {
		t.TrailingStopPips = &pips
	})
}

func (j *Badger) UpdateVolume(ctx context.Context, ticket broker.Ticket, volume float64) error {
	return j.update(ticket, func(t *TradeMeta) {
		t.Volume = volume
		t.Status = statusFor(volume)
	})
}

func (j *Badger) TrailingConfig(ctx context.Context, ticket broker.Ticket) (TrailingConfig, bool, error) {
	rec, err := j.GetTrade(ctx, ticket)
	if errors.Is(err, ErrNotFound) {
		return TrailingConfig{}, false, nil
	}
	if err != nil {
		return TrailingConfig{}, false, err
	}
	cfg, ok := trailing(rec)
	return cfg, ok, nil
}

func (j *Badger) RecordStopAdjustment(ctx context.Context, a StopAdjustment) error {
	if a.ID == "" {
		a.ID = id.New()
	}
	if a.Time.IsZero() {
		a.Time = time.Now().UTC()
	}
	v, err := json.Marshal(a)
	if err != nil {
		return err
	}
	key := append(stopPrefix(a.Ticket), a.ID...)
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, v)
	})
}

func (j *Badger) StopAdjustments(ctx context.Context, ticket broker.Ticket) ([]StopAdjustment, error) {
	var out []StopAdjustment
	err := j.db.View(func(txn *badger.Txn) error {
		prefix := stopPrefix(ticket)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var a StopAdjustment
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &a)
			}); err != nil {
				return err
			}
			out = append(out, a)
		}
		return nil
	})
	return out, err
}

func (j *Badger) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}
