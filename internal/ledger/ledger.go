// Package ledger persists the keyboards the daemon has claimed.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/dgraph-io/badger"
	"go.uber.org/zap"
)

const devicePrefix = "devices/"

// Device is one keyboard endpoint seen by a transport.
type Device struct {
	Transport   string    `json:"transport"`
	Endpoint    string    `json:"endpoint"`
	Name        string    `json:"name"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
	Sessions    int       `json:"sessions"`
}

type Ledger struct {
	log *zap.Logger
	db  *badger.DB
	now func() time.Time
}

// Open opens or creates the ledger database under dataDir.
func Open(log *zap.Logger, dataDir string) (*Ledger, error) {
	dbOptions := badger.DefaultOptions(filepath.Join(dataDir, "db"))
	dbOptions.Logger = &badgerLogger{l: log.Named("badger")}

	db, err := badger.Open(dbOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}
	return &Ledger{
		log: log,
		db:  db,
		now: time.Now,
	}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

func deviceKey(transport, endpoint string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", devicePrefix, transport, endpoint))
}

// RecordSession notes that a session was started on endpoint.
func (l *Ledger) RecordSession(transport, endpoint, name string) error {
	_, err := l.record(transport, endpoint, name)
	return err
}

func (l *Ledger) record(transport, endpoint, name string) (Device, error) {
	var dev Device
	now := l.now()
	err := l.db.Update(func(txn *badger.Txn) error {
		key := deviceKey(transport, endpoint)
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			err = item.Value(func(val []byte) error {
				return json.Unmarshal(val, &dev)
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal device: %w", err)
			}
		}
		dev.Transport = transport
		dev.Endpoint = endpoint
		dev.Name = name
		if dev.FirstSeenAt.IsZero() {
			dev.FirstSeenAt = now
		}
		dev.LastSeenAt = now
		dev.Sessions++
		b, err := json.Marshal(dev)
		if err != nil {
			return fmt.Errorf("failed to marshal device: %w", err)
		}
		return txn.Set(key, b)
	})
	if err != nil {
		return Device{}, fmt.Errorf("failed to record device: %w", err)
	}
	l.log.Debug("Recorded session", zap.String("transport", transport), zap.String("endpoint", endpoint), zap.Int("sessions", dev.Sessions))
	return dev, nil
}

// List returns every recorded device, most recently seen first.
func (l *Ledger) List() ([]Device, error) {
	var devices []Device
	err := l.db.View(func(txn *badger.Txn) error {
		iter := txn.NewIterator(badger.DefaultIteratorOptions)
		defer iter.Close()
		prefix := []byte(devicePrefix)
		for iter.Seek(prefix); iter.ValidForPrefix(prefix); iter.Next() {
			var dev Device
			err := iter.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &dev)
			})
			if err != nil {
				return err
			}
			devices = append(devices, dev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	sort.SliceStable(devices, func(i, j int) bool {
		return devices[i].LastSeenAt.After(devices[j].LastSeenAt)
	})
	return devices, nil
}

type badgerLogger struct {
	l *zap.Logger
}

func (l badgerLogger) Errorf(msg string, args ...any) {
	l.l.Error(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Warningf(msg string, args ...any) {
	l.l.Warn(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Infof(msg string, args ...any) {
	l.l.Debug(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Debugf(msg string, args ...any) {
	l.l.Debug(fmt.Sprintf(msg, args...))
}
