package persistent

// Bolt is a pure Go key/value store that doesn't require a full
// database server such as Postgres or MySQL.
import (
	"fmt"

	"github.com/boltdb/bolt"
	"github.com/raftkit/raftkit/common"
)

var (
	logsBucketName    = []byte("logs")
	logMetaBucketName = []byte("logmeta")
	firstIndexKey     = []byte("first")
)

func init() {
	common.RegisterLogStorage("bolt", func(path string) (common.LogStorage, error) {
		return CreateDbLogStore(path)
	})
}

// DbLogStore is a log storage implementation backed by a Bolt DB.
// Entries live in the logs bucket keyed by big-endian index; the meta
// bucket remembers where the log starts so an empty, compacted log
// keeps its position across restarts.
type DbLogStore struct {
	db *bolt.DB
}

var _ common.LogStorage = DbLogStore{}

func CreateDbLogStore(dataBaseFilePath string) (DbLogStore, error) {
	// Open the .db data file. It will be created if it doesn't exist.
	db, err := bolt.Open(dataBaseFilePath, 0600, nil)
	if err != nil {
		return DbLogStore{}, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(logsBucketName); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(logMetaBucketName)
		return err
	})
	if err != nil {
		return DbLogStore{}, err
	}

	return DbLogStore{
		db: db,
	}, nil
}

// storedFirstIndex reads the persisted start of the log, defaulting
// to 1 for a fresh database.
func storedFirstIndex(tx *bolt.Tx) int64 {
	val := tx.Bucket(logMetaBucketName).Get(firstIndexKey)
	if val == nil {
		return 1
	}
	return keyToIndex(val)
}

func (d DbLogStore) FirstIndex() (int64, error) {
	var first int64
	err := d.db.View(func(tx *bolt.Tx) error {
		first = storedFirstIndex(tx)
		return nil
	})
	return first, err
}

func (d DbLogStore) LastIndex() (int64, error) {
	var last int64
	err := d.db.View(func(tx *bolt.Tx) error {
		key, _ := tx.Bucket(logsBucketName).Cursor().Last()
		if key == nil {
			last = storedFirstIndex(tx) - 1
			return nil
		}
		last = keyToIndex(key)
		return nil
	})
	return last, err
}

func (d DbLogStore) Term(index int64) (int64, error) {
	var term int64
	err := d.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(logsBucketName).Get(indexToKey(index))
		if val == nil {
			return nil
		}
		entry, err := decodeEntry(val)
		if err != nil {
			return err
		}
		term = entry.Term
		return nil
	})
	return term, err
}

func (d DbLogStore) Get(index int64) (*common.LogEntry, error) {
	var entry *common.LogEntry
	err := d.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(logsBucketName).Get(indexToKey(index))
		if val == nil {
			return fmt.Errorf("log entry %d not stored: %w", index, common.ErrInvalidArgument)
		}
		var err error
		entry, err = decodeEntry(val)
		return err
	})
	return entry, err
}

func (d DbLogStore) Append(entries []common.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(logsBucketName)
		for i := range entries {
			val, err := encodeEntry(&entries[i])
			if err != nil {
				return err
			}
			if err := bucket.Put(indexToKey(entries[i].Index), val); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d DbLogStore) TruncatePrefix(firstIndexKept int64) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		if firstIndexKept <= storedFirstIndex(tx) {
			return nil
		}
		cursor := tx.Bucket(logsBucketName).Cursor()
		for key, _ := cursor.First(); key != nil && keyToIndex(key) < firstIndexKept; key, _ = cursor.First() {
			if err := cursor.Delete(); err != nil {
				return err
			}
		}
		return tx.Bucket(logMetaBucketName).Put(firstIndexKey, indexToKey(firstIndexKept))
	})
}

func (d DbLogStore) TruncateSuffix(lastIndexKept int64) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(logsBucketName).Cursor()
		for key, _ := cursor.Last(); key != nil && keyToIndex(key) > lastIndexKept; key, _ = cursor.Last() {
			if err := cursor.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d DbLogStore) Close() error {
	return d.db.Close()
}
