package persistent

import (
	"github.com/boltdb/bolt"
	"github.com/raftkit/raftkit/common"
)

var (
	stateBucketName = []byte("state")
	termKey         = []byte("term")
	votedForKey     = []byte("votedFor")
)

func init() {
	common.RegisterStableStorage("bolt", func(path string) (common.StableStorage, error) {
		return NewStableStore(path)
	})
}

// StableStore persists the hard state of one replica in a Bolt DB.
// Term and vote are written in one transaction, so a crash can never
// surface a new term paired with a vote cast in an older one.
type StableStore struct {
	db *bolt.DB
}

var _ common.StableStorage = StableStore{}

func NewStableStore(dataBaseFilePath string) (StableStore, error) {
	db, err := bolt.Open(dataBaseFilePath, 0600, nil)
	if err != nil {
		return StableStore{}, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucketName)
		return err
	})
	if err != nil {
		return StableStore{}, err
	}

	return StableStore{
		db: db,
	}, nil
}

func (store StableStore) GetTerm() (int64, error) {
	var term int64
	err := store.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(stateBucketName).Get(termKey)
		if val != nil {
			term = keyToIndex(val)
		}
		return nil
	})
	return term, err
}

func (store StableStore) GetVotedFor() (string, error) {
	var votedFor string
	err := store.db.View(func(tx *bolt.Tx) error {
		votedFor = string(tx.Bucket(stateBucketName).Get(votedForKey))
		return nil
	})
	return votedFor, err
}

func (store StableStore) SetTermAndVotedFor(term int64, votedFor string) error {
	return store.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(stateBucketName)
		if err := bucket.Put(termKey, indexToKey(term)); err != nil {
			return err
		}
		return bucket.Put(votedForKey, []byte(votedFor))
	})
}

func (store StableStore) SetVotedFor(votedFor string) error {
	return store.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucketName).Put(votedForKey, []byte(votedFor))
	})
}

func (store StableStore) Close() error {
	return store.db.Close()
}
