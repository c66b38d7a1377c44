package persistent

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"

	"github.com/raftkit/raftkit/common"
)

func encodeEntry(entry *common.LogEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(data []byte) (*common.LogEntry, error) {
	var entry common.LogEntry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func indexToKey(index int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(index))
	return key
}

func keyToIndex(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key))
}
