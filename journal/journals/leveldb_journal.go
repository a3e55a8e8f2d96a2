package journals

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/twitter/hpcsched/journal"
	"github.com/twitter/hpcsched/scheduler/graph"
)

// levelDBJournal keeps one key per task: the big-endian task id, so that
// iteration order is task order. Values are JSON records.
type levelDBJournal struct {
	path string
	db   *leveldb.DB
	sync *opt.WriteOptions
}

func NewLevelDBJournal(dirName string) (*levelDBJournal, error) {
	db, err := leveldb.OpenFile(dirName, nil)
	if lerrors.IsCorrupted(err) {
		log.WithFields(
			log.Fields{
				"path": dirName,
				"err":  err,
			}).Warn("Recovering corrupted leveldb journal")
		db, err = leveldb.RecoverFile(dirName, nil)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "opening leveldb journal %s", dirName)
	}
	return &levelDBJournal{path: dirName, db: db, sync: &opt.WriteOptions{Sync: true}}, nil
}

func taskKey(id graph.TaskID) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(id))
	return k[:]
}

func (j *levelDBJournal) Append(r journal.Record) error {
	v, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return j.db.Put(taskKey(r.TaskID), v, j.sync)
}

func (j *levelDBJournal) Release(id graph.TaskID) error {
	return j.db.Delete(taskKey(id), j.sync)
}

func (j *levelDBJournal) Replay() ([]journal.Record, error) {
	it := j.db.NewIterator(nil, nil)
	defer it.Release()
	var out []journal.Record
	for it.Next() {
		var r journal.Record
		if len(it.Key()) != 8 {
			return nil, journal.NewCorruptedJournalError(j.path, fmt.Sprintf("bad key %x", it.Key()))
		}
		if err := json.Unmarshal(it.Value(), &r); err != nil {
			return nil, journal.NewCorruptedJournalError(j.path, fmt.Sprintf("key %x: %v", it.Key(), err))
		}
		if r.TaskID != graph.TaskID(binary.BigEndian.Uint64(it.Key())) {
			return nil, journal.NewCorruptedJournalError(j.path, fmt.Sprintf("key %x holds task %d", it.Key(), r.TaskID))
		}
		out = append(out, r)
	}
	if err := it.Error(); err != nil {
		return nil, journal.NewCorruptedJournalError(j.path, err.Error())
	}
	return out, nil
}

func (j *levelDBJournal) Compact() error {
	return j.db.CompactRange(util.Range{})
}

func (j *levelDBJournal) Close() error {
	return j.db.Close()
}
