package journals

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/hpcsched/journal"
	"github.com/twitter/hpcsched/scheduler/graph"
)

// Writes the journal to a single append-only file in dir. Not durable beyond
// machine failure.
//
// Every line is one JSON entry, flushed with fsync before the call returns:
//
//	{"op":"A","rec":{"task":7,"epoch":1,"workers":[3],"def":"..."}}
//	{"op":"R","task":7}
//
// "A" records an assignment and replaces earlier lines for the task; "R" is
// a tombstone. When tombstones and replaced lines outnumber live records the
// file is rewritten with only the live ones.
type fileJournal struct {
	path string
	f    journalFile
	live map[graph.TaskID]journal.Record
	dead int
}

const (
	journalFileName = "journal.log"
	opAppend        = "A"
	opRelease       = "R"

	// don't bother rewriting tiny files
	minDeadForCompaction = 16
)

// journalFile is the part of *os.File the journal writes through.
type journalFile interface {
	io.WriteSeeker
	io.Closer
	Sync() error
	Truncate(size int64) error
}

type entry struct {
	Op     string          `json:"op"`
	Record *journal.Record `json:"rec,omitempty"`
	TaskID graph.TaskID    `json:"task,omitempty"`
}

// NewFileJournal opens the journal in dirName, creating the directory if it
// does not exist, and reads back what is already there. A line that cannot
// be parsed is a CorruptedJournalError, except for an unterminated last line,
// which is the remains of an interrupted write and is cut off.
func NewFileJournal(dirName string) (*fileJournal, error) {
	if err := os.MkdirAll(dirName, 0755); err != nil {
		return nil, err
	}
	j := &fileJournal{
		path: filepath.Join(dirName, journalFileName),
		live: make(map[graph.TaskID]journal.Record),
	}
	f, err := os.OpenFile(j.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	good, err := j.load(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Truncate(good); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(good, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	j.f = f
	log.WithFields(
		log.Fields{
			"path": j.path,
			"live": len(j.live),
			"dead": j.dead,
			"size": humanize.IBytes(uint64(good)),
		}).Info("Opened recovery journal")
	return j, nil
}

// load replays the file into memory and returns the offset just past the
// last complete line.
func (j *fileJournal) load(f *os.File) (int64, error) {
	r := bufio.NewReader(f)
	var offset int64
	for lineNum := 1; ; lineNum++ {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			if len(line) > 0 {
				log.WithFields(
					log.Fields{
						"path":   j.path,
						"line":   lineNum,
						"length": len(line),
					}).Warn("Dropping unterminated last journal line")
			}
			return offset, nil
		}
		if err != nil {
			return 0, err
		}
		if err := j.apply(bytes.TrimSpace(line)); err != nil {
			return 0, journal.NewCorruptedJournalError(j.path, fmt.Sprintf("line %d: %v", lineNum, err))
		}
		offset += int64(len(line))
	}
}

func (j *fileJournal) apply(line []byte) error {
	if len(line) == 0 {
		return nil
	}
	var e entry
	if err := json.Unmarshal(line, &e); err != nil {
		return err
	}
	switch e.Op {
	case opAppend:
		if e.Record == nil {
			return errors.New("append without record")
		}
		if _, ok := j.live[e.Record.TaskID]; ok {
			j.dead++
		}
		j.live[e.Record.TaskID] = *e.Record
	case opRelease:
		if _, ok := j.live[e.TaskID]; ok {
			delete(j.live, e.TaskID)
			j.dead++
		}
		j.dead++
	default:
		return errors.Errorf("unknown op %q", e.Op)
	}
	return nil
}

func (j *fileJournal) write(e entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	off, err := j.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return errors.Wrapf(err, "writing %s", j.path)
	}
	// one write per entry so a crash leaves at most one torn line
	if _, err := j.f.Write(append(b, '\n')); err != nil {
		// cut a partial line so the next entry starts on a fresh one
		if terr := j.f.Truncate(off); terr != nil {
			log.WithFields(
				log.Fields{
					"path":   j.path,
					"offset": off,
					"err":    terr,
				}).Error("Could not cut partial journal line")
		} else {
			j.f.Seek(off, io.SeekStart)
		}
		return errors.Wrapf(err, "writing %s", j.path)
	}
	return j.f.Sync()
}

func (j *fileJournal) Append(r journal.Record) error {
	r = copyRecord(r)
	if err := j.write(entry{Op: opAppend, Record: &r}); err != nil {
		return err
	}
	if _, ok := j.live[r.TaskID]; ok {
		j.dead++
	}
	j.live[r.TaskID] = r
	return nil
}

func (j *fileJournal) Release(id graph.TaskID) error {
	if _, ok := j.live[id]; !ok {
		return nil
	}
	if err := j.write(entry{Op: opRelease, TaskID: id}); err != nil {
		return err
	}
	delete(j.live, id)
	j.dead += 2
	if j.dead >= minDeadForCompaction && j.dead > len(j.live) {
		return j.Compact()
	}
	return nil
}

func (j *fileJournal) Replay() ([]journal.Record, error) {
	return sortedRecords(j.live), nil
}

// Compact writes the live records to a temporary file and renames it over
// the journal.
func (j *fileJournal) Compact() error {
	tmpPath := j.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(tmp)
	var size int
	for _, r := range sortedRecords(j.live) {
		r := r
		b, err := json.Marshal(entry{Op: opAppend, Record: &r})
		if err != nil {
			tmp.Close()
			return err
		}
		n, _ := w.Write(append(b, '\n'))
		size += n
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		tmp.Close()
		return err
	}
	j.f.Close()
	j.f = tmp
	if _, err := j.f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	if dir, err := os.Open(filepath.Dir(j.path)); err == nil {
		dir.Sync()
		dir.Close()
	}
	log.WithFields(
		log.Fields{
			"path":    j.path,
			"live":    len(j.live),
			"dropped": j.dead,
			"size":    humanize.IBytes(uint64(size)),
		}).Info("Compacted recovery journal")
	j.dead = 0
	return nil
}

func (j *fileJournal) Close() error {
	return j.f.Close()
}
