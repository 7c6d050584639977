// Package jsondb persists background jobs as a single JSON document
// keyed by job id.
package jsondb

import (
	"os"
	"path/filepath"
	"sync"

	"go.cidx.org/server/go/skerr"
	"go.cidx.org/server/go/util"
	"go.cidx.org/server/indexserver/go/jobs"
)

// JsonDB implements jobs.Store on a single JSON file. Every mutation
// rewrites the whole document atomically.
type JsonDB struct {
	mtx  sync.Mutex
	file string
	docs map[string]*jobs.Job
}

// New returns a JsonDB backed by the given file, creating parent
// directories as needed. A missing file is treated as an empty
// document.
func New(file string) (*JsonDB, error) {
	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return nil, skerr.Wrapf(err, "Failed to create job DB directory")
	}
	db := &JsonDB{
		file: file,
		docs: map[string]*jobs.Job{},
	}
	if _, err := os.Stat(file); err == nil {
		if err := util.ReadJSONFile(file, &db.docs); err != nil {
			return nil, skerr.Wrapf(err, "Failed to read job DB %s", file)
		}
	} else if !os.IsNotExist(err) {
		return nil, skerr.Wrapf(err, "Failed to stat job DB %s", file)
	}
	return db, nil
}

// See docs for jobs.Store interface.
func (db *JsonDB) Load() (map[string]*jobs.Job, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	rv := make(map[string]*jobs.Job, len(db.docs))
	for id, j := range db.docs {
		rv[id] = j.Copy()
	}
	return rv, nil
}

// write rewrites the backing file. Callers must hold db.mtx.
func (db *JsonDB) write() error {
	return skerr.Wrap(util.WriteJSONFile(db.file, db.docs))
}

// See docs for jobs.Store interface.
func (db *JsonDB) Put(j *jobs.Job) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	db.docs[j.Id] = j.Copy()
	return db.write()
}

// See docs for jobs.Store interface.
func (db *JsonDB) PutAll(js []*jobs.Job) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	for _, j := range js {
		db.docs[j.Id] = j.Copy()
	}
	return db.write()
}

// See docs for jobs.Store interface.
func (db *JsonDB) Delete(ids []string) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	for _, id := range ids {
		delete(db.docs, id)
	}
	return db.write()
}

// See docs for jobs.Store interface.
func (db *JsonDB) Close() error {
	return nil
}

var _ jobs.Store = (*JsonDB)(nil)
