// Package nodedb mirrors the device's node database. Records live in a single
// arena; the by-number and by-identity maps only hold arena indices, so both
// lookups always land on the same record.
//
// A DB is not safe for concurrent use. The session actor owns it.
package nodedb

import (
	"sort"
	"time"

	"github.com/aminovpavel/meshlink/internal/mesh"
)

// ChangeFunc receives a copy of a record after every mutation made through Update.
type ChangeFunc func(mesh.NodeInfo)

// Option configures a DB.
type Option func(*DB)

// WithOnChange registers the node-changed callback.
func WithOnChange(fn ChangeFunc) Option {
	return func(db *DB) {
		db.onChange = fn
	}
}

// DB is the arena of node records plus its two indices.
type DB struct {
	arena         []mesh.NodeInfo
	byNum         map[uint32]int
	byID          map[string]int
	authoritative bool
	onChange      ChangeFunc
}

// New creates an empty, non-authoritative DB.
func New(opts ...Option) *DB {
	db := &DB{
		byNum: make(map[uint32]int),
		byID:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// Authoritative reports whether the contents came from a completed config sync.
func (db *DB) Authoritative() bool {
	return db.authoritative
}

// Len returns the number of records.
func (db *DB) Len() int {
	return len(db.arena)
}

// Update creates the record for num if needed, applies fn to it, re-indexes
// its identity and fires the change callback. fn must not change Num.
func (db *DB) Update(num uint32, fn func(*mesh.NodeInfo)) mesh.NodeInfo {
	idx, ok := db.byNum[num]
	if !ok {
		db.arena = append(db.arena, mesh.NodeInfo{Num: num})
		idx = len(db.arena) - 1
		db.byNum[num] = idx
	}

	rec := &db.arena[idx]
	oldID := rec.ID()
	if fn != nil {
		fn(rec)
	}
	rec.Num = num
	displaced := db.reindex(idx, oldID)

	if displaced >= 0 && db.onChange != nil {
		db.onChange(db.arena[displaced].Clone())
	}
	out := db.arena[idx].Clone()
	if db.onChange != nil {
		db.onChange(out)
	}
	return out
}

// reindex points the identity index at idx. A record that already held the
// new identity loses it, so each identity maps to exactly one record; the
// index of that record is returned, or -1.
func (db *DB) reindex(idx int, oldID string) int {
	newID := db.arena[idx].ID()
	if oldID != "" && oldID != newID {
		if cur, ok := db.byID[oldID]; ok && cur == idx {
			delete(db.byID, oldID)
		}
	}
	if newID == "" {
		return -1
	}

	displaced := -1
	if cur, ok := db.byID[newID]; ok && cur != idx {
		prev := &db.arena[cur]
		u := *prev.User
		u.ID = ""
		prev.User = &u
		displaced = cur
	}
	db.byID[newID] = idx
	return displaced
}

// Get returns a copy of the record for num.
func (db *DB) Get(num uint32) (mesh.NodeInfo, bool) {
	idx, ok := db.byNum[num]
	if !ok {
		return mesh.NodeInfo{}, false
	}
	return db.arena[idx].Clone(), true
}

// GetByID returns a copy of the record whose user identity is id.
func (db *DB) GetByID(id string) (mesh.NodeInfo, bool) {
	idx, ok := db.byID[id]
	if !ok {
		return mesh.NodeInfo{}, false
	}
	return db.arena[idx].Clone(), true
}

// NumForID resolves a string identity to its node number.
func (db *DB) NumForID(id string) (uint32, bool) {
	idx, ok := db.byID[id]
	if !ok {
		return 0, false
	}
	return db.arena[idx].Num, true
}

// IDForNum resolves a node number to its string identity. Records without a
// known user do not resolve.
func (db *DB) IDForNum(num uint32) (string, bool) {
	idx, ok := db.byNum[num]
	if !ok {
		return "", false
	}
	id := db.arena[idx].ID()
	return id, id != ""
}

// All returns copies of every record ordered by node number.
func (db *DB) All() []mesh.NodeInfo {
	out := make([]mesh.NodeInfo, 0, len(db.arena))
	for _, rec := range db.arena {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Num < out[j].Num })
	return out
}

// OnlineCount counts the records heard within window of now.
func (db *DB) OnlineCount(now time.Time, window time.Duration) int {
	count := 0
	for _, rec := range db.arena {
		if rec.IsOnline(now, window) {
			count++
		}
	}
	return count
}

// Install replaces the contents with nodes from a completed config sync and
// marks the DB authoritative. No change callbacks fire; the caller decides
// how to announce the new contents.
func (db *DB) Install(nodes []mesh.NodeInfo) {
	db.replace(nodes)
	db.authoritative = true
}

// LoadStale replaces the contents with persisted records. The DB stays
// non-authoritative until the next Install.
func (db *DB) LoadStale(nodes []mesh.NodeInfo) {
	db.replace(nodes)
	db.authoritative = false
}

// Discard drops every record and clears the authoritative flag.
func (db *DB) Discard() {
	db.replace(nil)
	db.authoritative = false
}

func (db *DB) replace(nodes []mesh.NodeInfo) {
	db.arena = make([]mesh.NodeInfo, 0, len(nodes))
	db.byNum = make(map[uint32]int, len(nodes))
	db.byID = make(map[string]int, len(nodes))
	for _, n := range nodes {
		if idx, dup := db.byNum[n.Num]; dup {
			oldID := db.arena[idx].ID()
			db.arena[idx] = n.Clone()
			db.reindex(idx, oldID)
			continue
		}
		db.arena = append(db.arena, n.Clone())
		idx := len(db.arena) - 1
		db.byNum[n.Num] = idx
		db.reindex(idx, "")
	}
}

// CheckIndices verifies that both indices point into the arena consistently:
// every identity entry lands on a record carrying that identity and every
// identified record's identity resolves back to that same record.
func (db *DB) CheckIndices() bool {
	for num, idx := range db.byNum {
		if idx < 0 || idx >= len(db.arena) || db.arena[idx].Num != num {
			return false
		}
		if id := db.arena[idx].ID(); id != "" {
			if got, ok := db.byID[id]; !ok || got != idx {
				return false
			}
		}
	}
	for id, idx := range db.byID {
		if idx < 0 || idx >= len(db.arena) || db.arena[idx].ID() != id {
			return false
		}
	}
	return len(db.byNum) == len(db.arena)
}
