package wal

import "sync"

// recordPool holds reusable Record structs for AcquireRecord and
// ReleaseRecord. Iterator.ReadNext does not draw from it; it allocates
// a fresh Record per frame.
var recordPool = sync.Pool{
	New: func() interface{} {
		return &Record{Value: make([]byte, 0, 4096)}
	},
}

// AcquireRecord obtains a zeroed Record from the pool.
func AcquireRecord() *Record {
	r := recordPool.Get().(*Record)
	*r = Record{Value: r.Value[:0]}
	return r
}

// ReleaseRecord returns r to the pool. Callers must not use r
// afterward.
func ReleaseRecord(r *Record) {
	r.Value = r.Value[:0]
	recordPool.Put(r)
}
