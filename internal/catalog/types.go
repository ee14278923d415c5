// Package catalog holds the set of tracked objects and their orbital
// elements, and loads it from JSON catalogs, TLE mean elements, remote
// sources and on-disk snapshots.
package catalog

import (
	"time"

	"github.com/star/orbitrack/internal/orbit"
)

// Record is one tracked object. Color and Name are opaque to the engine.
type Record struct {
	ID       string
	Name     string
	Color    string
	Elements orbit.Elements
}

// EpochRange represents the minimum and maximum element epochs in a dataset.
type EpochRange struct {
	Min time.Time
	Max time.Time
}

// Dataset is an immutable snapshot of the catalog. Replace it as a whole;
// never mutate one that has been handed to a Store.
type Dataset struct {
	Source    string
	FetchedAt time.Time
	// Epoch is the reference instant for records whose elements carry no
	// epoch of their own: elapsed time for those is measured from here.
	Epoch      time.Time
	EpochRange EpochRange
	Objects    []Record

	index map[string]int
}

// NewDataset builds a dataset and its id index. Later duplicates of an id
// are dropped. A zero epoch defaults to fetchedAt.
func NewDataset(source string, fetchedAt, epoch time.Time, objects []Record) *Dataset {
	if epoch.IsZero() {
		epoch = fetchedAt
	}
	ds := &Dataset{
		Source:    source,
		FetchedAt: fetchedAt,
		Epoch:     epoch,
		Objects:   make([]Record, 0, len(objects)),
		index:     make(map[string]int, len(objects)),
	}
	for _, rec := range objects {
		if _, dup := ds.index[rec.ID]; dup {
			continue
		}
		ds.index[rec.ID] = len(ds.Objects)
		ds.Objects = append(ds.Objects, rec)

		if ep := rec.Elements.Epoch; !ep.IsZero() {
			if ds.EpochRange.Min.IsZero() || ep.Before(ds.EpochRange.Min) {
				ds.EpochRange.Min = ep
			}
			if ep.After(ds.EpochRange.Max) {
				ds.EpochRange.Max = ep
			}
		}
	}
	return ds
}

// Lookup returns the record with the given id.
func (ds *Dataset) Lookup(id string) (Record, bool) {
	i, ok := ds.index[id]
	if !ok {
		return Record{}, false
	}
	return ds.Objects[i], true
}

// Len returns the number of records.
func (ds *Dataset) Len() int {
	return len(ds.Objects)
}
