// Package count holds the core data model of the profiler: opaque
// function identifiers, per-thread invocation counts, and the flushed
// output records.
package count

import (
	"fmt"
	"sort"
)

// FunctionID is an opaque fixed-width identifier for a function's entry
// address. It is never interpreted or resolved to a symbol here; symbol
// resolution is a downstream concern.
type FunctionID uint64

// String renders the identifier the way it appears in the output file,
// as a pointer-style hex value.
func (f FunctionID) String() string {
	return fmt.Sprintf("0x%x", uint64(f))
}

// Record is one flushed (function, thread) pair: the number of times a
// function was entered on the thread identified by Tag.
type Record struct {
	Func  FunctionID
	Count uint64
	Tag   uint64
}

// Line renders the record as one output-file line without the trailing
// newline: "<hex func> <count> <tag>".
func (r Record) Line() string {
	return fmt.Sprintf("0x%x %d %d", uint64(r.Func), r.Count, r.Tag)
}

// Map is a thread-private tally of invocation counts keyed by function
// identifier. It is owned by exactly one goroutine, never locked, and
// read only when that goroutine's thread handle closes.
type Map map[FunctionID]uint64

// Inc increments the count for fn, inserting it at zero first if absent.
func (m Map) Inc(fn FunctionID) {
	m[fn]++
}

// Records converts the map into output records tagged with tag. Functions
// that were never entered have no map entry and so produce no record.
// Iteration order of the underlying map is not preserved; no ordering
// guarantee is made to consumers.
func (m Map) Records(tag uint64) []Record {
	if len(m) == 0 {
		return nil
	}

	records := make([]Record, 0, len(m))

	for fn, c := range m {
		records = append(records, Record{Func: fn, Count: c, Tag: tag})
	}

	return records
}

// SortRecords orders records by function id then tag. Only used by
// consumers that want deterministic output (tests, the harness summary);
// the writer itself makes no ordering promise.
func SortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Func != records[j].Func {
			return records[i].Func < records[j].Func
		}

		return records[i].Tag < records[j].Tag
	})
}
