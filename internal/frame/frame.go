// Package frame provides a small lazy, composable tabular value. A Frame
// wraps a restartable row source; transformations (Select, Where, Limit)
// build a new Frame without touching the source, and rows only flow when
// the frame is iterated or collected.
package frame

import (
	"context"
	"fmt"
)

// Row is a single tabular row keyed by column name.
type Row map[string]any

// Iterator yields rows one at a time. Next returns false when the sequence
// is exhausted or an error occurred; Err distinguishes the two. Close
// releases any underlying resources and is safe to call more than once.
type Iterator interface {
	Next() (Row, bool)
	Err() error
	Close()
}

// Source creates a fresh Iterator. It is invoked once per iteration of the
// frame, which is what makes frames restartable.
type Source func(ctx context.Context) (Iterator, error)

type opKind int

const (
	opSelect opKind = iota
	opWhere
	opLimit
	opWithColumn
)

type op struct {
	kind    opKind
	columns []string
	pred    func(Row) bool
	limit   int
	name    string
	compute func(Row) any
}

// Frame is a lazy row sequence. The zero value is not usable; construct
// frames with New or FromRows.
type Frame struct {
	source  Source
	columns []string
	ops     []op
}

// New creates a frame over a restartable source.
func New(source Source) *Frame {
	return &Frame{source: source}
}

// FromRows creates a frame over an in-memory row slice. The slice is not
// copied; callers must not mutate it afterwards.
func FromRows(rows []Row) *Frame {
	return New(func(ctx context.Context) (Iterator, error) {
		return &sliceIterator{rows: rows}, nil
	})
}

// WithColumnNames attaches declared column names to the frame so schema
// probes do not need to pull rows.
func (f *Frame) WithColumnNames(columns []string) *Frame {
	g := f.clone()
	g.columns = append([]string(nil), columns...)
	return g
}

// Select projects the frame to the given columns. Columns absent from a
// row appear with a nil value, which is how rows written before a schema
// evolution expose later columns.
func (f *Frame) Select(columns ...string) *Frame {
	g := f.clone()
	g.ops = append(g.ops, op{kind: opSelect, columns: append([]string(nil), columns...)})
	g.columns = append([]string(nil), columns...)
	return g
}

// Where keeps only rows matching the predicate.
func (f *Frame) Where(pred func(Row) bool) *Frame {
	g := f.clone()
	g.ops = append(g.ops, op{kind: opWhere, pred: pred})
	return g
}

// Limit caps the number of rows produced. A zero limit yields no rows.
func (f *Frame) Limit(n int) *Frame {
	g := f.clone()
	g.ops = append(g.ops, op{kind: opLimit, limit: n})
	return g
}

// WithColumn adds a computed column derived from each row.
func (f *Frame) WithColumn(name string, compute func(Row) any) *Frame {
	g := f.clone()
	g.ops = append(g.ops, op{kind: opWithColumn, name: name, compute: compute})
	if g.columns != nil {
		g.columns = append(append([]string(nil), g.columns...), name)
	}
	return g
}

// Columns returns the frame's column names. If none were declared, the
// first row of a fresh iteration is probed; an empty frame without
// declared columns returns nil.
func (f *Frame) Columns(ctx context.Context) ([]string, error) {
	if f.columns != nil {
		return append([]string(nil), f.columns...), nil
	}
	it, err := f.Iter(ctx)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	row, ok := it.Next()
	if !ok {
		return nil, it.Err()
	}
	names := make([]string, 0, len(row))
	for name := range row {
		names = append(names, name)
	}
	return names, nil
}

// Iter starts a fresh iteration with all pending operations applied.
func (f *Frame) Iter(ctx context.Context) (Iterator, error) {
	if f.source == nil {
		return nil, fmt.Errorf("frame has no source")
	}
	inner, err := f.source(ctx)
	if err != nil {
		return nil, err
	}
	return &opIterator{inner: inner, ops: f.ops}, nil
}

// Collect materializes the frame into a row slice.
func (f *Frame) Collect(ctx context.Context) ([]Row, error) {
	it, err := f.Iter(ctx)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var rows []Row
	for {
		row, ok := it.Next()
		if !ok {
			break
		}
		rows = append(rows, row)
	}
	return rows, it.Err()
}

// Count consumes the frame and returns the number of rows.
func (f *Frame) Count(ctx context.Context) (int64, error) {
	it, err := f.Iter(ctx)
	if err != nil {
		return 0, err
	}
	defer it.Close()

	var n int64
	for {
		if _, ok := it.Next(); !ok {
			break
		}
		n++
	}
	return n, it.Err()
}

func (f *Frame) clone() *Frame {
	g := &Frame{
		source:  f.source,
		columns: f.columns,
		ops:     make([]op, len(f.ops)),
	}
	copy(g.ops, f.ops)
	return g
}

type sliceIterator struct {
	rows []Row
	pos  int
}

func (s *sliceIterator) Next() (Row, bool) {
	if s.pos >= len(s.rows) {
		return nil, false
	}
	row := s.rows[s.pos]
	s.pos++
	return row, true
}

func (s *sliceIterator) Err() error { return nil }
func (s *sliceIterator) Close()     {}

// opIterator applies the pending operations while pulling from the inner
// iterator. Limits compose: the smallest remaining budget wins.
type opIterator struct {
	inner    Iterator
	ops      []op
	produced int
}

func (o *opIterator) Next() (Row, bool) {
	limit := o.effectiveLimit()
	if limit >= 0 && o.produced >= limit {
		return nil, false
	}

outer:
	for {
		row, ok := o.inner.Next()
		if !ok {
			return nil, false
		}
		for _, operation := range o.ops {
			switch operation.kind {
			case opSelect:
				projected := make(Row, len(operation.columns))
				for _, col := range operation.columns {
					projected[col] = row[col]
				}
				row = projected
			case opWhere:
				if !operation.pred(row) {
					continue outer
				}
			case opWithColumn:
				derived := make(Row, len(row)+1)
				for k, v := range row {
					derived[k] = v
				}
				derived[operation.name] = operation.compute(row)
				row = derived
			case opLimit:
				// Handled via effectiveLimit.
			}
		}
		o.produced++
		return row, true
	}
}

func (o *opIterator) effectiveLimit() int {
	limit := -1
	for _, operation := range o.ops {
		if operation.kind != opLimit {
			continue
		}
		if limit < 0 || operation.limit < limit {
			limit = operation.limit
		}
	}
	return limit
}

func (o *opIterator) Err() error { return o.inner.Err() }
func (o *opIterator) Close()     { o.inner.Close() }
