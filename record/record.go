// Package record unifies per-key access across indexed flat files and the
// archive cache behind a single Facade, and batches write-back of derived
// results into a relational store.
package record

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/instbooks/stacks/archive"
	"github.com/instbooks/stacks/reader"
)

// mergedTextField is the JSON member holding per-page OCR text,
// joined by MergedText.
const mergedTextField = "text_by_page"

// Record is a lazy, key-addressed view over three independent sources:
// a delimited metadata row, a line-delimited JSON object, and a remote
// archive bundle. Each source is resolved only when first accessed and
// memoized for the Record's lifetime; accessing one source never forces
// resolution of another.
type Record struct {
	// Key is the record's primary key.
	Key string

	facade *Facade
	refs   int32

	rowOnce sync.Once
	row     reader.Fields
	rowErr  error

	objOnce sync.Once
	obj     reader.Fields
	objErr  error

	arcOnce sync.Once
	arc     *archive.Bundle
	arcErr  error
}

// Row returns the record's delimited metadata row, resolved on first use.
func (r *Record) Row() (reader.Fields, error) {
	r.rowOnce.Do(func() {
		r.row, r.rowErr = r.facade.readFirst(r.facade.rows, r.Key)
	})
	return r.row, r.rowErr
}

// Object returns the record's line-delimited JSON object, resolved on
// first use.
func (r *Record) Object() (reader.Fields, error) {
	r.objOnce.Do(func() {
		r.obj, r.objErr = r.facade.readFirst(r.facade.objects, r.Key)
	})
	return r.obj, r.objErr
}

// Archive returns the record's archive Bundle, fetched and cached on
// first use. The Bundle remains open (and its cache entry pinned) for the
// Record's lifetime: it closes only once every holder and the Facade's
// memo cache have released the Record.
func (r *Record) Archive(ctx context.Context) (*archive.Bundle, error) {
	r.arcOnce.Do(func() {
		if r.facade.archives == nil {
			r.arcErr = errors.New("facade has no archive manager")
			return
		}
		r.arc, r.arcErr = r.facade.archives.Fetch(ctx, r.Key)
	})
	return r.arc, r.arcErr
}

// MergedText returns the record's full OCR text, with pages joined by
// newlines. It resolves only the JSON object source.
func (r *Record) MergedText() (string, error) {
	var obj, err = r.Object()
	if err != nil {
		return "", err
	}
	var pages, ok = obj[mergedTextField]
	if !ok || pages.Kind() != reader.KindList {
		return "", errors.Errorf("record %q has no %s field", r.Key, mergedTextField)
	}

	var b strings.Builder
	for i, page := range pages.List() {
		if i != 0 {
			b.WriteByte('\n')
		}
		b.WriteString(page.String())
	}
	return b.String(), nil
}

// Release drops one reference to the Record. Its archive Bundle, if
// resolved, is closed only when the last reference is released.
func (r *Record) Release() {
	if atomic.AddInt32(&r.refs, -1) > 0 {
		return
	}
	if r.arc != nil {
		_ = r.arc.Close()
	}
}
