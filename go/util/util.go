// Package util contains small general-purpose helpers.
package util

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"go.cidx.org/server/go/sklog"
)

// TimeIsZero returns true if the time.Time is a zero-value or corresponds to
// a zero Unix timestamp.
func TimeIsZero(t time.Time) bool {
	if t.IsZero() {
		return true
	}
	if t.Unix() == 0 {
		return true
	}
	return false
}

// Close wraps an io.Closer and logs an error if one is returned.
func Close(c io.Closer) {
	if err := c.Close(); err != nil {
		sklog.Errorf("Failed to Close(): %v", err)
	}
}

// Remove attempts to remove the given file and logs an error if one is
// returned.
func Remove(name string) {
	if err := os.Remove(name); err != nil {
		sklog.Errorf("Failed to Remove(%s): %v", name, err)
	}
}

// RemoveAll attempts to remove the given directory and logs an error if one
// is returned.
func RemoveAll(p string) {
	if err := os.RemoveAll(p); err != nil {
		sklog.Errorf("Failed to RemoveAll(%s): %v", p, err)
	}
}

// LogErr logs err if it's not nil. This is intended to be used for calls
// where generally a returned error can be ignored.
func LogErr(err error) {
	if err != nil {
		sklog.Errorf("Unexpected error: %s", err)
	}
}

// Truncate returns the given string, shortened to the given length, with
// trailing ellipses when truncation occurred.
func Truncate(s string, length int) string {
	if len(s) > length {
		if length <= 3 {
			return s[:length]
		}
		ellipses := "..."
		return s[:length-len(ellipses)] + ellipses
	}
	return s
}

// In returns true if |s| is *in* |a| slice.
func In(s string, a []string) bool {
	for _, x := range a {
		if x == s {
			return true
		}
	}
	return false
}

// WithWriteFile provides an interface for writing to a backing file using a
// temporary intermediate file for more atomicity in case a long-running write
// gets interrupted.
func WithWriteFile(file string, writeFn func(io.Writer) error) error {
	f, err := os.CreateTemp(path.Dir(file), path.Base(file))
	if err != nil {
		return fmt.Errorf("Failed to create temporary file for WithWriteFile: %s", err)
	}
	if err := writeFn(f); err != nil {
		Close(f)
		Remove(f.Name())
		return err
	}
	if err := f.Sync(); err != nil {
		Close(f)
		Remove(f.Name())
		return fmt.Errorf("Failed to sync temporary file for WithWriteFile: %s", err)
	}
	if err := f.Close(); err != nil {
		Remove(f.Name())
		return fmt.Errorf("Failed to close temporary file for WithWriteFile: %s", err)
	}
	if err := os.Rename(f.Name(), file); err != nil {
		Remove(f.Name())
		return fmt.Errorf("Failed to rename temporary file for WithWriteFile: %s", err)
	}
	return nil
}

// WithReadFile opens the given file for reading and runs the given function.
func WithReadFile(file string, fn func(f io.Reader) error) (err error) {
	var f *os.File
	f, err = os.Open(file)
	if err != nil {
		return err
	}
	defer func() {
		err2 := f.Close()
		if err == nil && err2 != nil {
			err = fmt.Errorf("Failed to close %s: %s", file, err2)
		}
	}()
	err = fn(f)
	return
}

// WriteJSONFile atomically writes the given value as indented JSON to the
// given file.
func WriteJSONFile(file string, v interface{}) error {
	return WithWriteFile(file, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}

// ReadJSONFile reads the given file and decodes it as JSON into the given
// destination.
func ReadJSONFile(file string, dst interface{}) error {
	return WithReadFile(file, func(r io.Reader) error {
		return json.NewDecoder(r).Decode(dst)
	})
}

// RepeatCtx runs the tick function immediately and on the given frequency
// until the context is cancelled.
func RepeatCtx(frequency time.Duration, ctx context.Context, tick func()) {
	tick()
	t := time.NewTicker(frequency)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			tick()
		}
	}
}
