package logging

import (
	"reflect"
	"sort"
)

// EntryLogger is satisfied by entry-style loggers such as *logrus.Entry,
// whose field and error helpers return a derived entry of type T.
type EntryLogger[T any] interface {
	Error(args ...any)
	Info(args ...any)
	Debug(args ...any)
	Trace(args ...any)
	WithError(err error) T
	WithField(key string, value any) T
}

// NewEntryServiceLogger wraps an entry-style logger so it satisfies
// ServiceLogger.
func NewEntryServiceLogger[T EntryLogger[T]](entry T) ServiceLogger {
	if v := reflect.ValueOf(any(entry)); !v.IsValid() || (v.Kind() == reflect.Pointer && v.IsNil()) {
		panic("workflows: entry logger cannot be nil")
	}
	return &entryServiceLogger[T]{entry: entry}
}

type entryServiceLogger[T EntryLogger[T]] struct {
	entry T
}

func (e *entryServiceLogger[T]) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return e
	}
	return &entryServiceLogger[T]{entry: withFields(e.entry, fields)}
}

func (e *entryServiceLogger[T]) Debug(msg string, fields LogFields) {
	withFields(e.entry, fields).Debug(msg)
}

func (e *entryServiceLogger[T]) Info(msg string, fields LogFields) {
	withFields(e.entry, fields).Info(msg)
}

func (e *entryServiceLogger[T]) Error(msg string, err error, fields LogFields) {
	entry := withFields(e.entry, fields)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(msg)
}

func (e *entryServiceLogger[T]) Trace(msg string, fields LogFields) {
	withFields(e.entry, fields).Trace(msg)
}

// withFields applies fields in key order so derived entries are deterministic.
func withFields[T EntryLogger[T]](entry T, fields LogFields) T {
	if len(fields) == 0 {
		return entry
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		entry = entry.WithField(k, fields[k])
	}
	return entry
}
