package linker

import (
	"errors"
	"fmt"
)

type ErrorKind uint8

const (
	ErrInternal ErrorKind = iota
	// wrong ELF type or machine, unsupported section kinds, malformed
	// attributes, broken archives
	ErrInputFormat
	// duplicate or undefined symbols, common symbols, missing entry
	ErrSymbol
	// relocation overflow, unknown relocation types, bad mergeable contents
	ErrLayout
)

func (k ErrorKind) String() string {
	switch k {
	case ErrInputFormat:
		return "input format"
	case ErrSymbol:
		return "symbol"
	case ErrLayout:
		return "layout"
	}
	return "internal"
}

type LinkError struct {
	Kind ErrorKind
	File string
	Msg  string
}

func (e *LinkError) Error() string {
	if e.File == "" {
		return e.Msg
	}
	return e.File + ": " + e.Msg
}

// Fatalf aborts the current link. The error is carried by a panic and
// turned back into a return value by Link.
func Fatalf(kind ErrorKind, file string, format string, args ...any) {
	panic(&LinkError{Kind: kind, File: file, Msg: fmt.Sprintf(format, args...)})
}

func assertf(cond bool, format string, args ...any) {
	if !cond {
		Fatalf(ErrInternal, "", format, args...)
	}
}

// KindOf returns the kind of a link error, or ErrInternal for anything else.
func KindOf(err error) ErrorKind {
	var le *LinkError
	if errors.As(err, &le) {
		return le.Kind
	}
	return ErrInternal
}

// catch recovers a LinkError raised by Fatalf into *err. Other panics
// keep unwinding.
func catch(err *error) {
	r := recover()
	if r == nil {
		return
	}
	if le, ok := r.(*LinkError); ok {
		*err = le
		return
	}
	panic(r)
}
