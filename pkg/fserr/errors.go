// Package fserr defines the error taxonomy surfaced by the FAT driver.
//
// Every failure that reaches a caller of the chain, volume or filesystem
// layers carries one of the codes below. Codes are errors themselves, so
// callers match them with the standard library:
//
//	n, err := fs.Write(ctx, fd, data, -1)
//	if errors.Is(err, fserr.NOSPC) {
//	    // volume is full
//	}
//
// Implementations wrap a code with context using New/Wrap:
//
//	return fserr.New(fserr.NOENT, "open").WithPath(path)
package fserr

import (
	"errors"
	"strings"
)

// Code is the category of a filesystem error.
//
// The names follow the POSIX errno symbols they map to, which keeps the
// protocol-facing translation (FUSE, NFS, CLI exit codes) mechanical.
type Code int

const (
	// IO indicates media or structural corruption, e.g. a FAT link that is
	// neither a data cluster nor an end-of-chain marker.
	IO Code = iota + 1

	// NOENT indicates a path component does not exist.
	NOENT

	// INVAL indicates an operation that is structurally invalid for its
	// target, e.g. truncating a fixed sector extent.
	INVAL

	// EXIST indicates an exclusive create of an existing path.
	EXIST

	// NAMETOOLONG indicates a name that cannot be stored in a directory.
	NAMETOOLONG

	// NOSPC indicates cluster allocation failed or a fixed extent is full.
	NOSPC

	// NOSYS indicates the operation has no FAT equivalent.
	NOSYS

	// ROFS indicates a mutation on a read-only mount.
	ROFS

	// NOTDIR indicates a path step that is not a directory.
	NOTDIR

	// BADF indicates an unknown descriptor or one lacking the needed access.
	BADF

	// ISDIR indicates a directory where a file was expected.
	ISDIR

	// ACCES indicates a write to an entry carrying the readonly attribute.
	ACCES
)

var codeNames = map[Code]string{
	IO:          "EIO",
	NOENT:       "ENOENT",
	INVAL:       "EINVAL",
	EXIST:       "EEXIST",
	NAMETOOLONG: "ENAMETOOLONG",
	NOSPC:       "ENOSPC",
	NOSYS:       "ENOSYS",
	ROFS:        "EROFS",
	NOTDIR:      "ENOTDIR",
	BADF:        "EBADF",
	ISDIR:       "EISDIR",
	ACCES:       "EACCES",
}

var codeMessages = map[Code]string{
	IO:          "input/output error",
	NOENT:       "no such file or directory",
	INVAL:       "invalid argument",
	EXIST:       "file exists",
	NAMETOOLONG: "file name too long",
	NOSPC:       "no space left on device",
	NOSYS:       "function not implemented",
	ROFS:        "read-only file system",
	NOTDIR:      "not a directory",
	BADF:        "bad file descriptor",
	ISDIR:       "is a directory",
	ACCES:       "permission denied",
}

// String returns the errno-style symbol, e.g. "ENOSPC".
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "EUNKNOWN"
}

// Error implements the error interface so a bare Code can be used as a
// sentinel with errors.Is.
func (c Code) Error() string {
	if msg, ok := codeMessages[c]; ok {
		return msg
	}
	return "unknown error"
}

// Error is a filesystem error with the operation and path that produced it.
type Error struct {
	// Code is the error category
	Code Code

	// Op is the operation that failed (e.g. "open", "fetchFromFAT")
	Op string

	// Path is the filesystem path related to the error, if any
	Path string

	// Err is the underlying cause, if any
	Err error
}

// New creates an error of the given code for an operation.
func New(code Code, op string) *Error {
	return &Error{Code: code, Op: op}
}

// Wrap creates an error of the given code caused by err.
func Wrap(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// WithPath returns a copy of the error annotated with a path.
func (e *Error) WithPath(path string) *Error {
	cp := *e
	cp.Path = path
	return &cp
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Code.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is this error's code.
func (e *Error) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.Code
}

// CodeOf extracts the code from an error chain.
//
// A bare Code in the chain is honoured as well as *Error.
func CodeOf(err error) (Code, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code, true
	}
	var c Code
	if errors.As(err, &c) {
		return c, true
	}
	return 0, false
}
