// Package vaulterr defines the tagged error kinds shared across the
// repository core. Every failure the core can produce is one of these
// kinds, wrapped around its underlying cause so callers can both branch on
// Kind and unwrap to the original error with errors.Is/errors.As.
package vaulterr

import (
	"errors"
	"fmt"
)

// Kind tags the class of failure, matching the taxonomy a thin CLI wrapper
// needs to pick an exit code (load vs. save vs. run vs. args).
type Kind int

const (
	KindUnknown Kind = iota
	KindIO
	KindBundleFormat
	KindBundleMissing
	KindChunkMissing
	KindIndexCorrupt
	KindBundleMapCorrupt
	KindConfigInvalid
	KindKeyMissing
	KindDecrypt
	KindCompress
	KindLockBusy
	KindLockStale
	KindDirtyRepository
	KindWrongVersion
	KindPartialBackupsList
	KindBackupFailedPaths
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "IO"
	case KindBundleFormat:
		return "BundleFormat"
	case KindBundleMissing:
		return "BundleMissing"
	case KindChunkMissing:
		return "ChunkMissing"
	case KindIndexCorrupt:
		return "IndexCorrupt"
	case KindBundleMapCorrupt:
		return "BundleMapCorrupt"
	case KindConfigInvalid:
		return "ConfigInvalid"
	case KindKeyMissing:
		return "KeyMissing"
	case KindDecrypt:
		return "Decrypt"
	case KindCompress:
		return "Compress"
	case KindLockBusy:
		return "LockBusy"
	case KindLockStale:
		return "LockStale"
	case KindDirtyRepository:
		return "DirtyRepository"
	case KindWrongVersion:
		return "WrongVersion"
	case KindPartialBackupsList:
		return "PartialBackupsList"
	case KindBackupFailedPaths:
		return "BackupFailedPaths"
	default:
		return "Unknown"
	}
}

// Error is a tagged error carrying a Kind, an optional identifying detail
// (a bundle id, a chunk hash hex string, a public key hex string, ...), and
// the wrapped cause.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with no detail and no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// Wrap tags an existing error with a Kind.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// WrapDetail tags an existing error with a Kind and an identifying detail.
func WrapDetail(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
