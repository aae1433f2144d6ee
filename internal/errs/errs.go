// Package errs provides the structured error type used across warden.
// Every failure carries the operation that failed, a kind for programmatic
// handling, and optional key/value context.
package errs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Op describes an operation, usually as "package.Function".
type Op string

// Kind categorizes the type of error.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindInvalid
	KindState
	KindWorktree
	KindEvidence
	KindLockTimeout
	KindDiskSpace
	KindPermission
	KindConfig
	KindIO
	KindGit
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindInvalid:
		return "invalid"
	case KindState:
		return "state error"
	case KindWorktree:
		return "worktree error"
	case KindEvidence:
		return "evidence error"
	case KindLockTimeout:
		return "lock timeout"
	case KindDiskSpace:
		return "insufficient disk space"
	case KindPermission:
		return "permission denied"
	case KindConfig:
		return "configuration error"
	case KindIO:
		return "I/O error"
	case KindGit:
		return "git error"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown error"
	}
}

// F holds key/value context attached to an Error.
type F map[string]string

// Error is the structured error type for warden.
type Error struct {
	Op      Op     // Operation that failed
	Kind    Kind   // Category of error
	Err     error  // Underlying error
	Context string // Additional context
	Fields  F      // Key/value details (from/to states, paths, sizes)
}

// Error returns the error message.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(string(e.Op))
		b.WriteString(": ")
	}
	if e.Context != "" {
		b.WriteString(e.Context)
		if e.Err != nil {
			b.WriteString(": ")
		}
	}
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+e.Fields[k])
		}
		b.WriteString(" (")
		b.WriteString(strings.Join(pairs, ", "))
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Field returns the context value for key, or "" when absent.
func (e *Error) Field(key string) string {
	return e.Fields[key]
}

// E creates a new Error. Arguments can be:
// - Op: the operation name
// - Kind: the error kind
// - string: context message
// - error: the underlying error
// - F: key/value context
func E(args ...interface{}) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Op:
			e.Op = a
		case Kind:
			e.Kind = a
		case string:
			e.Context = a
		case F:
			e.Fields = a
		case error:
			e.Err = a
		}
	}
	if e.Err == nil && len(e.Fields) == 0 {
		e.Err = errors.New(e.Context)
		e.Context = ""
	}
	return e
}

// Is reports whether err is of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// GetKind returns the Kind of an error.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// FieldOf returns the named context value from the first *Error in the chain.
func FieldOf(err error, key string) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Field(key)
	}
	return ""
}

// Session errors

func SessionNotFound(id string) error {
	return E(Op("session.Get"), KindNotFound, fmt.Sprintf("session %s not found", id), F{"session": id})
}

func SessionExists(id, state string) error {
	return E(Op("session.Create"), KindState, fmt.Sprintf("session %s already exists in state %s", id, state), F{"session": id, "state": state})
}

func SessionCorrupt(id, detail string) error {
	return E(Op("session.Get"), KindState, fmt.Sprintf("session %s has malformed on-disk state", id), F{"session": id, "detail": detail})
}

// Transition errors

func TransitionDenied(from, to, guard, reason string) error {
	f := F{"from": from, "to": to}
	if guard != "" {
		f["violated_guard"] = guard
	}
	return E(Op("lifecycle.ValidateTransition"), KindState, reason, f)
}

// Lock errors

func LockTimeout(path string, waited, timeout time.Duration) error {
	return E(Op("lock.Acquire"), KindLockTimeout,
		fmt.Sprintf("could not acquire lock within %s", timeout),
		F{"lock": path, "waited": waited.String()})
}

// Disk errors

func InsufficientDiskSpace(path string, required, available uint64) error {
	return E(Op("fsutil.CheckDiskSpace"), KindDiskSpace,
		fmt.Sprintf("need %d bytes free, have %d", required, available),
		F{"path": path, "required": fmt.Sprintf("%d", required), "available": fmt.Sprintf("%d", available)})
}

// Config errors

func ConfigInvalid(reason string) error {
	return E(Op("config.Validate"), KindConfig, reason)
}

// Git errors

func GitNotRepo(path string) error {
	return E(Op("git.VerifyRepo"), KindGit, fmt.Sprintf("%s is not a git repository", path), F{"path": path})
}
