// Package coreerr defines the taxonomic error kinds surfaced by the
// orchestration core. Components wrap the underlying cause with one of these
// types so callers can branch on kind with errors.As instead of matching
// strings.
package coreerr

import "fmt"

// Kind identifies which taxonomic bucket an error belongs to.
type Kind string

const (
	KindConfig       Kind = "config"
	KindStoreTrans   Kind = "store_transient"
	KindStorePerm    Kind = "store_permanent"
	KindSpawn        Kind = "spawn"
	KindTaskTimeout  Kind = "task_timeout"
	KindIngestParse  Kind = "ingest_parse"
	KindBackpressure Kind = "backpressure"
)

// Error wraps an underlying cause with a taxonomic kind and the component
// operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// ConfigError wraps a configuration-stage failure: invalid cron expression,
// missing required env, unreachable Store at startup.
func ConfigError(op string, err error) *Error { return newErr(KindConfig, op, err) }

// StoreTransient wraps a recoverable Store failure (connection reset,
// deadlock). Callers should retry with backoff up to a configured limit.
func StoreTransient(op string, err error) *Error { return newErr(KindStoreTrans, op, err) }

// StorePermanent wraps a non-retryable Store failure (constraint violation,
// schema mismatch).
func StorePermanent(op string, err error) *Error { return newErr(KindStorePerm, op, err) }

// SpawnError wraps a subprocess spawn failure (missing executable,
// permission denied). Always terminal for the task.
func SpawnError(op string, err error) *Error { return newErr(KindSpawn, op, err) }

// TaskTimeout wraps a hard-deadline failure; the task is forced to Failed
// and the subprocess is terminated.
func TaskTimeout(op string, err error) *Error { return newErr(KindTaskTimeout, op, err) }

// IngestParseError wraps a malformed JSONL line. Never fatal: logged,
// skipped, and counted in error_count.
func IngestParseError(op string, err error) *Error { return newErr(KindIngestParse, op, err) }

// Backpressure wraps a rejected submission because the dispatch queue is
// full. Synchronous, not retried by the caller — the next cron firing (or
// the next ad-hoc submission) is the retry.
func Backpressure(op string, err error) *Error { return newErr(KindBackpressure, op, err) }

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		if ce, ok := err.(*Error); ok {
			if ce.Kind == kind {
				return true
			}
			err = ce.Err
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
