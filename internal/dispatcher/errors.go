package dispatcher

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind separates failures worth retrying from rejections that need a human.
type Kind int

const (
	KindTransient Kind = iota
	KindPermanent
)

func (k Kind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

var (
	ErrTransient = errors.New("transient sync failure")
	ErrPermanent = errors.New("permanent sync failure")

	ErrNoHealthy = errors.New("no healthy providers")
	ErrNoAcquire = errors.New("provider not acquired")
)

// SyncError is a classified remote failure.
type SyncError struct {
	Kind       Kind
	StatusCode int
	Provider   string
	Err        error
}

func (e *SyncError) Error() string {
	msg := e.Kind.String()
	if e.Provider != "" {
		msg += " provider=" + e.Provider
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" status=%d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SyncError) Unwrap() error { return e.Err }

// Is lets errors.Is match ErrTransient / ErrPermanent by kind.
func (e *SyncError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrPermanent:
		return e.Kind == KindPermanent
	}
	return false
}

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &SyncError{Kind: KindTransient, Err: err}
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &SyncError{Kind: KindPermanent, Err: err}
}

// Classify returns the kind of err. Unclassified errors are transient so
// nothing is parked for manual resolution by accident.
func Classify(err error) Kind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransient
}

func IsTransient(err error) bool { return err != nil && Classify(err) == KindTransient }
func IsPermanent(err error) bool { return err != nil && Classify(err) == KindPermanent }

// classifyStatus maps a remote HTTP status. ok reports success.
//
// A 404 is permanent for every action, delete included: the entry is kept
// for manual resolution instead of being dropped as synced.
func classifyStatus(code int) (ok bool, kind Kind) {
	switch {
	case code >= 200 && code < 300:
		return true, KindTransient
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly, code == http.StatusTooManyRequests:
		return false, KindTransient
	case code >= 500:
		return false, KindTransient
	case code >= 400:
		return false, KindPermanent
	default:
		// 1xx/3xx are not expected from the write endpoints.
		return false, KindTransient
	}
}

// classifyTransport wraps client.Do errors (dial, reset, timeout); all are retryable.
func classifyTransport(provider string, err error) error {
	return &SyncError{Kind: KindTransient, Provider: provider, Err: err}
}
