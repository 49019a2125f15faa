package service

import (
	"context"
	"errors"
	"fmt"
	neturl "net/url"
	"syscall"

	"github.com/airbusgeo/s2-quicklook/common"
	"google.golang.org/api/googleapi"
)

type errTmpIf interface{ Temporary() bool }
type errTmp struct{ error }

func (t errTmp) Temporary() bool    { return true }
func (t *errTmp) Unwrap() error     { return t.error }
func MakeTemporary(err error) error { return &errTmp{err} }

// Temporary inspects the error trace and returns whether the error is transient
func Temporary(err error) bool {
	var uerr *neturl.Error
	if errors.As(err, &uerr) {
		err = uerr.Err
	}

	//First override some default syscall temporary statuses
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EIO, syscall.EBUSY, syscall.ECANCELED, syscall.ECONNABORTED, syscall.ECONNRESET, syscall.ENOMEM, syscall.EPIPE:
			return true
		}
	}

	//first check explicitely marked error
	var tmp errTmpIf
	if errors.As(err, &tmp) {
		return tmp.Temporary()
	}
	var gapiError *googleapi.Error
	if errors.As(err, &gapiError) {
		return gapiError.Code == 429 || gapiError.Code == 500
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// MergeErrors, appending texts
// if priorityToErr is true, priority to the permanent error then to the temporary
// else, priority to no error, then to the temporary and finally to the permanent error.
func MergeErrors(priorityToError bool, err error, newErrs ...error) error {
	if len(newErrs) == 0 {
		return err
	}
	newErr := newErrs[0]

	if newErr == nil {
		if !priorityToError {
			return nil
		}
	} else if err == nil {
		err = newErr
	} else if priorityToError != Temporary(err) {
		err = fmt.Errorf("%w\n %v", err, newErr)
	} else {
		err = fmt.Errorf("%w\n %v", newErr, err)
	}
	return MergeErrors(priorityToError, err, newErrs[1:]...)
}

// Failure is an error attributed to a component of the pipeline
type Failure struct {
	Stage common.Stage
	Err   error
}

func (f *Failure) Error() string { return fmt.Sprintf("%s failure: %v", f.Stage, f.Err) }
func (f *Failure) Unwrap() error { return f.Err }

// NewFailure attributes err to the stage. Returns nil if err is nil.
func NewFailure(stage common.Stage, err error) error {
	if err == nil {
		return nil
	}
	return &Failure{Stage: stage, Err: err}
}

// FailureStage returns the stage of the innermost Failure found in the error trace
func FailureStage(err error) common.Stage {
	var f *Failure
	if errors.As(err, &f) {
		return f.Stage
	}
	return common.StageNone
}
