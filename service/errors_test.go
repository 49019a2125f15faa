package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"

	"github.com/airbusgeo/s2-quicklook/common"
)

func TestPermanent(t *testing.T) {
	err := fmt.Errorf("Permanent error")
	if Temporary(err) {
		t.Fail()
	}
	err = &url.Error{Err: err}
	if Temporary(err) {
		t.Fail()
	}
}

func TestTemporary(t *testing.T) {
	err := MakeTemporary(fmt.Errorf("Temporary error"))
	if !Temporary(err) {
		t.Fail()
	}
	err = fmt.Errorf("Warp: %w", err)
	if !Temporary(err) {
		t.Fail()
	}
	if !Temporary(context.Canceled) {
		t.Fail()
	}
	if !Temporary(context.DeadlineExceeded) {
		t.Fail()
	}
	err = fmt.Errorf("Warp: %w", &url.Error{Err: err})
	if !Temporary(err) {
		t.Fail()
	}
}

func TestFailureStage(t *testing.T) {
	if NewFailure(common.StageSearch, nil) != nil {
		t.Error("NewFailure(nil) must be nil")
	}
	cause := errors.New("503 Service Unavailable")
	err := fmt.Errorf("Copernicus.SearchProducts: %w", NewFailure(common.StageSearch, cause))
	if FailureStage(err) != common.StageSearch {
		t.Errorf("expected search stage, got %s", FailureStage(err))
	}
	if !errors.Is(err, cause) {
		t.Error("the cause must be kept in the trace")
	}
	if FailureStage(cause) != common.StageNone {
		t.Error("expected no stage")
	}
	if err.Error() != "Copernicus.SearchProducts: search failure: 503 Service Unavailable" {
		t.Errorf("wrong message: %s", err.Error())
	}
}

func TestMergeErrors(t *testing.T) {
	permanent := errors.New("404 Not Found")
	temporary := MakeTemporary(errors.New("503 Service Unavailable"))

	if MergeErrors(true, nil) != nil || MergeErrors(true, nil, nil) != nil {
		t.Error("expected nil")
	}
	err := MergeErrors(true, nil, temporary, permanent)
	if Temporary(err) {
		t.Errorf("the permanent error must have the priority: %v", err)
	}
	if !errors.Is(err, permanent) {
		t.Errorf("expected the permanent error in the trace: %v", err)
	}
	if err := MergeErrors(false, permanent, temporary); !Temporary(err) {
		t.Errorf("the temporary error must have the priority: %v", err)
	}
	if MergeErrors(false, permanent, nil) != nil {
		t.Error("no error must have the priority")
	}
}
