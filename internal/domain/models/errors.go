package models

import (
	"errors"
	"fmt"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrIndicatorNotFound = errors.New("indicator not found")
	ErrAllSourcesFailed  = errors.New("all sources failed")
	ErrNoConsensus       = errors.New("no indicator reached consensus")
	ErrMixedIndicators   = errors.New("records belong to different indicators")
	ErrSchedulerRunning  = errors.New("scheduler already running")
)

// DuplicateTaskError is returned when a task name is registered twice.
type DuplicateTaskError struct {
	Name string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task %q already registered", e.Name)
}

// FetchError is a failure to obtain a payload from one source.
type FetchError struct {
	SourceID string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.SourceID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError is a failure to normalize a payload from one source.
type ParseError struct {
	SourceID string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.SourceID, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// InsufficientDataError means no record of the indicator carried a sell price.
type InsufficientDataError struct {
	IndicatorKey string
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for indicator %q", e.IndicatorKey)
}

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
