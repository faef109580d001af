// Package apperr defines the error taxonomy shared by the store, the task
// processor and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// ValidationError is bad caller input. It is never retried.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func Validation(code, message string) error {
	return &ValidationError{Code: code, Message: message}
}

// DBKind classifies a storage failure.
type DBKind string

const (
	DBConstraint   DBKind = "constraint"
	DBConnectivity DBKind = "connectivity"
	DBNotFound     DBKind = "not_found"
	DBUnknown      DBKind = "unknown"
)

type DatabaseError struct {
	Op   string
	Kind DBKind
	Err  error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("%s: %s database error: %v", e.Op, e.Kind, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

// Database wraps err as a DatabaseError. A nil err stays nil.
func Database(op string, kind DBKind, err error) error {
	if err == nil {
		return nil
	}
	return &DatabaseError{Op: op, Kind: kind, Err: err}
}

// TaskProcessingError is a handler-level failure. The task processor turns
// it into a retry or a terminal failure.
type TaskProcessingError struct {
	TaskType string
	Err      error
}

func (e *TaskProcessingError) Error() string {
	return fmt.Sprintf("task processing failed (%s): %v", e.TaskType, e.Err)
}

func (e *TaskProcessingError) Unwrap() error { return e.Err }

func TaskProcessing(taskType string, err error) error {
	var tpe *TaskProcessingError
	if errors.As(err, &tpe) {
		return err
	}
	return &TaskProcessingError{TaskType: taskType, Err: err}
}

// ExternalServiceError is a failure reported by a collaborator such as the
// mail provider.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s service error: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

func ExternalService(service string, err error) error {
	return &ExternalServiceError{Service: service, Err: err}
}

// IsKind reports whether err is a DatabaseError of the given kind.
func IsKind(err error, kind DBKind) bool {
	var dbe *DatabaseError
	return errors.As(err, &dbe) && dbe.Kind == kind
}

// HTTPStatus maps an error to the status code the API answers with.
func HTTPStatus(err error) int {
	var (
		ve  *ValidationError
		dbe *DatabaseError
		ese *ExternalServiceError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &dbe):
		switch dbe.Kind {
		case DBNotFound:
			return http.StatusNotFound
		case DBConstraint:
			return http.StatusConflict
		case DBConnectivity:
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	case errors.As(err, &ese):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
