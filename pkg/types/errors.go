package types

import (
	"errors"
	"fmt"
	"strings"
)

// CodeOperationNotAllowed is the code carried by every blocking, user-visible error
const CodeOperationNotAllowed = "OPERATION_NOT_ALLOWED"

// User-visible setup and validation messages
const (
	ErrMsgNoMappings       = "Invalid setup data. The template group has no active field mappings"
	ErrMsgMalformedMapping = "Invalid setup data. Field mapping is malformed"
	ErrMsgDuplicateTarget  = "Invalid setup data. Target field is mapped more than once"
	ErrMsgGroupNotFound    = "Invalid setup data. Template group not found"
	ErrMsgUnknownObject    = "Invalid setup data. Managed object is not a known value"
	ErrMsgIncompleteGroup  = "Invalid setup data. Template group is missing a required field"

	ErrMsgUserChange    = "Cannot change users on existing assignments. Inactivate the current assignment and add one for the new user"
	ErrMsgCountryChange = "Cannot change country on existing assignments. Inactivate the current assignment and add one for the new user and country"
	ErrMsgCountryNotSet = "Invalid data. Country cannot be specified when the template group defines no country field"

	ErrMsgActiveInsert = "Managed records exist for this template group. New templates must be created inactive, then activated"
	ErrMsgActiveDelete = "Managed records exist for this template group. Active templates cannot be deleted. Inactivate the template, then delete"
)

// RejectionSuffix is appended to every message surfaced at the trigger boundary
const RejectionSuffix = ". If you feel this is an error, please contact your IT Administrator."

// SetupError is a configuration-class error that blocks provisioning
type SetupError struct {
	Code    string
	Message string
	Token   string
}

// NewSetupError creates a setup error
func NewSetupError(msg string) *SetupError {
	return &SetupError{Code: CodeOperationNotAllowed, Message: msg}
}

// NewSetupTokenError creates a setup error naming the offending token
func NewSetupTokenError(msg, token string) *SetupError {
	return &SetupError{Code: CodeOperationNotAllowed, Message: msg, Token: token}
}

func (e *SetupError) Error() string {
	if e.Token != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Token)
	}
	return e.Message
}

// IsSetupError reports whether err wraps a SetupError
func IsSetupError(err error) bool {
	var se *SetupError
	return errors.As(err, &se)
}

// RejectionError is the platform-visible rejection of a single record
type RejectionError struct {
	Code     string
	Message  string
	RecordID string
}

// Reject converts a terminal error into a rejection
func Reject(recordID string, err error) *RejectionError {
	var re *RejectionError
	if errors.As(err, &re) {
		return &RejectionError{Code: re.Code, Message: re.Message, RecordID: recordID}
	}

	msg := err.Error()
	var se *SetupError
	if errors.As(err, &se) {
		msg = se.Error()
	}
	if !strings.HasSuffix(msg, RejectionSuffix) {
		msg = strings.TrimSuffix(msg, ".") + RejectionSuffix
	}
	return &RejectionError{Code: CodeOperationNotAllowed, Message: msg, RecordID: recordID}
}

func (e *RejectionError) Error() string {
	if e.RecordID == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: record %s: %s", e.Code, e.RecordID, e.Message)
}

// IsRejection reports whether err wraps a RejectionError
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}
