package hl7

import "fmt"

// ApplicationNackError is an AE acknowledgment: the remote failed to
// process the message but a later retry may succeed.
type ApplicationNackError struct {
	Code   AckCode
	Detail string
}

func (e *ApplicationNackError) Error() string {
	return fmt.Sprintf("application error (%s): %s", e.Code, e.Detail)
}

// ApplicationRejectError is an acknowledgment that permanently rejects
// the message.
type ApplicationRejectError struct {
	Code   AckCode
	Detail string
}

func (e *ApplicationRejectError) Error() string {
	return fmt.Sprintf("application reject (%s): %s", e.Code, e.Detail)
}

// UnsupportedResponseError is returned when the remote answers with
// something other than an acknowledgment.
type UnsupportedResponseError struct {
	Detail string
}

func (e *UnsupportedResponseError) Error() string {
	return e.Detail
}
