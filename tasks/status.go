package tasks

import (
	"fmt"
	"strings"

	swarmerr "github.com/codeboltai/agentswarmprotocol-sub005/errors"
)

// statusAliases maps participant vocabulary onto canonical states.
var statusAliases = map[string]Status{
	"pending":     StatusPending,
	"waiting":     StatusPending,
	"queued":      StatusPending,
	"created":     StatusPending,
	"new":         StatusPending,
	"submitted":   StatusPending,
	"in_progress": StatusInProgress,
	"in-progress": StatusInProgress,
	"inprogress":  StatusInProgress,
	"assigned":    StatusInProgress,
	"running":     StatusInProgress,
	"working":     StatusInProgress,
	"started":     StatusInProgress,
	"processing":  StatusInProgress,
	"completed":   StatusCompleted,
	"complete":    StatusCompleted,
	"done":        StatusCompleted,
	"success":     StatusCompleted,
	"succeeded":   StatusCompleted,
	"finished":    StatusCompleted,
	"failed":      StatusFailed,
	"failure":     StatusFailed,
	"error":       StatusFailed,
	"cancelled":   StatusCancelled,
	"canceled":    StatusCancelled,
	"aborted":     StatusCancelled,
}

// NormalizeStatus maps an external status string onto a canonical Status.
// Matching ignores case and surrounding space. Unrecognised strings fail
// with UNKNOWN_STATUS rather than defaulting to a guess.
func NormalizeStatus(s string) (Status, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if st, ok := statusAliases[key]; ok {
		return st, nil
	}
	return "", swarmerr.New(swarmerr.ErrCodeUnknownStatus,
		fmt.Sprintf("unknown task status %q", s),
		swarmerr.WithMetadata("status", s))
}
