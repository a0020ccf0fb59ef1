package tools

import "errors"

var (
	// ErrDuplicateURL marks a crawl rejected by the revisit guard.
	ErrDuplicateURL = errors.New("DUPLICATE_URL")

	// ErrUnknownTool marks a dispatch to a name absent from the registry.
	ErrUnknownTool = errors.New("UNKNOWN_TOOL")

	// ErrToolTimeout marks an invocation cancelled by the per-call deadline.
	ErrToolTimeout = errors.New("TOOL_TIMEOUT")
)
