package store

import "errors"

// ErrWorkspaceBindingNotFound is returned by callers that need to
// distinguish "not yet resolved" from a query failure; WorkspaceBinding
// itself returns a bool instead so callers aren't forced to errors.Is.
var ErrWorkspaceBindingNotFound = errors.New("store: workspace binding not found")
