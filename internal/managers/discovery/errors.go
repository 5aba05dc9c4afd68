package discovery

import "errors"

// ErrUnknownFamily is returned for a family with no registered controller.
var ErrUnknownFamily = errors.New("unknown discovery family")
