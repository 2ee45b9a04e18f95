// Package detector holds the per-modality detectors. Each detector is a pure
// classification step: payload in, result out. Side effects (alert history,
// fan-out, persistence) belong to the dispatcher.
package detector

import "ProctorWatch/internal/alert"

// Result is the outcome of one detector call. A zero Result means nothing was
// detected, which covers no-face, no-keyword, and capability-failure cases
// alike.
type Result struct {
	Match   bool
	Type    alert.Type
	Excerpt string
}
