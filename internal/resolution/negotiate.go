// Package resolution computes the authoritative terminal size of a shared
// session from the sizes its clients would prefer.
//
// The policy is smallest common viewport: the terminal is never larger than
// any attached client can display, so no client's content is clipped.
package resolution

import "github.com/remote-agent-terminal/ttysim/internal/model"

// Negotiate returns the resolution a session should use given the preferred
// resolutions of its clients. With no clients the current resolution is kept.
//
// Callers must reject zero dimensions before calling Negotiate.
func Negotiate(current model.Resolution, prefs []model.Resolution) model.Resolution {
	if len(prefs) == 0 {
		return current
	}

	result := prefs[0]
	for _, p := range prefs[1:] {
		if p.Cols < result.Cols {
			result.Cols = p.Cols
		}
		if p.Rows < result.Rows {
			result.Rows = p.Rows
		}
	}
	return result
}
