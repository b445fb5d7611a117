// Package publish delivers front-end output: to streaming clients, to a
// sqlite trajectory recorder, or to several publishers at once.
package publish

import "github.com/banshee-data/vio.frontend/internal/vio"

// Fanout forwards every call to each publisher in order.
type Fanout []vio.Publisher

func (f Fanout) PublishLatest(sessionID string, state vio.PropagatedState) {
	for _, p := range f {
		p.PublishLatest(sessionID, state)
	}
}

func (f Fanout) PublishFrame(report vio.FrameReport) {
	for _, p := range f {
		p.PublishFrame(report)
	}
}
