package ingest

import "github.com/banshee-data/vio.frontend/internal/vio"

// InertialSink accepts inertial samples.
type InertialSink interface {
	PushInertial(sample vio.InertialSample) error
}

// Sink accepts every measurement kind. *pipeline.Synchronizer satisfies it.
type Sink interface {
	InertialSink
	PushFeatureFrame(frame vio.FeatureFrame) error
	PushRelocalization(msg vio.RelocalizationMessage) error
}
