package estimator

import (
	"sync"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/vio.frontend/internal/vio"
)

// InertialCall is one recorded ProcessInertial call.
type InertialCall struct {
	Dt    float64
	Accel r3.Vec
	Gyro  r3.Vec
}

// FrameCall is one recorded ProcessFrame call.
type FrameCall struct {
	Features  vio.FeatureMap
	Timestamp float64
	// Inertial is the number of ProcessInertial calls received since the
	// previous frame.
	Inertial int
}

// Mock implements vio.Estimator by recording every call. The exported
// configuration fields may be set before use; recorded calls are read
// through the accessor methods, which are safe for concurrent use.
type Mock struct {
	mu sync.Mutex

	// PhaseValue is reported by Phase. When NonLinearAfter is positive the
	// phase switches to NonLinear once that many frames were processed.
	PhaseValue      vio.SolverPhase
	NonLinearAfter  int
	TimeOffsetValue float64
	GravityValue    r3.Vec
	// WindowEndValue is reported by WindowEnd.
	WindowEndValue vio.ConfirmedState
	OutputsValue   vio.FrameOutputs
	// FrameError is returned by every ProcessFrame call when set.
	FrameError error
	// ConfigureError is returned by Configure when set.
	ConfigureError error
	// OnFrame, when set, runs inside ProcessFrame before it returns.
	OnFrame func(timestamp float64)

	inertial        []InertialCall
	frames          []FrameCall
	relocalizations []vio.RelocalizationMessage
	clears          int
	configures      int
	sinceFrame      int
}

// NewMock returns a Mock reporting Earth gravity along +Z.
func NewMock() *Mock {
	return &Mock{GravityValue: r3.Vec{Z: 9.81}}
}

func (m *Mock) ProcessInertial(dt float64, accel, gyro r3.Vec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inertial = append(m.inertial, InertialCall{Dt: dt, Accel: accel, Gyro: gyro})
	m.sinceFrame++
}

func (m *Mock) ProcessFrame(features vio.FeatureMap, timestamp float64) error {
	m.mu.Lock()
	hook := m.OnFrame
	m.frames = append(m.frames, FrameCall{Features: features, Timestamp: timestamp, Inertial: m.sinceFrame})
	m.sinceFrame = 0
	if m.NonLinearAfter > 0 && len(m.frames) >= m.NonLinearAfter {
		m.PhaseValue = vio.PhaseNonLinear
	}
	err := m.FrameError
	m.mu.Unlock()

	if hook != nil {
		hook(timestamp)
	}
	return err
}

func (m *Mock) SetRelocalizationFrame(msg vio.RelocalizationMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relocalizations = append(m.relocalizations, msg)
}

func (m *Mock) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clears++
	m.inertial = nil
	m.frames = nil
	m.relocalizations = nil
	m.sinceFrame = 0
	m.PhaseValue = vio.PhaseInitializing
}

func (m *Mock) Configure() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configures++
	return m.ConfigureError
}

func (m *Mock) Phase() vio.SolverPhase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PhaseValue
}

func (m *Mock) TimeOffset() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.TimeOffsetValue
}

func (m *Mock) Gravity() r3.Vec {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.GravityValue
}

func (m *Mock) WindowEnd() vio.ConfirmedState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.WindowEndValue
}

func (m *Mock) Outputs() vio.FrameOutputs {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.OutputsValue
}

// SetPhase changes the reported phase.
func (m *Mock) SetPhase(p vio.SolverPhase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PhaseValue = p
}

// InertialCalls returns a copy of the recorded inertial updates.
func (m *Mock) InertialCalls() []InertialCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]InertialCall(nil), m.inertial...)
}

// FrameCalls returns a copy of the recorded frame calls.
func (m *Mock) FrameCalls() []FrameCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]FrameCall(nil), m.frames...)
}

// Relocalizations returns a copy of the recorded relocalization messages.
func (m *Mock) Relocalizations() []vio.RelocalizationMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]vio.RelocalizationMessage(nil), m.relocalizations...)
}

// Clears returns how many times Clear was called.
func (m *Mock) Clears() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clears
}

// Configures returns how many times Configure was called.
func (m *Mock) Configures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.configures
}
