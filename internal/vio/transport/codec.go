package transport

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/vio.frontend/internal/vio"
	"github.com/banshee-data/vio.frontend/internal/vio/ingest"
	"github.com/banshee-data/vio.frontend/internal/vio/publish"
)

// ErrBadMessage is returned for a request or stream body with missing or
// mistyped fields.
var ErrBadMessage = errors.New("bad message")

// Message kinds on the odometry stream.
const (
	KindLatest = "latest"
	KindFrame  = "frame"
)

func num(v float64) *structpb.Value { return structpb.NewNumberValue(v) }

func vecValue(v r3.Vec) *structpb.Value {
	return structpb.NewListValue(&structpb.ListValue{Values: []*structpb.Value{num(v.X), num(v.Y), num(v.Z)}})
}

// quatValue lists w, x, y, z.
func quatValue(q quat.Number) *structpb.Value {
	return structpb.NewListValue(&structpb.ListValue{Values: []*structpb.Value{num(q.Real), num(q.Imag), num(q.Jmag), num(q.Kmag)}})
}

func vecsValue(vs []r3.Vec) *structpb.Value {
	l := &structpb.ListValue{Values: make([]*structpb.Value, len(vs))}
	for i, v := range vs {
		l.Values[i] = vecValue(v)
	}
	return structpb.NewListValue(l)
}

func numbersValue(fs []float64) *structpb.Value {
	l := &structpb.ListValue{Values: make([]*structpb.Value, len(fs))}
	for i, f := range fs {
		l.Values[i] = num(f)
	}
	return structpb.NewListValue(l)
}

// fields wraps a Struct for typed lookups. The first failed lookup is
// kept in err and later lookups return zero values.
type fields struct {
	s   *structpb.Struct
	err error
}

func (f *fields) fail(name, want string) {
	if f.err == nil {
		f.err = fmt.Errorf("%w: field %q must be %s", ErrBadMessage, name, want)
	}
}

func (f *fields) value(name string) *structpb.Value {
	if f.s == nil {
		return nil
	}
	return f.s.GetFields()[name]
}

func (f *fields) has(name string) bool { return f.value(name) != nil }

func (f *fields) number(name string) float64 {
	v, ok := f.value(name).GetKind().(*structpb.Value_NumberValue)
	if !ok {
		f.fail(name, "a number")
		return 0
	}
	return v.NumberValue
}

func (f *fields) str(name string) string {
	v, ok := f.value(name).GetKind().(*structpb.Value_StringValue)
	if !ok {
		f.fail(name, "a string")
		return ""
	}
	return v.StringValue
}

func (f *fields) boolean(name string) bool {
	v, ok := f.value(name).GetKind().(*structpb.Value_BoolValue)
	if !ok {
		f.fail(name, "a bool")
		return false
	}
	return v.BoolValue
}

func listNumbers(v *structpb.Value) ([]float64, bool) {
	l, ok := v.GetKind().(*structpb.Value_ListValue)
	if !ok {
		return nil, false
	}
	out := make([]float64, len(l.ListValue.GetValues()))
	for i, e := range l.ListValue.GetValues() {
		n, ok := e.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, false
		}
		out[i] = n.NumberValue
	}
	return out, true
}

func (f *fields) numbers(name string) []float64 {
	out, ok := listNumbers(f.value(name))
	if !ok {
		f.fail(name, "a list of numbers")
	}
	return out
}

func (f *fields) vec(name string) r3.Vec {
	n, ok := listNumbers(f.value(name))
	if !ok || len(n) != 3 {
		f.fail(name, "a list of 3 numbers")
		return r3.Vec{}
	}
	return r3.Vec{X: n[0], Y: n[1], Z: n[2]}
}

func (f *fields) quat(name string) quat.Number {
	n, ok := listNumbers(f.value(name))
	if !ok || len(n) != 4 {
		f.fail(name, "a list of 4 numbers")
		return quat.Number{}
	}
	return quat.Number{Real: n[0], Imag: n[1], Jmag: n[2], Kmag: n[3]}
}

func (f *fields) vecs(name string) []r3.Vec {
	l, ok := f.value(name).GetKind().(*structpb.Value_ListValue)
	if !ok {
		f.fail(name, "a list of points")
		return nil
	}
	out := make([]r3.Vec, 0, len(l.ListValue.GetValues()))
	for _, e := range l.ListValue.GetValues() {
		n, ok := listNumbers(e)
		if !ok || len(n) != 3 {
			f.fail(name, "a list of points")
			return nil
		}
		out = append(out, r3.Vec{X: n[0], Y: n[1], Z: n[2]})
	}
	return out
}

func (f *fields) object(name string) *fields {
	v, ok := f.value(name).GetKind().(*structpb.Value_StructValue)
	if !ok {
		f.fail(name, "an object")
		return &fields{err: f.err}
	}
	return &fields{s: v.StructValue}
}

// InertialToStruct encodes a sample as {timestamp, accel, gyro}.
func InertialToStruct(s vio.InertialSample) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"timestamp": num(s.Timestamp),
		"accel":     vecValue(s.Accel),
		"gyro":      vecValue(s.Gyro),
	}}
}

func InertialFromStruct(s *structpb.Struct) (vio.InertialSample, error) {
	f := &fields{s: s}
	out := vio.InertialSample{
		Timestamp: f.number("timestamp"),
		Accel:     f.vec("accel"),
		Gyro:      f.vec("gyro"),
	}
	return out, f.err
}

// PointCloudToStruct encodes a tracker message as {timestamp, points,
// channels: [{name, values}]}.
func PointCloudToStruct(pc ingest.PointCloud) *structpb.Struct {
	chans := &structpb.ListValue{Values: make([]*structpb.Value, len(pc.Channels))}
	for i, c := range pc.Channels {
		chans.Values[i] = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"name":   structpb.NewStringValue(c.Name),
			"values": numbersValue(c.Values),
		}})
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"timestamp": num(pc.Timestamp),
		"points":    vecsValue(pc.Points),
		"channels":  structpb.NewListValue(chans),
	}}
}

func PointCloudFromStruct(s *structpb.Struct) (ingest.PointCloud, error) {
	f := &fields{s: s}
	pc := ingest.PointCloud{
		Timestamp: f.number("timestamp"),
		Points:    f.vecs("points"),
	}
	l, ok := f.value("channels").GetKind().(*structpb.Value_ListValue)
	if !ok {
		f.fail("channels", "a list of channels")
		return ingest.PointCloud{}, f.err
	}
	for _, e := range l.ListValue.GetValues() {
		c, ok := e.GetKind().(*structpb.Value_StructValue)
		if !ok {
			f.fail("channels", "a list of channels")
			break
		}
		cf := &fields{s: c.StructValue}
		pc.Channels = append(pc.Channels, ingest.Channel{Name: cf.str("name"), Values: cf.numbers("values")})
		if cf.err != nil {
			f.err = cf.err
			break
		}
	}
	if f.err != nil {
		return ingest.PointCloud{}, f.err
	}
	return pc, nil
}

func poseFields(prefix string, p vio.Pose, m map[string]*structpb.Value) {
	m[prefix+"position"] = vecValue(p.Position)
	m[prefix+"orientation"] = quatValue(p.Orientation)
}

func (f *fields) pose(prefix string) vio.Pose {
	return vio.Pose{Position: f.vec(prefix + "position"), Orientation: f.quat(prefix + "orientation")}
}

// MessageToStruct encodes one odometry stream message. Point payloads of
// keyframes are not sent.
func MessageToStruct(m publish.Message) *structpb.Struct {
	out := map[string]*structpb.Value{"session_id": structpb.NewStringValue(m.SessionID)}
	switch {
	case m.Latest != nil:
		s := m.Latest
		out["kind"] = structpb.NewStringValue(KindLatest)
		out["timestamp"] = num(s.BaseTimestamp)
		poseFields("", vio.Pose{Position: s.Position, Orientation: s.Orientation}, out)
		out["velocity"] = vecValue(s.Velocity)
	case m.Frame != nil:
		r := m.Frame
		out["kind"] = structpb.NewStringValue(KindFrame)
		out["timestamp"] = num(r.Timestamp)
		out["phase"] = structpb.NewStringValue(r.Phase.String())
		poseFields("", vio.Pose{Position: r.Odometry.Position, Orientation: r.Odometry.Orientation}, out)
		out["velocity"] = vecValue(r.Odometry.Velocity)
		out["key_poses"] = vecsValue(r.KeyPoses)
		poseFields("camera_", r.CameraPose, out)
		out["points"] = vecsValue(r.PointCloud)
		poseFields("transform_", r.Transform, out)
		if k := r.Keyframe; k != nil {
			kf := map[string]*structpb.Value{"timestamp": num(k.Timestamp)}
			poseFields("", k.Pose, kf)
			out["keyframe"] = structpb.NewStructValue(&structpb.Struct{Fields: kf})
		}
		if rel := r.Relocalization; rel != nil {
			rf := map[string]*structpb.Value{
				"timestamp":   num(rel.Timestamp),
				"frame_index": num(float64(rel.FrameIndex)),
			}
			poseFields("drift_", rel.Drift, rf)
			out["relocalization"] = structpb.NewStructValue(&structpb.Struct{Fields: rf})
		}
	}
	return &structpb.Struct{Fields: out}
}

func parsePhase(s string) (vio.SolverPhase, bool) {
	for _, p := range []vio.SolverPhase{vio.PhaseInitializing, vio.PhaseNonLinear} {
		if p.String() == s {
			return p, true
		}
	}
	return 0, false
}

// MessageFromStruct decodes a stream message produced by MessageToStruct.
func MessageFromStruct(s *structpb.Struct) (publish.Message, error) {
	f := &fields{s: s}
	m := publish.Message{SessionID: f.str("session_id")}
	switch kind := f.str("kind"); kind {
	case KindLatest:
		st := vio.PropagatedState{
			BaseTimestamp: f.number("timestamp"),
			Position:      f.vec("position"),
			Orientation:   f.quat("orientation"),
			Velocity:      f.vec("velocity"),
		}
		m.Latest = &st
	case KindFrame:
		phase, ok := parsePhase(f.str("phase"))
		if !ok {
			f.fail("phase", "a solver phase")
		}
		r := vio.FrameReport{
			SessionID: m.SessionID,
			Timestamp: f.number("timestamp"),
			Phase:     phase,
		}
		r.Odometry = vio.ConfirmedState{
			Timestamp:   r.Timestamp,
			Position:    f.vec("position"),
			Orientation: f.quat("orientation"),
			Velocity:    f.vec("velocity"),
		}
		r.KeyPoses = f.vecs("key_poses")
		r.CameraPose = f.pose("camera_")
		r.PointCloud = f.vecs("points")
		r.Transform = f.pose("transform_")
		if f.has("keyframe") {
			kf := f.object("keyframe")
			r.Keyframe = &vio.Keyframe{Timestamp: kf.number("timestamp"), Pose: kf.pose("")}
			if f.err == nil {
				f.err = kf.err
			}
		}
		if f.has("relocalization") {
			rf := f.object("relocalization")
			r.Relocalization = &vio.RelocalizationResult{
				Timestamp:  rf.number("timestamp"),
				FrameIndex: int(rf.number("frame_index")),
				Drift:      rf.pose("drift_"),
			}
			if f.err == nil {
				f.err = rf.err
			}
		}
		m.Frame = &r
	default:
		if f.err == nil {
			f.err = fmt.Errorf("%w: unknown kind %q", ErrBadMessage, kind)
		}
	}
	if f.err != nil {
		return publish.Message{}, f.err
	}
	return m, nil
}
