package calibration

import (
	"fmt"
	"strings"

	"github.com/banshee-data/lidar-extrinsics/internal/cloud"
	"github.com/banshee-data/lidar-extrinsics/internal/registry"
)

// Command is a request to the controller. Every state change enters the
// controller as a Command on one channel, so the transition table in handle is
// the only place session state is mutated.
//
// The concrete commands are SelectTopic, AdjustParameters, AdjustParameter,
// AdjustFields and TriggerSave. Frames from the transport enter through an unexported variant.
type Command interface {
	command()
}

// SelectTopic makes Topic the active topic in interactive mode. Its stored
// params are echoed to status subscribers, and the next edit event is load-only.
type SelectTopic struct {
	Topic string
}

// AdjustParameters sets all six manual params of Topic.
type AdjustParameters struct {
	Topic  string
	Params registry.ManualParams
}

// AdjustParameter sets one manual param of Topic, keeping the others.
type AdjustParameter struct {
	Topic string
	Field Field
	Value float64
}

// AdjustFields sets some of Topic's manual params in one edit event, keeping
// the others. It is load-only after a switch just like the other edits.
type AdjustFields struct {
	Topic  string
	Values map[Field]float64
}

// TriggerSave persists every transform now. Interactive mode resumes afterwards.
type TriggerSave struct{}

// ingest carries frames polled from the transport.
type ingest struct {
	frames []*cloud.Cloud
}

func (SelectTopic) command()      {}
func (AdjustParameters) command() {}
func (AdjustParameter) command()  {}
func (AdjustFields) command()     {}
func (TriggerSave) command()      {}
func (ingest) command()           {}

// Field names one of the six manual params.
type Field string

const (
	FieldX     Field = "x"
	FieldY     Field = "y"
	FieldZ     Field = "z"
	FieldRoll  Field = "roll"
	FieldPitch Field = "pitch"
	FieldYaw   Field = "yaw"
)

// ParseField accepts a field name in any case.
func ParseField(s string) (Field, error) {
	f := Field(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case FieldX, FieldY, FieldZ, FieldRoll, FieldPitch, FieldYaw:
		return f, nil
	}
	return "", fmt.Errorf("unknown parameter field %q", s)
}

// apply returns p with f set to v.
func (f Field) apply(p registry.ManualParams, v float64) registry.ManualParams {
	switch f {
	case FieldX:
		p.X = v
	case FieldY:
		p.Y = v
	case FieldZ:
		p.Z = v
	case FieldRoll:
		p.Roll = v
	case FieldPitch:
		p.Pitch = v
	case FieldYaw:
		p.Yaw = v
	}
	return p
}
