package payload

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

// Built-in type names.
const (
	TypeRaw             = "raw"
	TypeBasic           = "basic"
	TypeBasicStatic     = "basic.static"
	TypeTransform       = "transform"
	TypeAnimation       = "animation"
	TypeAnimationStatic = "animation.static"
)

// Raw is an opaque byte payload.
type Raw struct {
	Data []byte `json:"data"`
}

func (p *Raw) TypeName() string { return TypeRaw }
func (p *Raw) BinarySize() int  { return len(p.Data) }

func (p *Raw) MarshalBinary() ([]byte, error) {
	return append([]byte(nil), p.Data...), nil
}

func (p *Raw) UnmarshalBinary(data []byte) error {
	p.Data = append([]byte(nil), data...)
	return nil
}

// Basic is a frame of named property values. The names live in the
// track's BasicStatic payload.
type Basic struct {
	Values []float32 `json:"values"`
}

func (p *Basic) TypeName() string { return TypeBasic }
func (p *Basic) BinarySize() int  { return 4 * len(p.Values) }

func (p *Basic) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 4*len(p.Values))
	for i, v := range p.Values {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf, nil
}

func (p *Basic) UnmarshalBinary(data []byte) error {
	if len(data)%4 != 0 {
		return fmt.Errorf("%w: basic payload of %d bytes", ErrMalformed, len(data))
	}
	p.Values = make([]float32, len(data)/4)
	for i := range p.Values {
		p.Values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return nil
}

// BasicStatic names the properties carried by a track's Basic frames.
type BasicStatic struct {
	Names []string `json:"names" msgpack:"names"`
}

func (p *BasicStatic) TypeName() string { return TypeBasicStatic }

// basicStaticFields has no methods so msgpack encodes the struct fields
// instead of calling back into MarshalBinary.
type basicStaticFields BasicStatic

func (p *BasicStatic) MarshalBinary() ([]byte, error) {
	return msgpack.Marshal((*basicStaticFields)(p))
}

func (p *BasicStatic) UnmarshalBinary(data []byte) error {
	return msgpack.Unmarshal(data, (*basicStaticFields)(p))
}

// TransformSize is the encoded size of one Transform.
const TransformSize = 10 * 8

// Transform is a location, a rotation quaternion (x, y, z, w) and a scale.
type Transform struct {
	Location [3]float64 `json:"location"`
	Rotation [4]float64 `json:"rotation"`
	Scale    [3]float64 `json:"scale"`
}

// IdentityTransform has no translation or rotation and unit scale.
func IdentityTransform() Transform {
	return Transform{Rotation: [4]float64{0, 0, 0, 1}, Scale: [3]float64{1, 1, 1}}
}

func (p *Transform) TypeName() string { return TypeTransform }
func (p *Transform) BinarySize() int  { return TransformSize }

func (p *Transform) MarshalBinary() ([]byte, error) {
	buf := make([]byte, TransformSize)
	p.put(buf)
	return buf, nil
}

func (p *Transform) UnmarshalBinary(data []byte) error {
	if len(data) != TransformSize {
		return fmt.Errorf("%w: transform payload of %d bytes", ErrMalformed, len(data))
	}
	p.get(data)
	return nil
}

func (p *Transform) put(buf []byte) {
	for i, v := range p.components() {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(*v))
	}
}

func (p *Transform) get(buf []byte) {
	for i, v := range p.components() {
		*v = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
	}
}

func (p *Transform) components() [10]*float64 {
	return [10]*float64{
		&p.Location[0], &p.Location[1], &p.Location[2],
		&p.Rotation[0], &p.Rotation[1], &p.Rotation[2], &p.Rotation[3],
		&p.Scale[0], &p.Scale[1], &p.Scale[2],
	}
}

// Animation is one pose: a transform per bone, in AnimationStatic order.
type Animation struct {
	Transforms []Transform `json:"transforms"`
}

func (p *Animation) TypeName() string { return TypeAnimation }
func (p *Animation) BinarySize() int  { return TransformSize * len(p.Transforms) }

func (p *Animation) MarshalBinary() ([]byte, error) {
	buf := make([]byte, TransformSize*len(p.Transforms))
	for i := range p.Transforms {
		p.Transforms[i].put(buf[TransformSize*i:])
	}
	return buf, nil
}

func (p *Animation) UnmarshalBinary(data []byte) error {
	if len(data)%TransformSize != 0 {
		return fmt.Errorf("%w: animation payload of %d bytes", ErrMalformed, len(data))
	}
	p.Transforms = make([]Transform, len(data)/TransformSize)
	for i := range p.Transforms {
		p.Transforms[i].get(data[TransformSize*i:])
	}
	return nil
}

// AnimationStatic describes the skeleton an Animation track poses.
// A parent of -1 marks a root bone.
type AnimationStatic struct {
	BoneNames   []string `json:"bone_names" msgpack:"bone_names"`
	BoneParents []int32  `json:"bone_parents" msgpack:"bone_parents"`
}

type animationStaticFields AnimationStatic

func (p *AnimationStatic) TypeName() string { return TypeAnimationStatic }

func (p *AnimationStatic) MarshalBinary() ([]byte, error) {
	if len(p.BoneParents) != 0 && len(p.BoneParents) != len(p.BoneNames) {
		return nil, fmt.Errorf("%w: %d bone names but %d parents", ErrMalformed, len(p.BoneNames), len(p.BoneParents))
	}
	return msgpack.Marshal((*animationStaticFields)(p))
}

func (p *AnimationStatic) UnmarshalBinary(data []byte) error {
	return msgpack.Unmarshal(data, (*animationStaticFields)(p))
}
