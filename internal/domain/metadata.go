package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// MetadataValue is a closed set of typed values stored in metadata bags.
// Only the variants declared in this file implement it.
type MetadataValue interface {
	Kind() MetadataKind
	String() string
	isMetadataValue()
}

type MetadataKind string

const (
	MetadataString  MetadataKind = "string"
	MetadataInt     MetadataKind = "int"
	MetadataDecimal MetadataKind = "decimal"
	MetadataBool    MetadataKind = "bool"
	MetadataTime    MetadataKind = "time"
)

type StringValue string
type IntValue int64
type DecimalValue decimal.Decimal
type BoolValue bool
type TimeValue time.Time

func (StringValue) Kind() MetadataKind  { return MetadataString }
func (IntValue) Kind() MetadataKind     { return MetadataInt }
func (DecimalValue) Kind() MetadataKind { return MetadataDecimal }
func (BoolValue) Kind() MetadataKind    { return MetadataBool }
func (TimeValue) Kind() MetadataKind    { return MetadataTime }

func (v StringValue) String() string  { return string(v) }
func (v IntValue) String() string     { return strconv.FormatInt(int64(v), 10) }
func (v DecimalValue) String() string { return decimal.Decimal(v).String() }
func (v BoolValue) String() string    { return strconv.FormatBool(bool(v)) }
func (v TimeValue) String() string    { return time.Time(v).UTC().Format(time.RFC3339Nano) }

func (StringValue) isMetadataValue()  {}
func (IntValue) isMetadataValue()     {}
func (DecimalValue) isMetadataValue() {}
func (BoolValue) isMetadataValue()    {}
func (TimeValue) isMetadataValue()    {}

type Metadata map[string]MetadataValue

func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	cp := make(Metadata, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func (m Metadata) Decimal(key string) (decimal.Decimal, bool) {
	v, ok := m[key].(DecimalValue)
	return decimal.Decimal(v), ok
}

func (m Metadata) Bool(key string) (bool, bool) {
	v, ok := m[key].(BoolValue)
	return bool(v), ok
}

type taggedValue struct {
	Type  MetadataKind `json:"type"`
	Value string       `json:"value"`
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]taggedValue, len(m))
	for k, v := range m {
		out[k] = taggedValue{Type: v.Kind(), Value: v.String()}
	}
	return json.Marshal(out)
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]taggedValue
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Metadata, len(raw))
	for k, tv := range raw {
		v, err := parseMetadataValue(tv)
		if err != nil {
			return fmt.Errorf("metadata %q: %w", k, err)
		}
		out[k] = v
	}
	*m = out
	return nil
}

func parseMetadataValue(tv taggedValue) (MetadataValue, error) {
	switch tv.Type {
	case MetadataString:
		return StringValue(tv.Value), nil
	case MetadataInt:
		i, err := strconv.ParseInt(tv.Value, 10, 64)
		if err != nil {
			return nil, err
		}
		return IntValue(i), nil
	case MetadataDecimal:
		d, err := decimal.NewFromString(tv.Value)
		if err != nil {
			return nil, err
		}
		return DecimalValue(d), nil
	case MetadataBool:
		b, err := strconv.ParseBool(tv.Value)
		if err != nil {
			return nil, err
		}
		return BoolValue(b), nil
	case MetadataTime:
		t, err := time.Parse(time.RFC3339Nano, tv.Value)
		if err != nil {
			return nil, err
		}
		return TimeValue(t), nil
	default:
		return nil, fmt.Errorf("unknown metadata type %q", tv.Type)
	}
}

// MetadataFromStrings converts an untyped request bag into string values.
func MetadataFromStrings(in map[string]string) Metadata {
	if len(in) == 0 {
		return Metadata{}
	}
	out := make(Metadata, len(in))
	for k, v := range in {
		out[k] = StringValue(v)
	}
	return out
}
