package messages

import (
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	bridgeerr "github.com/LeonardoBeccarini/irrigation_bridge/internal/errors"
)

// DecisionSource names the document shape a value was resolved from.
type DecisionSource string

const (
	SourceNone    DecisionSource = ""
	SourcePrimary DecisionSource = "prediction"    // {prediction: {irrigation_needed, amount_liters_per_m2}}
	SourceLegacy  DecisionSource = "ml_prediction" // {ml_prediction: {irrigation_needed, recommended_amount_liters}}
)

// Candidate is the decision carried by one of the two shapes.
// nil values mean absent or null; anything else is kept as decoded.
type Candidate struct {
	IrrigationNeeded any
	Rate             any
}

// PredictionDocument is a document inserted in ai_prediction by the prediction service.
// Primary and Legacy are nil when the document does not carry that shape.
type PredictionDocument struct {
	ID        bson.ObjectID
	Primary   *Candidate
	Legacy    *Candidate
	Timestamp time.Time // from the "timestamp" field, zero if missing or unreadable
}

// Decision is the canonical irrigation decision extracted from a PredictionDocument.
type Decision struct {
	PredictionID     string
	IrrigationNeeded bool
	Rate             float64 // L/m^2, only meaningful when HasRate
	HasRate          bool
	FlagSource       DecisionSource
	RateSource       DecisionSource
	Timestamp        time.Time
	Reason           string // why the decision is not actionable
}

// Actionable reports whether the decision should turn into a control command.
func (d Decision) Actionable() bool {
	return d.IrrigationNeeded && d.HasRate
}

// Normalize resolves flag and rate by precedence: the primary shape wins over the legacy one,
// value by value. A document with neither a flag nor a rate anywhere is malformed.
func (p PredictionDocument) Normalize() (Decision, error) {
	d := Decision{Timestamp: p.Timestamp}
	if !p.ID.IsZero() {
		d.PredictionID = p.ID.Hex()
		if d.Timestamp.IsZero() {
			d.Timestamp = p.ID.Timestamp()
		}
	}

	flag, flagSrc := p.first(func(c *Candidate) any { return c.IrrigationNeeded })
	rate, rateSrc := p.first(func(c *Candidate) any { return c.Rate })
	if flag == nil && rate == nil {
		return d, bridgeerr.NewMalformedPayloadError("prediction carries neither irrigation_needed nor a rate", nil)
	}
	d.FlagSource, d.RateSource = flagSrc, rateSrc

	switch {
	case flag == nil:
		d.Reason = "irrigation_needed missing"
	default:
		needed, ok := truthy(flag)
		if !ok {
			d.Reason = fmt.Sprintf("irrigation_needed has unsupported value %v", flag)
		} else if !needed {
			d.Reason = "irrigation not needed"
		}
		d.IrrigationNeeded = needed
	}

	if rate == nil {
		if d.Reason == "" {
			d.Reason = "rate missing"
		}
		return d, nil
	}
	if f, ok := toFloat(rate); ok {
		d.Rate, d.HasRate = f, true
	} else if d.Reason == "" {
		d.Reason = fmt.Sprintf("rate has non-numeric value %v", rate)
	}
	return d, nil
}

func (p PredictionDocument) first(get func(*Candidate) any) (any, DecisionSource) {
	if p.Primary != nil {
		if v := get(p.Primary); v != nil {
			return v, SourcePrimary
		}
	}
	if p.Legacy != nil {
		if v := get(p.Legacy); v != nil {
			return v, SourceLegacy
		}
	}
	return nil, SourceNone
}

// ParsePredictionDocument reads the two known shapes out of a raw ai_prediction document.
// Unknown fields are ignored; a field of the wrong BSON kind counts as absent shape.
func ParsePredictionDocument(raw bson.Raw) (PredictionDocument, error) {
	if err := raw.Validate(); err != nil {
		return PredictionDocument{}, bridgeerr.NewMalformedPayloadError("invalid prediction document", err)
	}

	var doc PredictionDocument
	if v, err := raw.LookupErr("_id"); err == nil && v.Type == bson.TypeObjectID {
		doc.ID = v.ObjectID()
	}
	doc.Primary = candidateFrom(raw, string(SourcePrimary), "irrigation_needed", "amount_liters_per_m2")
	doc.Legacy = candidateFrom(raw, string(SourceLegacy), "irrigation_needed", "recommended_amount_liters")
	if v, err := raw.LookupErr("timestamp"); err == nil {
		doc.Timestamp = timeFromRaw(v)
	}
	return doc, nil
}

func candidateFrom(raw bson.Raw, key, flagKey, rateKey string) *Candidate {
	v, err := raw.LookupErr(key)
	if err != nil || v.Type != bson.TypeEmbeddedDocument {
		return nil
	}
	sub := v.Document()
	c := &Candidate{}
	if fv, err := sub.LookupErr(flagKey); err == nil {
		c.IrrigationNeeded = valueFromRaw(fv)
	}
	if rv, err := sub.LookupErr(rateKey); err == nil {
		c.Rate = valueFromRaw(rv)
	}
	return c
}

func valueFromRaw(v bson.RawValue) any {
	switch v.Type {
	case bson.TypeNull, bson.TypeUndefined:
		return nil
	case bson.TypeBoolean:
		return v.Boolean()
	case bson.TypeDouble:
		return v.Double()
	case bson.TypeInt32:
		return v.Int32()
	case bson.TypeInt64:
		return v.Int64()
	case bson.TypeString:
		return v.StringValue()
	default:
		return v.String()
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999", // python datetime.isoformat() without offset
	"2006-01-02 15:04:05.999999999",
}

func timeFromRaw(v bson.RawValue) time.Time {
	switch v.Type {
	case bson.TypeDateTime:
		return time.UnixMilli(v.DateTime()).UTC()
	case bson.TypeTimestamp:
		sec, _ := v.Timestamp()
		return time.Unix(int64(sec), 0).UTC()
	case bson.TypeString:
		s := strings.TrimSpace(v.StringValue())
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC()
			}
		}
	case bson.TypeDouble, bson.TypeInt32, bson.TypeInt64:
		if f, ok := toFloat(valueFromRaw(v)); ok && f > 0 {
			return epochToTime(f)
		}
	}
	return time.Time{}
}

// epochToTime accepts seconds or milliseconds since the epoch.
func epochToTime(f float64) time.Time {
	if f > 1e12 {
		return time.UnixMilli(int64(f)).UTC()
	}
	return time.Unix(int64(f), 0).UTC()
}

func truthy(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case float64:
		return t != 0, true
	case int32:
		return t != 0, true
	case int64:
		return t != 0, true
	case int:
		return t != 0, true
	}
	return false, false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	}
	return 0, false
}
