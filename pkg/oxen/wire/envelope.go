package wire

import (
	"github.com/jabolina/oxen/internal/oxenerr"
	"github.com/jabolina/oxen/pkg/oxen/codec"
)

// knownEnvelopeKeys is the full set of envelope-level keys the schema
// understands. A key outside this set is rejected at decode time
// unless Options.AllowUnknownEnvelopeKeys is set.
var knownEnvelopeKeys = map[string]bool{
	"ka": true, "kk": true, "md": true, "ma": true, "lc": true,
}

// Envelope is the on-wire parcel unit. At most one of MD, MA, LC is
// non-nil; a parcel with only Ka/Kk and no body is valid.
type Envelope struct {
	Ka *uint64
	Kk *uint64
	MD *MD
	MA *MA
	LC *LC
}

// Options controls forward-compatibility at the schema level. The
// zero value is strict, which is the default and what the wire format
// requires unless the embedding layer opts in.
type Options struct {
	AllowUnknownEnvelopeKeys bool
}

// Encode renders e to its canonical wire bytes via the codec.
func Encode(e Envelope) ([]byte, error) {
	bodies := 0
	d := make(map[string]codec.Value, 4)
	if e.Ka != nil {
		d["ka"] = codec.Int(int64(*e.Ka))
	}
	if e.Kk != nil {
		d["kk"] = codec.Int(int64(*e.Kk))
	}
	if e.MD != nil {
		bodies++
		d["md"] = e.MD.toValue()
	}
	if e.MA != nil {
		bodies++
		d["ma"] = e.MA.toValue()
	}
	if e.LC != nil {
		bodies++
		d["lc"] = e.LC.toValue()
	}
	if bodies > 1 {
		return nil, oxenerr.New(oxenerr.Decode, "envelope: more than one body present", nil)
	}
	return codec.Encode(codec.Dict(d)), nil
}

// Decode parses a parcel's wire bytes into an Envelope, applying the
// parcel schema on top of the raw codec decode.
func Decode(data []byte, opts Options) (Envelope, error) {
	v, err := codec.Decode(data)
	if err != nil {
		return Envelope{}, err
	}
	if v.Kind != codec.KindDict {
		return Envelope{}, oxenerr.New(oxenerr.Decode, "envelope: top-level value must be a dict", nil)
	}

	if !opts.AllowUnknownEnvelopeKeys {
		for k := range v.Dict {
			if !knownEnvelopeKeys[k] {
				return Envelope{}, oxenerr.New(oxenerr.Decode, "envelope: unknown key '"+k+"'", nil)
			}
		}
	}

	var e Envelope
	if kaVal, ok := v.Field("ka"); ok {
		ka, err := asNonNegativeInt(kaVal)
		if err != nil {
			return Envelope{}, err
		}
		e.Ka = &ka
	}
	if kkVal, ok := v.Field("kk"); ok {
		kk, err := asNonNegativeInt(kkVal)
		if err != nil {
			return Envelope{}, err
		}
		e.Kk = &kk
	}

	bodies := 0
	if mdVal, ok := v.Field("md"); ok {
		bodies++
		md, err := mdFromValue(mdVal)
		if err != nil {
			return Envelope{}, err
		}
		e.MD = &md
	}
	if maVal, ok := v.Field("ma"); ok {
		bodies++
		ma, err := maFromValue(maVal)
		if err != nil {
			return Envelope{}, err
		}
		e.MA = &ma
	}
	if lcVal, ok := v.Field("lc"); ok {
		bodies++
		lc, err := lcFromValue(lcVal)
		if err != nil {
			return Envelope{}, err
		}
		e.LC = &lc
	}
	if bodies > 1 {
		return Envelope{}, oxenerr.New(oxenerr.Decode, "envelope: more than one body key present", nil)
	}

	return e, nil
}

func asNonNegativeInt(v codec.Value) (uint64, error) {
	if v.Kind != codec.KindInt || v.Int < 0 {
		return 0, oxenerr.New(oxenerr.Decode, "envelope: malformed keepalive id", nil)
	}
	return uint64(v.Int), nil
}
