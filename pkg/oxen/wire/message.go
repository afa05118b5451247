package wire

import (
	"github.com/jabolina/oxen/internal/oxenerr"
	"github.com/jabolina/oxen/pkg/oxen/codec"
)

// MD is a message-data body. ID is nil when no ack is requested
// (fire-and-forget; not tracked). Data is an encoded Value — usually a
// MsgData sub-body, but for plain (unordered) datagrams it is a bare
// octet string payload.
type MD struct {
	To   SID
	From SID
	ID   *uint64
	Data codec.Value
}

func (m MD) toValue() codec.Value {
	d := map[string]codec.Value{
		"to": codec.StrS(string(m.To)),
		"fr": codec.StrS(string(m.From)),
		"d":  m.Data,
	}
	if m.ID != nil {
		d["id"] = codec.Int(int64(*m.ID))
	}
	return codec.Dict(d)
}

func mdFromValue(v codec.Value) (MD, error) {
	to, ok := v.Field("to")
	if !ok || to.Kind != codec.KindBytes {
		return MD{}, oxenerr.New(oxenerr.Decode, "md: missing or malformed 'to'", nil)
	}
	fr, ok := v.Field("fr")
	if !ok || fr.Kind != codec.KindBytes {
		return MD{}, oxenerr.New(oxenerr.Decode, "md: missing or malformed 'fr'", nil)
	}
	data, ok := v.Field("d")
	if !ok {
		return MD{}, oxenerr.New(oxenerr.Decode, "md: missing 'd'", nil)
	}
	md := MD{
		To:   SID(to.Bytes),
		From: SID(fr.Bytes),
		Data: data,
	}
	if idv, ok := v.Field("id"); ok {
		if idv.Kind != codec.KindInt || idv.Int < 0 {
			return MD{}, oxenerr.New(oxenerr.Decode, "md: malformed 'id'", nil)
		}
		id := uint64(idv.Int)
		md.ID = &id
	}
	return md, nil
}

// MA is an ack body. Forwardable like MD.
type MA struct {
	To   SID // the SID whose message is being acknowledged
	From SID // the acknowledger
	ID   uint64
}

func (m MA) toValue() codec.Value {
	return codec.Dict(map[string]codec.Value{
		"to": codec.StrS(string(m.To)),
		"fr": codec.StrS(string(m.From)),
		"id": codec.Int(int64(m.ID)),
	})
}

func maFromValue(v codec.Value) (MA, error) {
	to, ok := v.Field("to")
	if !ok || to.Kind != codec.KindBytes {
		return MA{}, oxenerr.New(oxenerr.Decode, "ma: missing or malformed 'to'", nil)
	}
	fr, ok := v.Field("fr")
	if !ok || fr.Kind != codec.KindBytes {
		return MA{}, oxenerr.New(oxenerr.Decode, "ma: missing or malformed 'fr'", nil)
	}
	id, ok := v.Field("id")
	if !ok || id.Kind != codec.KindInt || id.Int < 0 {
		return MA{}, oxenerr.New(oxenerr.Decode, "ma: missing or malformed 'id'", nil)
	}
	return MA{To: SID(to.Bytes), From: SID(fr.Bytes), ID: uint64(id.Int)}, nil
}

// MsgDataKind discriminates the four message-data sub-bodies.
type MsgDataKind int

const (
	MsgSynchronize MsgDataKind = iota
	MsgFinalize
	MsgBroadcast
	MsgOneToOne
)

func (k MsgDataKind) marker() string {
	switch k {
	case MsgSynchronize:
		return "s"
	case MsgFinalize:
		return "f"
	case MsgBroadcast:
		return "b"
	case MsgOneToOne:
		return "1"
	default:
		return "?"
	}
}

// MsgData is the typed view of an MD body's `d` field when it carries
// stream-lifecycle or sequenced payload information.
//
//   - Synchronize {m:"s", b, 1}: BroadcastInit, OneOneInit.
//   - Finalize    {m:"f", b, 1}: BroadcastInit, OneOneInit.
//   - Broadcast   {m:"b", s, d}: Seq, Payload.
//   - One-to-one  {m:"1", s, d}: Seq, Payload.
type MsgData struct {
	Kind          MsgDataKind
	BroadcastInit uint64
	OneOneInit    uint64
	Seq           uint64
	Payload       []byte
}

// ToValue encodes m as the `d` field of an MD body.
func (m MsgData) ToValue() codec.Value {
	d := map[string]codec.Value{"m": codec.StrS(m.Kind.marker())}
	switch m.Kind {
	case MsgSynchronize, MsgFinalize:
		d["b"] = codec.Int(int64(m.BroadcastInit))
		d["1"] = codec.Int(int64(m.OneOneInit))
	case MsgBroadcast, MsgOneToOne:
		d["s"] = codec.Int(int64(m.Seq))
		d["d"] = codec.Str(m.Payload)
	}
	return codec.Dict(d)
}

// MsgDataFromValue decodes an MD body's `d` field into a MsgData when
// it is a recognized sub-body. ok is false when v is not shaped like
// one (i.e. it is a raw application payload for an unreliable
// datagram, not a sub-body dict).
func MsgDataFromValue(v codec.Value) (MsgData, bool, error) {
	if v.Kind != codec.KindDict {
		return MsgData{}, false, nil
	}
	marker, ok := v.Field("m")
	if !ok || marker.Kind != codec.KindBytes {
		return MsgData{}, false, nil
	}
	var kind MsgDataKind
	switch string(marker.Bytes) {
	case "s":
		kind = MsgSynchronize
	case "f":
		kind = MsgFinalize
	case "b":
		kind = MsgBroadcast
	case "1":
		kind = MsgOneToOne
	default:
		return MsgData{}, false, nil
	}

	switch kind {
	case MsgSynchronize, MsgFinalize:
		b, ok1 := v.Field("b")
		one, ok2 := v.Field("1")
		if !ok1 || !ok2 || b.Kind != codec.KindInt || one.Kind != codec.KindInt || b.Int < 0 || one.Int < 0 {
			return MsgData{}, true, oxenerr.New(oxenerr.Decode, "msgdata: malformed synchronize/finalize", nil)
		}
		return MsgData{Kind: kind, BroadcastInit: uint64(b.Int), OneOneInit: uint64(one.Int)}, true, nil
	case MsgBroadcast, MsgOneToOne:
		s, ok1 := v.Field("s")
		d, ok2 := v.Field("d")
		if !ok1 || !ok2 || s.Kind != codec.KindInt || s.Int < 0 || d.Kind != codec.KindBytes {
			return MsgData{}, true, oxenerr.New(oxenerr.Decode, "msgdata: malformed broadcast/one-to-one", nil)
		}
		return MsgData{Kind: kind, Seq: uint64(s.Int), Payload: d.Bytes}, true, nil
	}
	return MsgData{}, false, nil
}
