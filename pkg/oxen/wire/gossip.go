package wire

import (
	"github.com/jabolina/oxen/internal/oxenerr"
	"github.com/jabolina/oxen/pkg/oxen/codec"
)

// LC is the last-contact gossip body: a fragment of the last-contact
// matrix, keyed observer -> observed -> timestamp. Cells the sender
// has no information about are omitted rather than sent as sentinels.
type LC struct {
	Rows map[SID]map[SID]int64
}

func (g LC) toValue() codec.Value {
	rows := make(map[string]codec.Value, len(g.Rows))
	for observer, cols := range g.Rows {
		cells := make(map[string]codec.Value, len(cols))
		for observed, ts := range cols {
			cells[string(observed)] = codec.Timestamp(ts)
		}
		rows[string(observer)] = codec.Dict(cells)
	}
	return codec.Dict(rows)
}

func lcFromValue(v codec.Value) (LC, error) {
	if v.Kind != codec.KindDict {
		return LC{}, oxenerr.New(oxenerr.Decode, "lc: body must be a dict", nil)
	}
	rows := make(map[SID]map[SID]int64, len(v.Dict))
	for observer, colsVal := range v.Dict {
		if colsVal.Kind != codec.KindDict {
			return LC{}, oxenerr.New(oxenerr.Decode, "lc: row must be a dict", nil)
		}
		cells := make(map[SID]int64, len(colsVal.Dict))
		for observed, tsVal := range colsVal.Dict {
			if tsVal.Kind != codec.KindTimestamp {
				return LC{}, oxenerr.New(oxenerr.Decode, "lc: cell must be a timestamp", nil)
			}
			cells[SID(observed)] = tsVal.Int
		}
		rows[SID(observer)] = cells
	}
	return LC{Rows: rows}, nil
}
