package decoder

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cast"

	"im-sync/internal/imtypes"
	"im-sync/internal/models"
)

// Timestamp normalizes the timestamp shapes a document may carry:
//
//	nil, "", "SERVER_TIMESTAMP", {".sv": ...}   pending server time
//	time.Time, models.Timestamp                 as is
//	RFC3339 and other textual instants          parsed
//	numbers                                     epoch milliseconds
//	{seconds, nanoseconds}                      vendor timestamp map
func Timestamp(v any) (models.Timestamp, error) {
	switch t := v.(type) {
	case nil:
		return models.PendingTimestamp(), nil
	case models.Timestamp:
		return t, nil
	case *models.Timestamp:
		if t == nil {
			return models.PendingTimestamp(), nil
		}
		return *t, nil
	case time.Time:
		return models.At(t), nil
	case *time.Time:
		if t == nil {
			return models.PendingTimestamp(), nil
		}
		return models.At(*t), nil
	case string:
		if t == "" || t == imtypes.ServerTimestamp {
			return models.PendingTimestamp(), nil
		}
		tm, err := cast.ToTimeE(t)
		if err != nil {
			return models.Timestamp{}, err
		}
		return models.At(tm), nil
	case map[string]any:
		return mapTimestamp(t)
	case json.Number, float64, float32, int, int32, int64, uint, uint32, uint64:
		ms, err := cast.ToInt64E(t)
		if err != nil {
			return models.Timestamp{}, err
		}
		return models.At(time.UnixMilli(ms)), nil
	}
	return models.Timestamp{}, fmt.Errorf("unsupported timestamp %T", v)
}

func mapTimestamp(m map[string]any) (models.Timestamp, error) {
	if _, ok := m[".sv"]; ok {
		return models.PendingTimestamp(), nil
	}
	secs, ok := first(m, "seconds", "_seconds")
	if !ok {
		return models.Timestamp{}, fmt.Errorf("timestamp map without seconds")
	}
	s, err := cast.ToInt64E(secs)
	if err != nil {
		return models.Timestamp{}, err
	}
	var ns int64
	if nanos, ok := first(m, "nanoseconds", "_nanoseconds"); ok {
		if ns, err = cast.ToInt64E(nanos); err != nil {
			return models.Timestamp{}, err
		}
	}
	return models.At(time.Unix(s, ns)), nil
}

func first(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return nil, false
}
