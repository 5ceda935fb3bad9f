package router

import (
	"encoding/json"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
	"gorm.io/datatypes"
)

// ResultSet is the outcome of one statement.
type ResultSet struct {
	Rows         []map[string]any
	RowsAffected int64
	Pool         string
	QueryID      string
	Duration     time.Duration
}

// Decode maps Rows onto dest, a pointer to a struct slice, using json tags.
func (rs *ResultSet) Decode(dest any) error {
	return decode(rs.Rows, dest)
}

// DecodeFirst maps the first row onto dest. It reports false when there are no rows.
func (rs *ResultSet) DecodeFirst(dest any) (bool, error) {
	if rs == nil || len(rs.Rows) == 0 {
		return false, nil
	}
	return true, decode(rs.Rows[0], dest)
}

func decode(input, dest any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           dest,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			jsonColumnHook,
			timeHook,
		),
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

var (
	timeType    = reflect.TypeOf(time.Time{})
	jsonType    = reflect.TypeOf(datatypes.JSON{})
	timeLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05.999999999", "2006-01-02"}
)

// Drivers hand back timestamps either as time.Time or as text depending on the column affinity.
func timeHook(from, to reflect.Type, data any) (any, error) {
	if to != timeType {
		return data, nil
	}
	switch v := data.(type) {
	case time.Time:
		return v, nil
	case string:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t, nil
			}
		}
	case []byte:
		return timeHook(from, to, string(v))
	}
	return data, nil
}

func jsonColumnHook(from, to reflect.Type, data any) (any, error) {
	if to != jsonType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return datatypes.JSON(v), nil
	case []byte:
		return datatypes.JSON(append([]byte(nil), v...)), nil
	case nil:
		return datatypes.JSON(nil), nil
	default:
		// Some drivers decode json columns into maps or slices.
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return datatypes.JSON(raw), nil
	}
}
