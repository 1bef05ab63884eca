package sqlite

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/hupe1980/agentpipe/core"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2) so equal records
// always produce identical bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("sqlite: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("sqlite: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeRecord(rec *core.SessionRecord) ([]byte, error) {
	return encMode.Marshal(rec)
}

func decodeRecord(data []byte) (*core.SessionRecord, error) {
	var rec core.SessionRecord
	if err := decMode.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if rec.History == nil {
		rec.History = []core.Turn{}
	}
	return &rec, nil
}
