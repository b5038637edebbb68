package signer

import "encoding/json"

// wire.go defines the JSON encoding the exchange expects over the WS
// post protocol. This is a different encoding from action.go's
// msgpack, which exists only to compute the action hash: the exchange
// re-derives that hash from the JSON below, so this shape must match
// the msgpack shape field-for-field (same short keys, same nesting) or
// every signature it verifies would fail.

type orderWireJSON struct {
	Asset      int         `json:"a"`
	IsBuy      bool        `json:"b"`
	Price      string      `json:"p"`
	Size       string      `json:"s"`
	ReduceOnly bool        `json:"r"`
	Tif        tifWireJSON `json:"t"`
	Cloid      string      `json:"c,omitempty"`
}

type tifWireJSON struct {
	Limit limitWireJSON `json:"limit"`
}

type limitWireJSON struct {
	Tif string `json:"tif"`
}

// MarshalJSON emits the order in the exchange's short-key shape. Cloid
// is omitted entirely when empty, matching EncodeMsgpack's treatment.
func (o OrderWire) MarshalJSON() ([]byte, error) {
	return json.Marshal(orderWireJSON{
		Asset:      o.Asset,
		IsBuy:      o.IsBuy,
		Price:      o.Price,
		Size:       o.Size,
		ReduceOnly: o.ReduceOnly,
		Tif:        tifWireJSON{Limit: limitWireJSON{Tif: o.Tif}},
		Cloid:      o.Cloid,
	})
}

type cancelWireJSON struct {
	Asset int   `json:"a"`
	OID   int64 `json:"o"`
}

// MarshalJSON emits the cancel as the {a,o} tuple the exchange expects.
func (c CancelWire) MarshalJSON() ([]byte, error) {
	return json.Marshal(cancelWireJSON{Asset: c.Asset, OID: c.OID})
}

type orderActionJSON struct {
	Type     string      `json:"type"`
	Orders   []OrderWire `json:"orders"`
	Grouping string      `json:"grouping"`
}

// MarshalJSON emits the order action with its type tag and grouping,
// the same two keys the msgpack hash encoding in action.go carries.
func (a OrderAction) MarshalJSON() ([]byte, error) {
	return json.Marshal(orderActionJSON{Type: "order", Orders: a.Orders, Grouping: "na"})
}

type cancelActionJSON struct {
	Type    string       `json:"type"`
	Cancels []CancelWire `json:"cancels"`
}

// MarshalJSON emits the cancel action with its type tag.
func (a CancelAction) MarshalJSON() ([]byte, error) {
	return json.Marshal(cancelActionJSON{Type: "cancel", Cancels: a.Cancels})
}
