package signer

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// OrderWire is a single order within an "order" action, in the exact wire
// shape the exchange expects: a=asset, b=isBuy, p=price, s=size,
// r=reduceOnly, t=order type, c=optional client order id.
type OrderWire struct {
	Asset      int
	IsBuy      bool
	Price      string
	Size       string
	ReduceOnly bool
	Tif        string // "Ioc" | "Gtc" | "Alo"
	Cloid      string // empty means omit entirely, never encode as nil
}

// EncodeMsgpack writes the map-with-named-keys encoding the action-hash
// requires. Absent optional fields (here: cloid) are omitted entirely
// rather than encoded as msgpack nil — encoding them as nil would change
// the hash relative to the reference SDK.
func (o OrderWire) EncodeMsgpack(enc *msgpack.Encoder) error {
	fieldCount := 6
	if o.Cloid != "" {
		fieldCount++
	}
	if err := enc.EncodeMapLen(fieldCount); err != nil {
		return err
	}
	pairs := []struct {
		key string
		val interface{}
	}{
		{"a", int64(o.Asset)},
		{"b", o.IsBuy},
		{"p", o.Price},
		{"s", o.Size},
		{"r", o.ReduceOnly},
		{"t", tifWire{Limit: limitWire{Tif: o.Tif}}},
	}
	for _, p := range pairs {
		if err := enc.EncodeString(p.key); err != nil {
			return err
		}
		if err := enc.Encode(p.val); err != nil {
			return err
		}
	}
	if o.Cloid != "" {
		if err := enc.EncodeString("c"); err != nil {
			return err
		}
		if err := enc.EncodeString(o.Cloid); err != nil {
			return err
		}
	}
	return nil
}

type limitWire struct {
	Tif string
}

func (l limitWire) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(1); err != nil {
		return err
	}
	return encodeKV(enc, "tif", l.Tif)
}

type tifWire struct {
	Limit limitWire
}

func (t tifWire) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(1); err != nil {
		return err
	}
	if err := enc.EncodeString("limit"); err != nil {
		return err
	}
	return enc.Encode(t.Limit)
}

// CancelWire is a single cancel within a "cancel" action: a=asset, o=oid.
type CancelWire struct {
	Asset int
	OID   int64
}

func (c CancelWire) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(2); err != nil {
		return err
	}
	if err := enc.EncodeString("a"); err != nil {
		return err
	}
	if err := enc.EncodeInt64(int64(c.Asset)); err != nil {
		return err
	}
	if err := enc.EncodeString("o"); err != nil {
		return err
	}
	return enc.EncodeInt64(c.OID)
}

// OrderAction is a batch of orders submitted together. grouping is always
// "na" per the exchange's L1-action grammar; orders and cancels never
// coexist in one action.
type OrderAction struct {
	Orders []OrderWire
}

func (a OrderAction) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(3); err != nil {
		return err
	}
	if err := encodeKV(enc, "type", "order"); err != nil {
		return err
	}
	if err := enc.EncodeString("orders"); err != nil {
		return err
	}
	if err := enc.EncodeArrayLen(len(a.Orders)); err != nil {
		return err
	}
	for _, o := range a.Orders {
		if err := enc.Encode(o); err != nil {
			return err
		}
	}
	return encodeKV(enc, "grouping", "na")
}

// CancelAction is a batch of cancels submitted together.
type CancelAction struct {
	Cancels []CancelWire
}

func (a CancelAction) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(2); err != nil {
		return err
	}
	if err := encodeKV(enc, "type", "cancel"); err != nil {
		return err
	}
	if err := enc.EncodeString("cancels"); err != nil {
		return err
	}
	if err := enc.EncodeArrayLen(len(a.Cancels)); err != nil {
		return err
	}
	for _, c := range a.Cancels {
		if err := enc.Encode(c); err != nil {
			return err
		}
	}
	return nil
}

func encodeKV(enc *msgpack.Encoder, key, val string) error {
	if err := enc.EncodeString(key); err != nil {
		return err
	}
	return enc.EncodeString(val)
}

// Action is the tagged-sum of what the executor can submit in one batch:
// orders XOR cancels, never both, matching the exchange's L1-action grammar.
type Action interface {
	msgpack.CustomEncoder
	isAction()
}

func (OrderAction) isAction()  {}
func (CancelAction) isAction() {}

// MarshalAction msgpack-encodes an action using the map-with-named-keys
// encoding required by stage 1 of the signing protocol. Integers are
// encoded compactly (fixint/uint8/uint16/... rather than always
// int64), matching the reference SDK's encoder; a full-width encoding
// would change the packed bytes and diverge the action hash.
func MarshalAction(a Action) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(a); err != nil {
		return nil, fmt.Errorf("marshal action: %w", err)
	}
	return buf.Bytes(), nil
}
