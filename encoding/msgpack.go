// Package encoding is the single msgpack codec for recorded writes, table
// metadata and sweep-queue buckets.
//
// Row and column keys are arbitrary bytes and are always encoded as msgpack
// bin, table names and strategies as str. Typed targets round-trip each
// unchanged. Decoding into interface{} (admin and debugging paths) is loose
// and yields strings, so binary keys only survive through typed targets.
package encoding

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes v with compact integers. Sequence numbers and timestamp
// buckets are usually small, so this keeps log entries and bucket keys short.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)

	enc.Reset(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.GetDecoder()
	defer msgpack.PutDecoder(dec)

	dec.Reset(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(v)
}
