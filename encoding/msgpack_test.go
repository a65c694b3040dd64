package encoding

import (
	"bytes"
	"sync"
	"testing"
)

type sample struct {
	Table string `msgpack:"t"`
	Row   []byte `msgpack:"r"`
	TS    uint64 `msgpack:"ts"`
}

func TestUnmarshal_StringNotBytes(t *testing.T) {
	data, err := Marshal(map[string]interface{}{"policy": "exempt"})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded interface{}
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	m, ok := decoded.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map, got %T", decoded)
	}
	if _, ok := m["policy"].(string); !ok {
		t.Errorf("expected string value, got %T", m["policy"])
	}
}

func TestUnmarshal_Struct(t *testing.T) {
	in := sample{Table: "app.users", Row: []byte{0, 1, 2}, TS: 42}
	data, err := Marshal(&in)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var out sample
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if out.Table != in.Table || out.TS != in.TS || !bytes.Equal(out.Row, in.Row) {
		t.Errorf("expected %+v, got %+v", in, out)
	}
}

func TestFrame_CodecPrefix(t *testing.T) {
	payload := bytes.Repeat([]byte("sweep-bucket"), 64)

	plain, err := Frame(CodecNone, payload)
	if err != nil {
		t.Fatalf("Frame(none) failed: %v", err)
	}
	if plain[0] != byte(CodecNone) || !bytes.Equal(plain[1:], payload) {
		t.Error("uncompressed frame should be codec byte + payload")
	}

	compressed, err := Frame(CodecZstd, payload)
	if err != nil {
		t.Fatalf("Frame(zstd) failed: %v", err)
	}
	if compressed[0] != byte(CodecZstd) {
		t.Errorf("expected zstd codec byte, got %d", compressed[0])
	}
	if len(compressed) >= len(plain) {
		t.Errorf("expected repetitive payload to shrink: %d >= %d", len(compressed), len(plain))
	}

	for _, frame := range [][]byte{plain, compressed} {
		out, err := Unframe(frame)
		if err != nil {
			t.Fatalf("Unframe failed: %v", err)
		}
		if !bytes.Equal(out, payload) {
			t.Error("Unframe did not restore payload")
		}
	}
}

func TestUnframe_Errors(t *testing.T) {
	if _, err := Unframe(nil); err != ErrEmptyFrame {
		t.Errorf("expected ErrEmptyFrame, got %v", err)
	}
	if _, err := Unframe([]byte{9, 1, 2}); err == nil {
		t.Error("expected error for unknown codec")
	}
	if _, err := Unframe([]byte{byte(CodecZstd), 1, 2, 3}); err == nil {
		t.Error("expected error for corrupt zstd frame")
	}
}

func TestParseCodec(t *testing.T) {
	for name, want := range map[string]Codec{"": CodecNone, "none": CodecNone, "zstd": CodecZstd} {
		got, err := ParseCodec(name)
		if err != nil || got != want {
			t.Errorf("ParseCodec(%q) = %d, %v", name, got, err)
		}
	}
	if _, err := ParseCodec("snappy"); err == nil {
		t.Error("expected error for unsupported codec")
	}
}

func TestMarshalFramed_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				in := sample{Table: "t", Row: []byte{byte(id), byte(j)}, TS: uint64(id*1000 + j)}
				data, err := MarshalFramed(CodecZstd, &in)
				if err != nil {
					t.Errorf("MarshalFramed failed: %v", err)
					return
				}
				var out sample
				if err := UnmarshalFramed(data, &out); err != nil {
					t.Errorf("UnmarshalFramed failed: %v", err)
					return
				}
				if out.TS != in.TS {
					t.Errorf("expected ts %d, got %d", in.TS, out.TS)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestMarshal_BinaryKeysAndCompactInts(t *testing.T) {
	in := sample{Table: "app.users", Row: []byte{0xff, 0x00, 0xfe}, TS: 7}
	data, err := Marshal(&in)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var out sample
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !bytes.Equal(out.Row, in.Row) {
		t.Errorf("binary row changed: %x", out.Row)
	}

	small, err := Marshal(uint64(7))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if len(small) != 1 {
		t.Errorf("expected small uint64 to encode in 1 byte, got %d", len(small))
	}
}
