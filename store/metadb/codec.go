package metadb

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

const (
	// CompressionThreshold is the minimum payload size before compression is considered.
	// zstd overhead is not worth it for smaller payloads.
	CompressionThreshold = 2048

	// MaxPayloadSize caps a decoded payload, matching the narinfo size limit.
	MaxPayloadSize = 1 << 20

	currentRecordVersion = 1
)

var (
	// ErrPayloadTooLarge is returned when payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	// ErrCorrupted is returned when a stored record cannot be decoded or
	// fails its digest check.
	ErrCorrupted = errors.New("corrupted record")
)

type encoding uint8

const (
	encodingIdentity encoding = iota
	encodingZstd
)

// record is the stored form of an Entry or CacheInfo.
type record struct {
	Version  int      `cbor:"1,keyasint"`
	Present  bool     `cbor:"2,keyasint"`
	Inserted int64    `cbor:"3,keyasint"`
	Encoding encoding `cbor:"4,keyasint"`
	Payload  []byte   `cbor:"5,keyasint,omitempty"`
	Digest   []byte   `cbor:"6,keyasint,omitempty"`

	StoreDir      string `cbor:"7,keyasint,omitempty"`
	WantMassQuery bool   `cbor:"8,keyasint,omitempty"`
	Priority      int    `cbor:"9,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("metadb: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("metadb: CBOR decoder initialization failed: " + err.Error())
	}
}

// recordCodec encodes records, compressing large payloads with zstd.
// Encoder and decoder are goroutine-safe and can be reused.
type recordCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

func newRecordCodec() (*recordCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPayloadSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &recordCodec{encoder: enc, decoder: dec}, nil
}

func (c *recordCodec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

func (c *recordCodec) encodeEntry(e Entry) ([]byte, error) {
	rec := record{
		Version:  currentRecordVersion,
		Present:  e.Present,
		Inserted: e.Inserted.UnixNano(),
	}
	if e.Present {
		if err := c.setPayload(&rec, []byte(e.NarInfo)); err != nil {
			return nil, err
		}
	}
	return encMode.Marshal(&rec)
}

func (c *recordCodec) decodeEntry(data []byte) (*Entry, error) {
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, err
	}
	e := &Entry{Present: rec.Present, Inserted: time.Unix(0, rec.Inserted)}
	if rec.Present {
		payload, err := c.payload(rec)
		if err != nil {
			return nil, err
		}
		e.NarInfo = string(payload)
	}
	return e, nil
}

func encodeCacheInfo(info CacheInfo) ([]byte, error) {
	return encMode.Marshal(&record{
		Version:       currentRecordVersion,
		Present:       true,
		Inserted:      info.Inserted.UnixNano(),
		StoreDir:      info.StoreDir,
		WantMassQuery: info.WantMassQuery,
		Priority:      info.Priority,
	})
}

func decodeCacheInfo(data []byte) (*CacheInfo, error) {
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, err
	}
	return &CacheInfo{
		StoreDir:      rec.StoreDir,
		WantMassQuery: rec.WantMassQuery,
		Priority:      rec.Priority,
		Inserted:      time.Unix(0, rec.Inserted),
	}, nil
}

func decodeRecord(data []byte) (*record, error) {
	var rec record
	if err := decMode.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}
	if rec.Version != currentRecordVersion {
		return nil, fmt.Errorf("%w: unknown record version %d", ErrCorrupted, rec.Version)
	}
	return &rec, nil
}

func (c *recordCodec) setPayload(rec *record, data []byte) error {
	if len(data) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}

	sum := sha256.Sum256(data)
	rec.Digest = sum[:]
	rec.Encoding = encodingIdentity
	rec.Payload = data

	if len(data) < CompressionThreshold {
		return nil
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()
	if enc == nil {
		return nil
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) < len(data) {
		rec.Encoding = encodingZstd
		rec.Payload = compressed
	}
	return nil
}

func (c *recordCodec) payload(rec *record) ([]byte, error) {
	data := rec.Payload
	switch rec.Encoding {
	case encodingIdentity:
	case encodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("decoder not initialized")
		}
		var err error
		data, err = dec.DecodeAll(rec.Payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: decompressing payload: %w", ErrCorrupted, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported encoding %d", ErrCorrupted, rec.Encoding)
	}

	if len(data) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	sum := sha256.Sum256(data)
	if !bytes.Equal(sum[:], rec.Digest) {
		return nil, fmt.Errorf("%w: payload digest mismatch", ErrCorrupted)
	}
	return data, nil
}
