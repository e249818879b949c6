// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package uplink

import (
	"github.com/klauspost/compress/zstd"

	"grimm.is/ltsagent/internal/codec"
	"grimm.is/ltsagent/internal/errors"
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("uplink: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxFrameSize))
	if err != nil {
		panic("uplink: zstd decoder initialization failed: " + err.Error())
	}
}

// encodeSubmission compresses and seals a queued payload and returns the
// CBOR frame body.
func encodeSubmission(keys *Keys, payload []byte) ([]byte, error) {
	sub, err := keys.Seal(zstdEncoder.EncodeAll(payload, nil))
	if err != nil {
		return nil, err
	}
	body, err := codec.Marshal(sub)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "encode submission")
	}
	return body, nil
}

// decodeSubmission reverses encodeSubmission on the collector side.
func decodeSubmission(server KeyPair, client PublicKey, body []byte) ([]byte, error) {
	var sub Submission
	if err := codec.Unmarshal(body, &sub); err != nil {
		return nil, errors.Wrap(err, errors.KindProtocol, "decode submission")
	}
	compressed, err := server.Open(sub, client)
	if err != nil {
		return nil, err
	}
	payload, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindProtocol, "decompress submission")
	}
	return payload, nil
}
