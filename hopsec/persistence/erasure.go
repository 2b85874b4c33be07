package persistence

import (
	"errors"

	"github.com/klauspost/reedsolomon"
)

var (
	ErrTooManyLost   = errors.New("persistence: too many shards lost")
	ErrInvalidShards = errors.New("persistence: invalid data/parity configuration")
)

// codec splits a document into Reed-Solomon shards and puts it back together.
type codec struct {
	enc          reedsolomon.Encoder
	dataShards   int
	parityShards int
}

func newCodec(dataShards, parityShards int) (*codec, error) {
	if dataShards <= 0 || parityShards <= 0 {
		return nil, ErrInvalidShards
	}
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	return &codec{enc: enc, dataShards: dataShards, parityShards: parityShards}, nil
}

func (c *codec) total() int { return c.dataShards + c.parityShards }

// encode returns data and parity shards. data must not be empty.
func (c *codec) encode(data []byte) ([][]byte, error) {
	shards, err := c.enc.Split(data)
	if err != nil {
		return nil, err
	}
	if err := c.enc.Encode(shards); err != nil {
		return nil, err
	}
	return shards, nil
}

// decode rebuilds nil shards and joins the first size bytes of data.
func (c *codec) decode(shards [][]byte, size int) ([]byte, error) {
	if err := c.enc.ReconstructData(shards); err != nil {
		if errors.Is(err, reedsolomon.ErrTooFewShards) {
			return nil, ErrTooManyLost
		}
		return nil, err
	}
	data := make([]byte, 0, size)
	for i := 0; i < c.dataShards && len(data) < size; i++ {
		remaining := size - len(data)
		if remaining >= len(shards[i]) {
			data = append(data, shards[i]...)
		} else {
			data = append(data, shards[i][:remaining]...)
		}
	}
	if len(data) != size {
		return nil, ErrTooManyLost
	}
	return data, nil
}
