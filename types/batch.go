package types

import (
	"errors"
	"fmt"
)

var ErrBatchEncoding = errors.New("types: bad batch record encoding")

// BatchRecord is what a consolidated batch leaves behind.
type BatchRecord struct {
	Number    uint64
	StateRoot []byte
	ExitRoot  []byte
}

// Bytes 编码为 [stateRoot | exitRoot]
func (b *BatchRecord) Bytes() []byte {
	out := make([]byte, 0, len(b.StateRoot)+len(b.ExitRoot))
	out = append(out, b.StateRoot...)
	return append(out, b.ExitRoot...)
}

func BatchRecordFromBytes(n uint64, data []byte) (*BatchRecord, error) {
	if len(data) != 64 {
		return nil, fmt.Errorf("%w: length %d", ErrBatchEncoding, len(data))
	}
	return &BatchRecord{
		Number:    n,
		StateRoot: append([]byte(nil), data[:32]...),
		ExitRoot:  append([]byte(nil), data[32:]...),
	}, nil
}
