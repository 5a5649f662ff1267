package tcptransport

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v4"

	"github.com/olimpiadi-informatica/pixie/pkg/perrors"
)

func decompressLZ4(compressed []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(compressed))
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, perrors.NewIOError("decompress chunk", err)
	}
	return data, nil
}
