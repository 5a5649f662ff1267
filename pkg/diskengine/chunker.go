package diskengine

import (
	"github.com/olimpiadi-informatica/pixie/pkg/constants"
)

// byteRange is a half-open [Start, End) region to be chunked.
type byteRange struct {
	Start uint64
	End   uint64
}

// candidateChunks splits a partition into constants.ChunkSize-byte
// candidate regions, aligned to the partition start, the same linear
// split loop the original chunker used for whole files (only the last
// region of a contiguous run may be shorter). Raw partitions chunk their
// entire extent; filesystem-aware partitions chunk only their allocated
// regions.
func candidateChunks(p Partition, allocated []byteRange) []byteRange {
	var regions []byteRange
	switch p.Kind {
	case KindRaw:
		regions = []byteRange{{Start: p.StartByte, End: p.EndByte}}
	default:
		regions = allocated
	}

	var out []byteRange
	for _, region := range regions {
		for off := region.Start; off < region.End; off += constants.ChunkSize {
			end := off + constants.ChunkSize
			if end > region.End {
				end = region.End
			}
			out = append(out, byteRange{Start: off, End: end})
		}
	}
	return out
}
