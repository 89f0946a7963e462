package storage

// Extent is a byte range [Start, Start+Length) within the flat, concatenated
// offset space of a FileList (spec.md §4.C "files are laid out end to end").
type Extent struct {
	Start, Length int64
}

// fileExtents returns, for a FileList whose member lengths are known, the
// Extent each file occupies in the flattened offset space. This is the Go
// counterpart of the teacher's BitTorrent-v2-aware file-segment math
// (upstream `segments` package), adapted here to work directly off
// storage.FileList lengths instead of parsed .torrent metainfo, since
// torrent-metadata parsing is out of this module's scope.
func fileExtents(lengths []int64) []Extent {
	ret := make([]Extent, len(lengths))
	var offset int64
	for i, l := range lengths {
		ret[i] = Extent{offset, l}
		offset += l
	}
	return ret
}

// segmentsForRange walks fileExtents and invokes fn once per (fileIndex,
// offsetWithinFile, length) triple that intersects [start, start+length),
// stopping early if fn returns false. This is the primitive chunk-part
// construction (spec.md §4.C create_chunk) is built on: a piece's byte range
// is almost always split across a file boundary for multi-file torrents.
func segmentsForRange(extents []Extent, start, length int64, fn func(fileIndex int, fileOff, segLen int64) bool) {
	end := start + length
	for i, ext := range extents {
		extEnd := ext.Start + ext.Length
		if extEnd <= start {
			continue
		}
		if ext.Start >= end {
			break
		}
		segStart := max64(start, ext.Start)
		segEnd := min64(end, extEnd)
		if segEnd <= segStart {
			continue
		}
		if !fn(i, segStart-ext.Start, segEnd-segStart) {
			return
		}
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
