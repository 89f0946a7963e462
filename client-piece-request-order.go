package torrent

import (
	"github.com/dannyzb/ratched/storage"
)

type clientPieceRequestOrderKeyTypes interface {
	storage.TorrentCapacity | *Torrent
}

type clientPieceRequestOrderKey[T clientPieceRequestOrderKeyTypes] struct {
	inner T
}

func (me clientPieceRequestOrderKey[T]) isAClientPieceRequestOrderKeyType() {}

type clientPieceRequestOrderKeySumType interface {
	isAClientPieceRequestOrderKeyType()
}

// clientPieceRequestOrderRegularTorrentKey keys a piece-request order by the
// *Torrent itself: the common case, a download with storage it doesn't
// share with any other download.
type clientPieceRequestOrderRegularTorrentKey = clientPieceRequestOrderKey[*Torrent]

// clientPieceRequestOrderSharedStorageTorrentKey keys a piece-request order
// by the underlying storage.TorrentCapacity instead, so multiple Torrents
// backed by the same shared storage (e.g. a multi-torrent seedbox layout)
// compete for requests through one shared order.
type clientPieceRequestOrderSharedStorageTorrentKey = clientPieceRequestOrderKey[storage.TorrentCapacity]
