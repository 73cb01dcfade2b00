package metadata

// The schema will define how to store and retrieve data in the store.
// For example, it defines what the bucket name is for generation
// identifiers. Data is organized per volume: every key below is
// prefixed with the big-endian volume number.
var (
	generationBucket  = []byte("generation-ids")
	bitmapPagesBucket = []byte("bitmap-pages")
	peerSlotsBucket   = []byte("peer-slots")
	deviceConfBucket  = []byte("device-config")
)
