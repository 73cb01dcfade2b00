// Package metadata persists a device's replication metadata: the
// generation identifier arrays, the per-peer dirty bitmap pages and the
// node-id to bitmap-slot assignment.
package metadata

import (
	"encoding/binary"
	"os"
	"path"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	prombbolt "github.com/prysmaticlabs/prombbolt"
	bolt "go.etcd.io/bbolt"
)

const databaseFileName = "replmeta.db"

// Store wraps the bolt database holding all device metadata of a
// resource.
type Store struct {
	db           *bolt.DB
	databasePath string
}

// Generation is the persisted generation-identifier set of one device.
type Generation struct {
	Current uint64
	// Bitmap holds the generation the named peer slot diverged at,
	// indexed by slot.
	Bitmap []uint64
	// History holds retired current-generation ids, newest first.
	History []uint64
	Flags   uint64
}

// NewStore initializes a new bolt store at the directory path
// specified, creates the buckets based on the schema, and stores an
// open connection db object as a property of the Store struct.
func NewStore(dirPath string) (*Store, error) {
	if err := os.MkdirAll(dirPath, 0700); err != nil {
		return nil, err
	}
	datafile := path.Join(dirPath, databaseFileName)
	boltDB, err := bolt.Open(datafile, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		if err == bolt.ErrTimeout {
			return nil, errors.New("cannot obtain database lock, database may be in use by another process")
		}
		return nil, err
	}

	s := &Store{db: boltDB, databasePath: dirPath}

	if err := s.db.Update(func(tx *bolt.Tx) error {
		return createBuckets(
			tx,
			generationBucket,
			bitmapPagesBucket,
			peerSlotsBucket,
			deviceConfBucket,
		)
	}); err != nil {
		return nil, err
	}

	err = prometheus.Register(createBoltCollector(s.db))

	return s, err
}

// ClearDB removes the previously stored database in the data directory.
func (s *Store) ClearDB() error {
	if _, err := os.Stat(s.databasePath); os.IsNotExist(err) {
		return nil
	}
	prometheus.Unregister(createBoltCollector(s.db))
	return os.Remove(path.Join(s.databasePath, databaseFileName))
}

// Close closes the underlying bolt database.
func (s *Store) Close() error {
	prometheus.Unregister(createBoltCollector(s.db))
	return s.db.Close()
}

// DatabasePath at which this database writes files.
func (s *Store) DatabasePath() string {
	return s.databasePath
}

func createBuckets(tx *bolt.Tx, buckets ...[]byte) error {
	for _, bucket := range buckets {
		if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
			return err
		}
	}
	return nil
}

// createBoltCollector returns a prometheus collector specifically configured for boltdb.
func createBoltCollector(db *bolt.DB) prometheus.Collector {
	return prombbolt.New("boltDB", db)
}

func volKey(vol int) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, uint32(vol))
	return k
}

func volSlotKey(vol, slot int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint32(k[0:4], uint32(vol))
	binary.BigEndian.PutUint32(k[4:8], uint32(slot))
	return k
}

func marshalGeneration(gen *Generation) []byte {
	b := make([]byte, 8+8+2+8*len(gen.Bitmap)+2+8*len(gen.History))
	binary.BigEndian.PutUint64(b[0:8], gen.Current)
	binary.BigEndian.PutUint64(b[8:16], gen.Flags)
	off := 16
	binary.BigEndian.PutUint16(b[off:off+2], uint16(len(gen.Bitmap)))
	off += 2
	for _, u := range gen.Bitmap {
		binary.BigEndian.PutUint64(b[off:off+8], u)
		off += 8
	}
	binary.BigEndian.PutUint16(b[off:off+2], uint16(len(gen.History)))
	off += 2
	for _, u := range gen.History {
		binary.BigEndian.PutUint64(b[off:off+8], u)
		off += 8
	}
	return b
}

func unmarshalGeneration(b []byte) (*Generation, error) {
	if len(b) < 18 {
		return nil, errors.New("corrupt generation record")
	}
	gen := &Generation{
		Current: binary.BigEndian.Uint64(b[0:8]),
		Flags:   binary.BigEndian.Uint64(b[8:16]),
	}
	off := 16
	n := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if len(b) < off+8*n+2 {
		return nil, errors.New("corrupt generation record")
	}
	gen.Bitmap = make([]uint64, n)
	for i := range gen.Bitmap {
		gen.Bitmap[i] = binary.BigEndian.Uint64(b[off : off+8])
		off += 8
	}
	n = int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if len(b) < off+8*n {
		return nil, errors.New("corrupt generation record")
	}
	gen.History = make([]uint64, n)
	for i := range gen.History {
		gen.History[i] = binary.BigEndian.Uint64(b[off : off+8])
		off += 8
	}
	return gen, nil
}

// SaveGeneration persists the generation identifiers of a volume.
func (s *Store) SaveGeneration(vol int, gen *Generation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(generationBucket).Put(volKey(vol), marshalGeneration(gen))
	})
}

// Generation loads the generation identifiers of a volume, or nil when
// the volume has none persisted yet.
func (s *Store) Generation(vol int) (*Generation, error) {
	var gen *Generation
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(generationBucket).Get(volKey(vol))
		if v == nil {
			return nil
		}
		var err error
		gen, err = unmarshalGeneration(v)
		return err
	})
	return gen, err
}

// SetPeerSlot records the bitmap slot assigned to a peer node id.
func (s *Store) SetPeerSlot(vol, nodeID, slot int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		v := make([]byte, 4)
		binary.BigEndian.PutUint32(v, uint32(slot))
		return tx.Bucket(peerSlotsBucket).Put(volSlotKey(vol, nodeID), v)
	})
}

// PeerSlot returns the bitmap slot assigned to a peer node id, or -1.
func (s *Store) PeerSlot(vol, nodeID int) (int, error) {
	slot := -1
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(peerSlotsBucket).Get(volSlotKey(vol, nodeID))
		if v != nil {
			slot = int(binary.BigEndian.Uint32(v))
		}
		return nil
	})
	return slot, err
}

// SaveBitmapPages persists one serialized bitmap slot.
func (s *Store) SaveBitmapPages(vol, slot int, pages []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bitmapPagesBucket).Put(volSlotKey(vol, slot), pages)
	})
}

// BitmapPages loads one serialized bitmap slot, or nil.
func (s *Store) BitmapPages(vol, slot int) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bitmapPagesBucket).Get(volSlotKey(vol, slot))
		if v != nil {
			out = make([]byte, len(v))
			copy(out, v)
		}
		return nil
	})
	return out, err
}
