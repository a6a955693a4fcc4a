package cas

import (
	"bytes"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/klauspost/compress/zstd"
	"github.com/multiformats/go-multihash"
	"github.com/pkg/errors"
)

// PrefixCAS namespaces archived objects inside a shared pebble instance.
const PrefixCAS = "cas:"

const compressionMagic = "LCZ1"

// ErrNotFound is returned by Get for unknown CIDs.
var ErrNotFound = errors.New("CID not found")

// Store is a content-addressable archive for file content discarded by
// rotation. Objects are keyed by base58 multihash and stored zstd-compressed.
type Store struct {
	db       *pebble.DB
	hashAlgo string
}

// Stats summarises the archive footprint.
type Stats struct {
	Objects     int
	StoredBytes int64
}

// NewStore binds an archive to db. hashAlgo is "sha256" or "blake3".
func NewStore(db *pebble.DB, hashAlgo string) (*Store, error) {
	if db == nil {
		return nil, errors.New("pebble database is not initialized")
	}
	s := &Store{db: db, hashAlgo: hashAlgo}
	if _, err := s.computeCID(nil); err != nil {
		return nil, err
	}
	return s, nil
}

// computeCID computes a content identifier for the given data
func (s *Store) computeCID(data []byte) (string, error) {
	var hashType uint64

	switch s.hashAlgo {
	case "sha256":
		hashType = multihash.SHA2_256
	case "blake3":
		hashType = multihash.BLAKE3
	default:
		return "", errors.Errorf("unsupported hash algorithm: %s", s.hashAlgo)
	}

	mh, err := multihash.Sum(data, hashType, -1)
	if err != nil {
		return "", errors.Wrap(err, "compute multihash")
	}

	return mh.B58String(), nil
}

// Put stores data and returns its CID along with the compressed bytes
// written. Storing content that already exists writes nothing and reports
// zero bytes.
func (s *Store) Put(data []byte) (string, int, error) {
	cid, err := s.computeCID(data)
	if err != nil {
		return "", 0, err
	}

	exists, err := s.Has(cid)
	if err != nil {
		return "", 0, err
	}
	if exists {
		return cid, 0, nil
	}

	compressed, err := compressForStorage(data)
	if err != nil {
		return "", 0, errors.Wrap(err, "compress object")
	}

	if err := s.db.Set(key(cid), compressed, pebble.Sync); err != nil {
		return "", 0, errors.Wrapf(err, "store CID %s", cid)
	}

	return cid, len(compressed), nil
}

// Get retrieves data by CID
func (s *Store) Get(cid string) ([]byte, error) {
	value, closer, err := s.db.Get(key(cid))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, errors.Wrap(ErrNotFound, cid)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read CID %s", cid)
	}
	defer closer.Close()

	data, err := decompressFromStorage(value)
	if err != nil {
		return nil, errors.Wrapf(err, "decompress CID %s", cid)
	}
	return data, nil
}

// Has checks if a CID exists
func (s *Store) Has(cid string) (bool, error) {
	_, closer, err := s.db.Get(key(cid))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "lookup CID %s", cid)
	}
	closer.Close()
	return true, nil
}

// GetStats walks the archive and reports its size.
func (s *Store) GetStats() (Stats, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(PrefixCAS),
		UpperBound: append([]byte(PrefixCAS), 0xff),
	})
	if err != nil {
		return Stats{}, errors.Wrap(err, "open archive iterator")
	}
	defer iter.Close()

	var stats Stats
	for iter.First(); iter.Valid(); iter.Next() {
		stats.Objects++
		stats.StoredBytes += int64(len(iter.Value()))
	}
	return stats, iter.Error()
}

func key(cid string) []byte {
	return []byte(PrefixCAS + cid)
}

var (
	zstdEncoderOnce sync.Once
	zstdDecoderOnce sync.Once
	zstdEncoder     *zstd.Encoder
	zstdDecoder     *zstd.Decoder
	zstdEncoderErr  error
	zstdDecoderErr  error
)

func getZstdEncoder() (*zstd.Encoder, error) {
	zstdEncoderOnce.Do(func() {
		zstdEncoder, zstdEncoderErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return zstdEncoder, zstdEncoderErr
}

func getZstdDecoder() (*zstd.Decoder, error) {
	zstdDecoderOnce.Do(func() {
		zstdDecoder, zstdDecoderErr = zstd.NewReader(nil)
	})
	return zstdDecoder, zstdDecoderErr
}

func compressForStorage(data []byte) ([]byte, error) {
	enc, err := getZstdEncoder()
	if err != nil {
		return nil, err
	}
	dst := enc.EncodeAll(data, nil)
	return append([]byte(compressionMagic), dst...), nil
}

func decompressFromStorage(data []byte) ([]byte, error) {
	if len(data) < len(compressionMagic) || !bytes.Equal(data[:len(compressionMagic)], []byte(compressionMagic)) {
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}

	dec, err := getZstdDecoder()
	if err != nil {
		return nil, err
	}
	return dec.DecodeAll(data[len(compressionMagic):], nil)
}
