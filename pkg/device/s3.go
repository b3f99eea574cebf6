package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Object Layout
// =============
//
// Object      Key                              Body
// ======================================================================
// Block       <prefix>blocks/<index as %016x>  BlockSectors raw sectors
// Geometry    <prefix>geometry.json            s3Geometry (JSON)
//
// Sectors are grouped into fixed-size blocks so a cluster-sized transfer
// costs one request instead of one per sector. All-zero blocks are deleted
// rather than stored: a missing object reads as zeros.
const (
	s3GeometryKey       = "geometry.json"
	s3BlockDir          = "blocks/"
	defaultBlockSectors = 64
)

// S3Client is the subset of *s3.Client used by S3Device.
type S3Client interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Config configures an S3Device. The connection fields are consumed by
// whoever builds the client; OpenS3 only uses the bucket, prefix and
// geometry.
type S3Config struct {
	// Bucket holding the device objects. It must already exist.
	Bucket string `mapstructure:"bucket"`

	// Region of the bucket
	Region string `mapstructure:"region"`

	// Endpoint overrides the S3 endpoint (MinIO, Localstack, ...). Setting
	// it also selects path-style addressing.
	Endpoint string `mapstructure:"endpoint"`

	// AccessKeyID and SecretAccessKey select static credentials. Empty uses
	// the default AWS credential chain.
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	// MaxRetries is the number of attempts per request (default: 10)
	MaxRetries int `mapstructure:"max_retries"`

	// KeyPrefix is prepended to every object key, e.g. "volumes/boot/"
	KeyPrefix string `mapstructure:"key_prefix"`

	// SectorSize in bytes (default: 512). Must match a stored geometry.
	SectorSize int `mapstructure:"sector_size"`

	// SectorCount is required when creating a new device.
	SectorCount int64 `mapstructure:"sector_count"`

	// BlockSectors is the number of sectors per object (default: 64).
	// Must match a stored geometry when non-zero.
	BlockSectors int `mapstructure:"block_sectors"`

	// ReadOnly refuses writes
	ReadOnly bool `mapstructure:"read_only"`
}

type s3Geometry struct {
	SectorSize   int   `json:"sector_size"`
	SectorCount  int64 `json:"sector_count"`
	BlockSectors int   `json:"block_sectors"`
}

// S3Device stores a volume as fixed-size block objects in an S3 bucket.
//
// Thread Safety:
// Reads share the lock; writes hold it exclusively because a partial block
// write is a read-modify-write of the whole object.
type S3Device struct {
	mu           sync.RWMutex
	client       S3Client
	bucket       string
	prefix       string
	sectorSize   int
	sectorCount  int64
	blockSectors int
	readOnly     bool
	closed       bool
}

// OpenS3 opens or creates a device under cfg.KeyPrefix in cfg.Bucket.
func OpenS3(ctx context.Context, client S3Client, cfg S3Config) (*S3Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, errors.New("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if cfg.SectorSize == 0 {
		cfg.SectorSize = 512
	}
	if !validSectorSize(cfg.SectorSize) {
		return nil, fmt.Errorf("invalid sector size %d", cfg.SectorSize)
	}
	if cfg.BlockSectors < 0 {
		return nil, fmt.Errorf("invalid block size %d", cfg.BlockSectors)
	}

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", cfg.Bucket, err)
	}

	d := &S3Device{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   cfg.KeyPrefix,
		readOnly: cfg.ReadOnly,
	}
	geom, err := d.loadOrStoreGeometry(ctx, cfg)
	if err != nil {
		return nil, err
	}
	d.sectorSize = geom.SectorSize
	d.sectorCount = geom.SectorCount
	d.blockSectors = geom.BlockSectors
	return d, nil
}

func (d *S3Device) loadOrStoreGeometry(ctx context.Context, cfg S3Config) (s3Geometry, error) {
	var geom s3Geometry
	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.prefix + s3GeometryKey),
	})
	var notFound *types.NoSuchKey
	switch {
	case errors.As(err, &notFound):
		if cfg.SectorCount <= 0 {
			return s3Geometry{}, errors.New("new S3 device requires sector_count")
		}
		if cfg.ReadOnly {
			return s3Geometry{}, errors.New("cannot initialise a read-only S3 device")
		}
		geom = s3Geometry{SectorSize: cfg.SectorSize, SectorCount: cfg.SectorCount, BlockSectors: cfg.BlockSectors}
		if geom.BlockSectors == 0 {
			geom.BlockSectors = defaultBlockSectors
		}
		data, err := json.Marshal(geom)
		if err != nil {
			return s3Geometry{}, err
		}
		if err := d.put(ctx, d.prefix+s3GeometryKey, data); err != nil {
			return s3Geometry{}, fmt.Errorf("failed to store device geometry: %w", err)
		}
		return geom, nil
	case err != nil:
		return s3Geometry{}, fmt.Errorf("failed to load device geometry: %w", err)
	}

	defer out.Body.Close()
	if err := json.NewDecoder(out.Body).Decode(&geom); err != nil {
		return s3Geometry{}, fmt.Errorf("failed to decode device geometry: %w", err)
	}
	if geom.SectorSize != cfg.SectorSize {
		return s3Geometry{}, fmt.Errorf("stored sector size %d does not match configured %d", geom.SectorSize, cfg.SectorSize)
	}
	if cfg.SectorCount != 0 && geom.SectorCount != cfg.SectorCount {
		return s3Geometry{}, fmt.Errorf("stored sector count %d does not match configured %d", geom.SectorCount, cfg.SectorCount)
	}
	if cfg.BlockSectors != 0 && geom.BlockSectors != cfg.BlockSectors {
		return s3Geometry{}, fmt.Errorf("stored block size %d does not match configured %d", geom.BlockSectors, cfg.BlockSectors)
	}
	if geom.BlockSectors <= 0 || geom.SectorCount <= 0 {
		return s3Geometry{}, fmt.Errorf("stored geometry is invalid: %+v", geom)
	}
	return geom, nil
}

func (d *S3Device) SectorSize() int    { return d.sectorSize }
func (d *S3Device) SectorCount() int64 { return d.sectorCount }
func (d *S3Device) ReadOnly() bool     { return d.readOnly }

func (d *S3Device) blockKey(block int64) string {
	return fmt.Sprintf("%s%s%016x", d.prefix, s3BlockDir, block)
}

// blockBytes is the size of block, which is short for the last block of a
// device whose size is not a whole number of blocks.
func (d *S3Device) blockBytes(block int64) int {
	sectors := min(int64(d.blockSectors), d.sectorCount-block*int64(d.blockSectors))
	return int(sectors) * d.sectorSize
}

// readBlock fills dst with block, or with zeros when it was never stored.
func (d *S3Device) readBlock(ctx context.Context, block int64, dst []byte) error {
	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.blockKey(block)),
	})
	var notFound *types.NoSuchKey
	if errors.As(err, &notFound) {
		clear(dst)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read block %d: %w", block, err)
	}
	defer out.Body.Close()

	if _, err := io.ReadFull(out.Body, dst); err != nil {
		return fmt.Errorf("read block %d: %w", block, err)
	}
	return nil
}

func (d *S3Device) writeBlock(ctx context.Context, block int64, data []byte) error {
	if isZero(data) {
		_, err := d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(d.bucket),
			Key:    aws.String(d.blockKey(block)),
		})
		if err != nil {
			return fmt.Errorf("write block %d: %w", block, err)
		}
		return nil
	}
	if err := d.put(ctx, d.blockKey(block), data); err != nil {
		return fmt.Errorf("write block %d: %w", block, err)
	}
	return nil
}

func (d *S3Device) put(ctx context.Context, key string, data []byte) error {
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(d.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	return err
}

// span calls fn for each block touched by sectors [index, index+n), with
// the sector offset within the block and the number of sectors covered.
func (d *S3Device) span(index, n int64, fn func(block, within, count int64) error) error {
	bs := int64(d.blockSectors)
	for s := index; s < index+n; {
		block, within := s/bs, s%bs
		count := min(bs-within, index+n-s)
		if err := fn(block, within, count); err != nil {
			return err
		}
		s += count
	}
	return nil
}

func (d *S3Device) ReadSectors(ctx context.Context, index int64, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := checkTransfer(d.sectorSize, d.sectorCount, index, buf)
	if err != nil {
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}
	ss := int64(d.sectorSize)
	block := make([]byte, d.blockSectors*d.sectorSize)
	return d.span(index, n, func(b, within, count int64) error {
		data := block[:d.blockBytes(b)]
		if err := d.readBlock(ctx, b, data); err != nil {
			return err
		}
		copy(buf[(b*int64(d.blockSectors)+within-index)*ss:], data[within*ss:(within+count)*ss])
		return nil
	})
}

func (d *S3Device) WriteSectors(ctx context.Context, index int64, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.readOnly {
		return ErrReadOnly
	}
	n, err := checkTransfer(d.sectorSize, d.sectorCount, index, buf)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	ss := int64(d.sectorSize)
	block := make([]byte, d.blockSectors*d.sectorSize)
	return d.span(index, n, func(b, within, count int64) error {
		data := block[:d.blockBytes(b)]
		src := buf[(b*int64(d.blockSectors)+within-index)*ss:]
		if within*ss == 0 && count*ss == int64(len(data)) {
			return d.writeBlock(ctx, b, src[:len(data)])
		}
		if err := d.readBlock(ctx, b, data); err != nil {
			return err
		}
		copy(data[within*ss:(within+count)*ss], src)
		return d.writeBlock(ctx, b, data)
	})
}

// Sync is a no-op: every write is a completed PUT or DELETE.
func (d *S3Device) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}
	return nil
}

func (d *S3Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	d.closed = true
	return nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
