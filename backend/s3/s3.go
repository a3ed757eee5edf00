// Package s3 implements an nbd.Backend storing device blocks as S3
// objects, one object per block under a key prefix. Blocks that were
// never written read back as zeroes. Works against AWS or any
// S3-compatible service (MinIO, localstack) via the endpoint parameter.
package s3

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rclone/gonbdloop/nbd"
	"golang.org/x/net/context"
)

const defaultBlockSize = 65536

// s3API is the slice of the S3 client the backend needs; tests substitute
// a fake for it.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Backend implements nbd.Backend
type Backend struct {
	client    s3API
	bucket    string
	keyPrefix string
	size      uint64
	blockSize uint64
}

// blockKey returns the object key for the numbered device block.
func (sb *Backend) blockKey(n uint64) string {
	return fmt.Sprintf("%sblk/%016x", sb.keyPrefix, n)
}

// isNotFoundError reports whether err means the object does not exist.
func isNotFoundError(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}

// readBlock fetches one block into out (len = blockSize), zero filling
// blocks that have never been written.
func (sb *Backend) readBlock(ctx context.Context, n uint64, out []byte) error {
	resp, err := sb.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(sb.bucket),
		Key:    aws.String(sb.blockKey(n)),
	})
	if err != nil {
		if isNotFoundError(err) {
			for i := range out {
				out[i] = 0
			}
			return nil
		}
		return fmt.Errorf("s3 get object: %w", err)
	}
	defer resp.Body.Close()
	got, err := io.ReadFull(resp.Body, out)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		for i := got; i < len(out); i++ {
			out[i] = 0
		}
		return nil
	}
	return err
}

// writeBlock stores one whole block.
func (sb *Backend) writeBlock(ctx context.Context, n uint64, data []byte) error {
	_, err := sb.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(sb.bucket),
		Key:    aws.String(sb.blockKey(n)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	return nil
}

// ReadAt implements Backend.ReadAt
func (sb *Backend) ReadAt(ctx context.Context, b []byte, offset int64) (int, error) {
	block := make([]byte, sb.blockSize)
	pos := uint64(offset)
	out := b
	for len(out) > 0 {
		n := pos / sb.blockSize
		in := pos % sb.blockSize
		if err := sb.readBlock(ctx, n, block); err != nil {
			return 0, err
		}
		c := copy(out, block[in:])
		out = out[c:]
		pos += uint64(c)
	}
	return len(b), nil
}

// WriteAt implements Backend.WriteAt
func (sb *Backend) WriteAt(ctx context.Context, b []byte, offset int64, fua bool) (int, error) {
	block := make([]byte, sb.blockSize)
	pos := uint64(offset)
	in := b
	for len(in) > 0 {
		n := pos / sb.blockSize
		off := pos % sb.blockSize
		var c int
		if off == 0 && uint64(len(in)) >= sb.blockSize {
			c = copy(block, in[:sb.blockSize])
		} else {
			// Partial block, read-modify-write.
			if err := sb.readBlock(ctx, n, block); err != nil {
				return 0, err
			}
			c = copy(block[off:], in)
		}
		if err := sb.writeBlock(ctx, n, block); err != nil {
			return 0, err
		}
		in = in[c:]
		pos += uint64(c)
	}
	return len(b), nil
}

// TrimAt implements Backend.TrimAt. Whole covered blocks are deleted.
func (sb *Backend) TrimAt(ctx context.Context, length int, offset int64) (int, error) {
	start := uint64(offset)
	end := start + uint64(length)
	for pos := start; pos < end; {
		n := pos / sb.blockSize
		off := pos % sb.blockSize
		rest := end - pos
		if off == 0 && rest >= sb.blockSize {
			_, err := sb.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(sb.bucket),
				Key:    aws.String(sb.blockKey(n)),
			})
			if err != nil && !isNotFoundError(err) {
				return 0, fmt.Errorf("s3 delete object: %w", err)
			}
			pos += sb.blockSize
			continue
		}
		// Partial edges are left in place; trim is advisory.
		pos += sb.blockSize - off
	}
	return length, nil
}

// Flush implements Backend.Flush. PutObject is durable on return, so
// there is nothing to sync.
func (sb *Backend) Flush(ctx context.Context) error {
	return nil
}

// Close implements Backend.Close
func (sb *Backend) Close(ctx context.Context) error {
	return nil
}

// Geometry implements Backend.Geometry
func (sb *Backend) Geometry(ctx context.Context) (uint64, uint64, uint64, uint64, error) {
	return sb.size, 512, uint64(sb.blockSize), nbd.MaxCommandSize, nil
}

// HasFua implements Backend.HasFua
func (sb *Backend) HasFua(ctx context.Context) bool {
	return false
}

// HasFlush implements Backend.HasFlush
func (sb *Backend) HasFlush(ctx context.Context) bool {
	return false
}

// New generates a new s3 backend
func New(ctx context.Context, d *nbd.DeviceConfig) (nbd.Backend, error) {
	bucket := d.DriverParameters["bucket"]
	if bucket == "" {
		return nil, fmt.Errorf("s3 driver needs a bucket parameter")
	}
	size, err := strconv.ParseUint(d.DriverParameters["size"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad size parameter: %w", err)
	}
	blockSize := uint64(defaultBlockSize)
	if d.BlockSize != 0 {
		blockSize = uint64(d.BlockSize)
	}
	pathStyle, err := nbd.IsTrue(d.DriverParameters["pathstyle"])
	if err != nil {
		return nil, err
	}

	var opts []func(*awsconfig.LoadOptions) error
	if region := d.DriverParameters["region"]; region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if endpoint := d.DriverParameters["endpoint"]; endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if pathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	client := s3.NewFromConfig(awsCfg, s3Opts...)

	return &Backend{
		client:    client,
		bucket:    bucket,
		keyPrefix: d.DriverParameters["prefix"],
		size:      size,
		blockSize: blockSize,
	}, nil
}

// Register our backend
func init() {
	nbd.RegisterBackend("s3", New)
}
