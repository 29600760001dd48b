package report

import (
	"context"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver
)

const zstdSuffix = ".zst"

// BlobWriter writes report records to a gocloud bucket.
type BlobWriter struct {
	bucket *blob.Bucket
	prefix string
	enc    *zstd.Encoder // nil when compression is disabled
}

// OpenBlobWriter opens the bucket named by cfg.URL.
func OpenBlobWriter(ctx context.Context, cfg Config) (*BlobWriter, error) {
	bucket, err := blob.OpenBucket(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open report bucket %s: %w", cfg.URL, err)
	}

	w, err := NewBlobWriter(bucket, cfg.Prefix, cfg.Compression)
	if err != nil {
		bucket.Close()
		return nil, err
	}
	return w, nil
}

// NewBlobWriter wraps an already opened bucket. The writer takes ownership
// of the bucket and closes it on Close.
func NewBlobWriter(bucket *blob.Bucket, prefix, compression string) (*BlobWriter, error) {
	w := &BlobWriter{bucket: bucket, prefix: prefix}

	switch strings.ToLower(compression) {
	case "", "none":
	case "zstd":
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		w.enc = enc
	default:
		return nil, fmt.Errorf("unknown report compression: %s", compression)
	}

	return w, nil
}

// WritePartition writes a partition record.
func (w *BlobWriter) WritePartition(ctx context.Context, rec PartitionRecord) error {
	return w.write(ctx, PartitionKey(w.prefix, rec.RunID, rec.Partition), rec)
}

// WriteSummary writes a run summary.
func (w *BlobWriter) WriteSummary(ctx context.Context, rec SummaryRecord) error {
	return w.write(ctx, SummaryKey(w.prefix, rec.RunID), rec)
}

func (w *BlobWriter) write(ctx context.Context, key string, v any) error {
	data, err := marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	opts := &blob.WriterOptions{ContentType: "application/json"}
	if w.enc != nil {
		data = w.enc.EncodeAll(data, nil)
		key += zstdSuffix
		opts.ContentEncoding = "zstd"
	}

	if err := w.bucket.WriteAll(ctx, key, data, opts); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// Read returns the decoded JSON stored under key. The compression suffix is
// added automatically.
func (w *BlobWriter) Read(ctx context.Context, key string) ([]byte, error) {
	if w.enc != nil {
		key += zstdSuffix
	}

	data, err := w.bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if w.enc == nil {
		return data, nil
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()

	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, nil
}

// Close releases the encoder and the bucket.
func (w *BlobWriter) Close() error {
	if w.enc != nil {
		w.enc.Close()
	}
	return w.bucket.Close()
}
