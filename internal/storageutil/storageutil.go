package storageutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/pierrec/lz4/v4"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
)

// ErrObjectNotFound indicates an object was not found.
var ErrObjectNotFound = errors.New("object not found")

// CompressedExt marks objects and files stored lz4 compressed.
const CompressedExt = ".lz4"

// Capture holds the bytes of a capture, mapped or read in memory. Slices
// borrowed from Bytes are only valid until Close.
type Capture struct {
	data    []byte
	release func([]byte) error
	closed  bool
}

func (c *Capture) Bytes() []byte {
	return c.data
}

func (c *Capture) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	data := c.data
	c.data = nil
	if c.release == nil {
		return nil
	}
	return c.release(data)
}

// IsURL reports whether location names an object in a bucket rather than a
// local path.
func IsURL(location string) bool {
	_, _, ok := splitURL(location)
	return ok
}

// splitURL splits a blob URL into the URL of its bucket and the object key.
func splitURL(location string) (string, string, bool) {
	u, err := url.Parse(location)
	// One letter schemes are Windows drives.
	if err != nil || len(u.Scheme) < 2 {
		return "", "", false
	}
	if u.Scheme == "file" {
		dir, key := path.Split(u.Path)
		return "file://" + dir + queryOf(u), key, key != ""
	}
	key := strings.TrimPrefix(u.Path, "/")
	return u.Scheme + "://" + u.Host + queryOf(u), key, key != ""
}

func queryOf(u *url.URL) string {
	if u.RawQuery == "" {
		return ""
	}
	return "?" + u.RawQuery
}

// ReadCapture loads a capture from a local path or a blob URL (file://,
// mem://, gs://, s3://). Local files are mapped, unless compressed.
func ReadCapture(ctx context.Context, location string) (*Capture, error) {
	bucketURL, key, ok := splitURL(location)
	if !ok {
		if !strings.HasSuffix(location, CompressedExt) {
			return MapFile(location)
		}
		f, err := os.Open(location)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		data, err := io.ReadAll(lz4.NewReader(f))
		if err != nil {
			return nil, fmt.Errorf("storageutil: decompressing %s: %w", location, err)
		}
		return &Capture{data: data}, nil
	}
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, err
	}
	defer bucket.Close()
	data, err := ReadObject(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	return &Capture{data: data}, nil
}

// ReadObject reads a whole object, decompressing it when its key ends with
// CompressedExt. If the key was not found, it will return ErrObjectNotFound.
func ReadObject(ctx context.Context, bucket *blob.Bucket, key string) ([]byte, error) {
	or, err := bucket.NewReader(ctx, key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("storageutil: %w: %s", ErrObjectNotFound, key)
		}
		return nil, err
	}
	defer or.Close()
	var r io.Reader = or
	if strings.HasSuffix(key, CompressedExt) {
		r = lz4.NewReader(or)
	}
	return io.ReadAll(r)
}

// WriteObject stores what write produces under key, compressing it when the
// key ends with CompressedExt. Nothing is stored if write fails.
func WriteObject(ctx context.Context, bucket *blob.Bucket, key string, write func(io.Writer) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ow, err := bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return err
	}
	err = writeCompressed(ow, strings.HasSuffix(key, CompressedExt), write)
	if err != nil {
		// Canceling before closing discards the object.
		cancel()
		_ = ow.Close()
		return err
	}
	return ow.Close()
}

// Write stores an export at a local path or a blob URL.
func Write(ctx context.Context, location string, write func(io.Writer) error) error {
	bucketURL, key, ok := splitURL(location)
	if ok {
		bucket, err := blob.OpenBucket(ctx, bucketURL)
		if err != nil {
			return err
		}
		defer bucket.Close()
		return WriteObject(ctx, bucket, key, write)
	}
	f, err := os.Create(location)
	if err != nil {
		return err
	}
	err = writeCompressed(f, strings.HasSuffix(location, CompressedExt), write)
	if err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeCompressed(w io.Writer, compress bool, write func(io.Writer) error) error {
	if !compress {
		return write(w)
	}
	zw := lz4.NewWriter(w)
	_ = zw.Apply(lz4.CompressionLevelOption(lz4.Level9))
	err := write(zw)
	if err != nil {
		return err
	}
	return zw.Close()
}
