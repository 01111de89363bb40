// Package block implements the fixed-size block device the shadow file
// system core runs on top of: synchronous reads and writes, no caching, no
// knowledge of inodes, directories, or shadows.
package block

import (
	"io"

	"github.com/dargueta/shadowfs/errors"
	"github.com/xaionaro-go/bytesextra"
)

// Device is a byte-addressable array of fixed-size blocks over a backing
// io.ReadWriteSeeker, with InitFreshDisk/InitDisk constructors and
// ReadBlocks/WriteBlocks/CloseDisk accessors.
type Device struct {
	BlockBytes uint
	NumBlocks  uint

	stream io.ReadWriteSeeker
	closer io.Closer
}

// InitFreshDisk creates a new zero-filled in-memory backing store of
// blockBytes*numBlocks bytes.
func InitFreshDisk(blockBytes, numBlocks uint) *Device {
	storage := make([]byte, blockBytes*numBlocks)
	return &Device{
		BlockBytes: blockBytes,
		NumBlocks:  numBlocks,
		stream:     bytesextra.NewReadWriteSeeker(storage),
	}
}

// InitDisk attaches to an existing backing store without modifying its
// contents.
func InitDisk(stream io.ReadWriteSeeker, blockBytes, numBlocks uint) *Device {
	return &Device{BlockBytes: blockBytes, NumBlocks: numBlocks, stream: stream}
}

// WithCloser attaches a Closer (e.g. an *os.File) that CloseDisk will close
// in addition to releasing the stream.
func (d *Device) WithCloser(c io.Closer) *Device {
	d.closer = c
	return d
}

func (d *Device) checkBounds(start, count uint) error {
	if count == 0 {
		return nil
	}
	if start >= d.NumBlocks || start+count > d.NumBlocks {
		return errors.ErrIO.WithMessage("block range out of bounds")
	}
	return nil
}

func (d *Device) seekToBlock(block uint) error {
	offset := int64(block) * int64(d.BlockBytes)
	_, err := d.stream.Seek(offset, io.SeekStart)
	if err != nil {
		return errors.ErrIO.Wrap(err)
	}
	return nil
}

// ReadBlocks synchronously reads count blocks starting at start into buf.
// len(buf) must be at least count*BlockBytes.
func (d *Device) ReadBlocks(start, count uint, buf []byte) error {
	if err := d.checkBounds(start, count); err != nil {
		return err
	}
	if err := d.seekToBlock(start); err != nil {
		return err
	}

	want := int(count * d.BlockBytes)
	_, err := io.ReadFull(d.stream, buf[:want])
	if err != nil {
		return errors.ErrIO.Wrap(err)
	}
	return nil
}

// WriteBlocks synchronously writes count blocks starting at start from data.
// len(data) must be at least count*BlockBytes.
func (d *Device) WriteBlocks(start, count uint, data []byte) error {
	if err := d.checkBounds(start, count); err != nil {
		return err
	}
	if err := d.seekToBlock(start); err != nil {
		return err
	}

	want := int(count * d.BlockBytes)
	_, err := d.stream.Write(data[:want])
	if err != nil {
		return errors.ErrIO.Wrap(err)
	}
	return nil
}

// CloseDisk detaches from the backing store, closing it if a Closer was
// attached via WithCloser. The device is not usable afterward.
func (d *Device) CloseDisk() error {
	if d.closer != nil {
		return d.closer.Close()
	}
	return nil
}
