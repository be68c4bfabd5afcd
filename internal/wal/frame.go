package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"

	"github.com/ceyewan/lookupd/xerrors"
)

const (
	frameHeaderSize = 8
	maxFrameSize    = 64 << 20
)

// writeFrame 写入 [len:4][crc32:4][body]
func writeFrame(w io.Writer, body []byte) error {
	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(body)))
	binary.BigEndian.PutUint32(hdr[4:8], crc32.ChecksumIEEE(body))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// errTorn 尾部记录不完整
var errTorn = errors.New("torn frame")

// frameReader 顺序读取帧，记录每条记录的起始偏移以便截断尾部
type frameReader struct {
	r      *bufio.Reader
	offset int64
	size   int64
}

func newFrameReader(r io.Reader, size int64) *frameReader {
	return &frameReader{r: bufio.NewReader(r), size: size}
}

// next 返回下一条记录。正常结束返回 io.EOF；尾部不完整或尾部 CRC 错误返回 errTorn；
// 中间记录 CRC 错误返回 ErrCorrupt。
func (fr *frameReader) next() ([]byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, errTorn
		}
		return nil, err
	}

	n := int64(binary.BigEndian.Uint32(hdr[0:4]))
	end := fr.offset + frameHeaderSize + n
	if n > maxFrameSize || end > fr.size {
		return nil, errTorn
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, errTorn
		}
		return nil, err
	}
	if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(hdr[4:8]) {
		if end == fr.size {
			return nil, errTorn
		}
		return nil, xerrors.Wrapf(ErrCorrupt, "crc mismatch at offset %d", fr.offset)
	}
	fr.offset = end
	return body, nil
}
