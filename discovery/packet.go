package discovery

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"slices"
	"strconv"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ceyewan/lookupd/xerrors"
)

// ProtocolVersion 每个数据包的首字节
const ProtocolVersion byte = 1

// MaxPacketSize 单个数据包（含版本字节）的上限
const MaxPacketSize = 1400

// Locator 单播发现地址
type Locator struct {
	Host string `json:"host" msgpack:"host"`
	Port int    `json:"port" msgpack:"port"`
}

// Addr 返回 host:port
func (l Locator) Addr() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

func (l Locator) String() string {
	return "lookup://" + l.Addr()
}

// Request 多播请求。Groups 为空表示任意组。
type Request struct {
	Groups []string    `json:"groups" msgpack:"groups"`
	Heard  []uuid.UUID `json:"heard" msgpack:"heard"`
	Host   string      `json:"host" msgpack:"host"`
	Port   int         `json:"port" msgpack:"port"`
}

// Announcement 多播通告。Groups 为空表示 registry 正在下线。
type Announcement struct {
	ServiceID uuid.UUID `json:"service_id" msgpack:"id"`
	Locator   Locator   `json:"locator" msgpack:"locator"`
	Groups    []string  `json:"groups" msgpack:"groups"`
}

// Response 单播响应
type Response struct {
	ServiceID uuid.UUID `json:"service_id" msgpack:"id"`
	Locator   Locator   `json:"locator" msgpack:"locator"`
	Groups    []string  `json:"groups" msgpack:"groups"`
}

// encodePacket 版本字节加 msgpack 消息体
func encodePacket(v any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(ProtocolVersion)
	if err := msgpack.NewEncoder(&buf).Encode(v); err != nil {
		return nil, xerrors.Wrap(err, "encode discovery packet")
	}
	if buf.Len() > MaxPacketSize {
		return nil, xerrors.Wrapf(ErrPacketTooLarge, "%d bytes", buf.Len())
	}
	return buf.Bytes(), nil
}

func decodePacket(b []byte, v any) error {
	if len(b) == 0 {
		return xerrors.Wrap(ErrMalformedPacket, "empty packet")
	}
	if b[0] != ProtocolVersion {
		return xerrors.Wrapf(ErrVersionMismatch, "version %d", b[0])
	}
	if err := msgpack.Unmarshal(b[1:], v); err != nil {
		return xerrors.Wrapf(ErrMalformedPacket, "%v", err)
	}
	return nil
}

func writePacket(w io.Writer, v any) error {
	b, err := encodePacket(v)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// readPacket 从流中读取一个数据包
func readPacket(r io.Reader, v any) error {
	br := bufio.NewReader(io.LimitReader(r, MaxPacketSize))
	ver, err := br.ReadByte()
	if err != nil {
		return xerrors.Wrap(err, "read protocol version")
	}
	if ver != ProtocolVersion {
		return xerrors.Wrapf(ErrVersionMismatch, "version %d", ver)
	}
	if err := msgpack.NewDecoder(br).Decode(v); err != nil {
		return xerrors.Wrapf(ErrMalformedPacket, "%v", err)
	}
	return nil
}

// shouldAnswer 判断是否回应多播请求，不回应时返回原因
func shouldAnswer(id uuid.UUID, memberGroups []string, req *Request) (bool, string) {
	if len(memberGroups) == 0 {
		return false, "no member groups"
	}
	if slices.Contains(req.Heard, id) {
		return false, "already heard"
	}
	if req.Port <= 0 || req.Port > 65535 {
		return false, "bad callback port"
	}
	if len(req.Groups) == 0 {
		return true, ""
	}
	for _, g := range req.Groups {
		if slices.Contains(memberGroups, g) {
			return true, ""
		}
	}
	return false, "no common group"
}
