package discovery

import "github.com/ceyewan/lookupd/xerrors"

var (
	// ErrInvalidConfig 配置非法
	ErrInvalidConfig = xerrors.NewKind(xerrors.ErrInvalidInput, "DISCOVERY_INVALID_CONFIG", "invalid discovery config")

	// ErrVersionMismatch 数据包协议版本不被支持
	ErrVersionMismatch = xerrors.NewKind(xerrors.ErrInvalidInput, "DISCOVERY_VERSION_MISMATCH", "unsupported discovery protocol version")

	// ErrMalformedPacket 数据包无法解码
	ErrMalformedPacket = xerrors.NewKind(xerrors.ErrInvalidInput, "DISCOVERY_MALFORMED_PACKET", "malformed discovery packet")

	// ErrPacketTooLarge 编码后超过 MaxPacketSize
	ErrPacketTooLarge = xerrors.NewKind(xerrors.ErrInvalidInput, "DISCOVERY_PACKET_TOO_LARGE", "discovery packet too large")

	// ErrAlreadyRunning Run 只能调用一次
	ErrAlreadyRunning = xerrors.NewKind(xerrors.ErrConflict, "DISCOVERY_ALREADY_RUNNING", "discovery engine already running")
)
