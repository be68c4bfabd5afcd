// Package wal 管理 registry 的持久化目录：快照 + 追加日志，按代（generation）轮换。
//
// 目录布局：
//
//	version        当前代号，临时文件 + rename 原子替换
//	snapshot.<n>   第 n 代快照：头帧 + 一个 msgpack 流帧
//	log.<n>        第 n 代日志：头帧 + 若干记录帧
//
// 帧格式为 [len:4 BE][crc32:4 BE][body]。日志尾部不完整的记录在恢复时被截断，
// 中间损坏返回 ErrCorrupt。头帧的实现标识或格式版本不匹配返回 ErrVersionMismatch。
package wal

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ceyewan/lookupd/clog"
	"github.com/ceyewan/lookupd/xerrors"
)

// Marker 文件头中的实现标识
const Marker = "lookupd/registry"

const versionFile = "version"

type header struct {
	Marker  string `msgpack:"marker"`
	Version int    `msgpack:"version"`
}

// Store 单个存储目录
type Store struct {
	mu      sync.Mutex
	dir     string
	format  int
	gen     uint64
	log     logFile
	count   int
	closed  bool
	logger  clog.Logger
	noFsync bool
}

// logFile 日志文件需要的能力，*os.File 满足
type logFile interface {
	io.Writer
	io.Seeker
	Truncate(size int64) error
	Sync() error
	Close() error
}

// Option Store 选项
type Option func(*Store)

// WithLogger 注入日志记录器，追加 "wal" 命名空间
func WithLogger(l clog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l.WithNamespace("wal")
		}
	}
}

// WithoutFsync 关闭每次追加后的 fsync，仅用于测试
func WithoutFsync() Option {
	return func(s *Store) {
		s.noFsync = true
	}
}

// Open 打开（必要时创建）存储目录，不读取内容
func Open(dir string, format int, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "storage dir is empty")
	}
	s := &Store{dir: dir, format: format, logger: clog.Discard()}
	for _, o := range opts {
		o(s)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Wrapf(err, "create storage dir %s", dir)
	}
	gen, found, err := readVersion(dir)
	if err != nil {
		return nil, err
	}
	if found {
		s.gen = gen
	}
	return s, nil
}

// Dir 存储目录
func (s *Store) Dir() string { return s.dir }

// Count 自上次快照以来追加的记录数
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Recover 读取当前代的快照并按顺序回放日志
//
// 目录为空时返回 false。回放结束后日志以追加模式打开，尾部截断的部分被丢弃。
func (s *Store) Recover(readSnapshot func(dec *msgpack.Decoder) error, apply func(body []byte) error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, found, err := readVersion(s.dir); err != nil || !found {
		return false, err
	}

	if err := s.readSnapshot(readSnapshot); err != nil {
		return false, err
	}
	n, err := s.replayLog(apply)
	if err != nil {
		return false, err
	}
	s.count = n
	return true, nil
}

func (s *Store) readSnapshot(fn func(dec *msgpack.Decoder) error) error {
	path := s.path("snapshot", s.gen)
	data, err := os.ReadFile(path)
	if err != nil {
		return xerrors.Wrapf(err, "read snapshot %s", path)
	}
	fr := newFrameReader(bytes.NewReader(data), int64(len(data)))
	if err := s.checkHeader(fr); err != nil {
		return xerrors.Wrapf(err, "snapshot %s", path)
	}
	body, err := fr.next()
	if err != nil {
		if errors.Is(err, errTorn) || errors.Is(err, io.EOF) {
			return xerrors.Wrapf(ErrCorrupt, "snapshot %s is truncated", path)
		}
		return xerrors.Wrapf(err, "snapshot %s", path)
	}
	return fn(msgpack.NewDecoder(bytes.NewReader(body)))
}

func (s *Store) replayLog(apply func(body []byte) error) (int, error) {
	path := s.path("log", s.gen)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return 0, xerrors.Wrapf(err, "open log %s", path)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return 0, err
	}

	fr := newFrameReader(f, st.Size())
	if err := s.checkHeader(fr); err != nil {
		f.Close()
		return 0, xerrors.Wrapf(err, "log %s", path)
	}

	n := 0
	for {
		body, err := fr.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, errTorn) {
			s.logger.Warn("truncating torn log tail",
				clog.String("file", path), clog.Int64("offset", fr.offset), clog.Int64("size", st.Size()))
			if err := f.Truncate(fr.offset); err != nil {
				f.Close()
				return 0, xerrors.Wrap(err, "truncate torn tail")
			}
			break
		}
		if err != nil {
			f.Close()
			return 0, err
		}
		if err := apply(body); err != nil {
			f.Close()
			return 0, xerrors.Wrapf(err, "apply record %d", n)
		}
		n++
	}

	if _, err := f.Seek(fr.offset, io.SeekStart); err != nil {
		f.Close()
		return 0, err
	}
	s.log = f
	return n, nil
}

func (s *Store) checkHeader(fr *frameReader) error {
	body, err := fr.next()
	if err != nil {
		return xerrors.Wrap(ErrVersionMismatch, "missing header")
	}
	var h header
	if err := msgpack.Unmarshal(body, &h); err != nil {
		return xerrors.Wrap(ErrVersionMismatch, "unreadable header")
	}
	if h.Marker != Marker || h.Version != s.format {
		return xerrors.Wrapf(ErrVersionMismatch, "got %q v%d, want %q v%d", h.Marker, h.Version, Marker, s.format)
	}
	return nil
}

// Append 追加一条记录并 fsync
func (s *Store) Append(body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.log == nil {
		return xerrors.Wrap(ErrClosed, "log not open, take a snapshot first")
	}
	off, err := s.log.Seek(0, io.SeekCurrent)
	if err != nil {
		return xerrors.Wrap(err, "append record")
	}
	if err := writeFrame(s.log, body); err != nil {
		s.rewind(off)
		return xerrors.Wrap(err, "append record")
	}
	if !s.noFsync {
		if err := s.log.Sync(); err != nil {
			return xerrors.Wrap(err, "sync log")
		}
	}
	s.count++
	return nil
}

// rewind 丢弃写了一半的帧，后续记录紧接在最后一条完整记录之后
func (s *Store) rewind(off int64) {
	if err := s.log.Truncate(off); err != nil {
		s.logger.Warn("truncate partial record failed", clog.Int64("offset", off), clog.Error(err))
	}
	if _, err := s.log.Seek(off, io.SeekStart); err != nil {
		s.logger.Warn("rewind log failed", clog.Int64("offset", off), clog.Error(err))
	}
}

// Snapshot 写入下一代快照和空日志，原子切换 version 后删除上一代
func (s *Store) Snapshot(write func(enc *msgpack.Encoder) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	var buf bytes.Buffer
	if err := write(msgpack.NewEncoder(&buf)); err != nil {
		return xerrors.Wrap(err, "encode snapshot")
	}

	next := s.gen + 1
	if err := s.writeFile(s.path("snapshot", next), buf.Bytes()); err != nil {
		return err
	}
	lf, err := s.createLog(next)
	if err != nil {
		return err
	}
	if err := writeVersion(s.dir, next); err != nil {
		lf.Close()
		return err
	}

	old := s.gen
	if s.log != nil {
		s.log.Close()
	}
	s.log = lf
	s.gen = next
	s.count = 0

	if old > 0 {
		for _, kind := range []string{"snapshot", "log"} {
			if err := os.Remove(s.path(kind, old)); err != nil && !os.IsNotExist(err) {
				s.logger.Warn("remove old generation failed", clog.String("file", s.path(kind, old)), clog.Error(err))
			}
		}
	}
	s.logger.Debug("snapshot written", clog.Int64("generation", int64(next)), clog.Int("bytes", buf.Len()))
	return nil
}

func (s *Store) writeFile(path string, body []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return xerrors.Wrapf(err, "create %s", path)
	}
	err = s.writeHeader(f)
	if err == nil {
		err = writeFrame(f, body)
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return xerrors.Wrapf(err, "write %s", path)
	}
	return nil
}

func (s *Store) createLog(gen uint64) (*os.File, error) {
	path := s.path("log", gen)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return nil, xerrors.Wrapf(err, "create %s", path)
	}
	if err := s.writeHeader(f); err != nil {
		f.Close()
		return nil, xerrors.Wrapf(err, "write header %s", path)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func (s *Store) writeHeader(w io.Writer) error {
	body, err := msgpack.Marshal(&header{Marker: Marker, Version: s.format})
	if err != nil {
		return err
	}
	return writeFrame(w, body)
}

func (s *Store) path(kind string, gen uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.%d", kind, gen))
}

// Relocate 将快照写入新目录，切换后删除旧目录中属于上一代的文件。
// 新目录可以位于旧目录之内或之外，旧目录只在清空后才被删除。
func (s *Store) Relocate(dir string, write func(enc *msgpack.Encoder) error) error {
	next, err := Open(dir, s.format)
	if err != nil {
		return err
	}
	next.logger, next.noFsync = s.logger, s.noFsync
	if err := next.Snapshot(write); err != nil {
		next.Close()
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	oldDir, oldGen := s.dir, s.gen
	if s.log != nil {
		s.log.Close()
	}
	next.mu.Lock()
	s.dir, s.gen, s.log, s.count = next.dir, next.gen, next.log, 0
	next.log = nil
	next.mu.Unlock()

	if filepath.Clean(oldDir) != filepath.Clean(dir) {
		s.removeGeneration(oldDir, oldGen)
	}
	return nil
}

func (s *Store) removeGeneration(dir string, gen uint64) {
	files := []string{versionFile, versionFile + ".tmp"}
	if gen > 0 {
		files = append(files, fmt.Sprintf("snapshot.%d", gen), fmt.Sprintf("log.%d", gen))
	}
	for _, name := range files {
		path := filepath.Join(dir, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("remove old storage file failed", clog.String("file", path), clog.Error(err))
		}
	}
	// 目录里还有其他内容（例如新的存储目录）时保留
	_ = os.Remove(dir)
}

// Close 关闭日志文件，保留目录
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.log != nil {
		return s.log.Close()
	}
	return nil
}

// Destroy 关闭并删除整个目录
func (s *Store) Destroy() error {
	_ = s.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.RemoveAll(s.dir)
}

func readVersion(dir string) (uint64, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, versionFile))
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, xerrors.Wrap(err, "read version file")
	}
	gen, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false, xerrors.Wrapf(ErrCorrupt, "bad version file: %v", err)
	}
	return gen, true, nil
}

func writeVersion(dir string, gen uint64) error {
	tmp := filepath.Join(dir, versionFile+".tmp")
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(gen, 10)+"\n"), 0o644); err != nil {
		return xerrors.Wrap(err, "write version file")
	}
	f, err := os.Open(tmp)
	if err == nil {
		_ = f.Sync()
		f.Close()
	}
	if err := os.Rename(tmp, filepath.Join(dir, versionFile)); err != nil {
		return xerrors.Wrap(err, "rename version file")
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
