package discovery

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/ipv4"

	"github.com/ceyewan/lookupd/xerrors"
)

// defaultDialTimeout ctx 未设置期限时单播连接的读写期限
const defaultDialTimeout = 5 * time.Second

// Unicast 连接 addr 并读取 registry 的单播响应
func Unicast(ctx context.Context, addr string) (*Response, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "dial %s", addr)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultDialTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	if _, err := conn.Write([]byte{ProtocolVersion}); err != nil {
		return nil, xerrors.Wrap(err, "send protocol version")
	}
	var resp Response
	if err := readPacket(conn, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Discover 向请求组多播 groups，收集 registry 的回拨直到 ctx 结束。
// 每隔 RequestInterval 重发一次请求，已收到的 registry 写入 Heard 不再回应。
// ctx 到期是正常结束，返回已收集的响应。
func Discover(ctx context.Context, cfg *Config, groups []string) ([]*Response, error) {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	// 回拨地址默认取数据包源地址，只有显式配置时才写入请求
	explicitHost := c.Host
	if err := c.validate(); err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(c.BindHost, "0"))
	if err != nil {
		return nil, xerrors.Wrap(err, "listen for callbacks")
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	s, err := openSenderTo(&c, c.RequestGroup)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	var (
		mu    sync.Mutex
		heard = make(map[uuid.UUID]*Response)
		order []uuid.UUID
		wg    sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer conn.Close()
				_ = conn.SetDeadline(time.Now().Add(c.UnicastTimeout))
				var resp Response
				if err := readPacket(conn, &resp); err != nil {
					return
				}
				mu.Lock()
				if _, ok := heard[resp.ServiceID]; !ok {
					heard[resp.ServiceID] = &resp
					order = append(order, resp.ServiceID)
				}
				mu.Unlock()
			}()
		}
	}()

	request := func() error {
		mu.Lock()
		req := &Request{Groups: groups, Heard: append([]uuid.UUID(nil), order...), Host: explicitHost, Port: port}
		mu.Unlock()
		return s.send(req)
	}

	err = request()
	if err == nil {
		ticker := time.NewTicker(c.RequestInterval)
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-ticker.C:
				if err = request(); err != nil {
					break loop
				}
			}
		}
		ticker.Stop()
	}
	_ = ln.Close()
	wg.Wait()
	if err != nil {
		return nil, xerrors.Wrap(err, "send multicast request")
	}

	out := make([]*Response, 0, len(order))
	for _, id := range order {
		out = append(out, heard[id])
	}
	return out, nil
}

// WatchAnnouncements 加入通告组，对每个通告调用 fn，直到 ctx 结束
func WatchAnnouncements(ctx context.Context, cfg *Config, fn func(*Announcement)) error {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	if err := c.validate(); err != nil {
		return err
	}
	group, err := net.ResolveUDPAddr("udp4", c.AnnouncementGroup)
	if err != nil {
		return err
	}
	ifi, err := c.iface()
	if err != nil {
		return err
	}

	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(group.Port)))
	if err != nil {
		return xerrors.Wrap(err, "listen for announcements")
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	p := ipv4.NewPacketConn(conn)
	if err := p.JoinGroup(ifi, &net.UDPAddr{IP: group.IP}); err != nil {
		return xerrors.Wrapf(err, "join %s", group.IP)
	}

	buf := make([]byte, MaxPacketSize)
	for {
		n, _, _, err := p.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return xerrors.Wrap(err, "read announcement")
		}
		var a Announcement
		if decodePacket(buf[:n], &a) != nil {
			continue
		}
		fn(&a)
	}
}
