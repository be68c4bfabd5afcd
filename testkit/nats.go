package testkit

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	natscontainer "github.com/testcontainers/testcontainers-go/modules/nats"
)

// NewNATSContainerURL 使用 testcontainers 启动 NATS 并返回连接地址。
// -short 或没有可用的容器运行时时跳过测试；容器由 t.Cleanup 回收。
func NewNATSContainerURL(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := natscontainer.Run(ctx, "nats:2.10-alpine")
	require.NoError(t, err, "failed to start NATS container")
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mappedPort, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)
	return "nats://" + host + ":" + mappedPort.Port()
}

// NewNATSConn 连接到 url，测试结束时关闭
func NewNATSConn(t *testing.T, url string) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(url,
		nats.Name("lookupd-test"),
		nats.MaxReconnects(10),
		nats.ReconnectWait(100*time.Millisecond))
	require.NoError(t, err, "failed to connect to nats")
	t.Cleanup(nc.Close)
	return nc
}
