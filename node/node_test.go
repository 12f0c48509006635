package node

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mohitkumar/approvy/config"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestNodeLifecycle(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "quote.yaml"), []byte(`
id: quote
entityType: quote
defaults:
  approvalRequired: true
  requiredApprovals: 1
  approverRoles: [PRODUCT_MANAGER]
  slaHours: 48
`), 0o600))

	conf := config.DefaultConfig()
	conf.StorageType = config.STORAGE_TYPE_INMEM
	conf.BrokerType = config.BROKER_TYPE_INMEM
	conf.HttpPort = freePort(t)
	conf.TemplatesDir = dir
	conf.ConsumerConfig.Enabled = true
	conf.WorkflowConfig.SLASweepInterval = 10 * time.Millisecond
	conf.WorkflowConfig.RecoveryInterval = 10 * time.Millisecond
	conf.OutboxConfig.PurgeInterval = 10 * time.Millisecond

	n, err := New(conf)
	require.NoError(t, err)
	tmpl, err := n.container.GetMetadataService().Latest(t.Context(), "quote")
	require.NoError(t, err)
	require.Equal(t, 1, tmpl.Version)

	require.NoError(t, n.Start())
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, n.Shutdown())
	require.NoError(t, n.Shutdown())
	select {
	case <-n.Done():
	default:
		t.Fatal("node not marked done")
	}
}
