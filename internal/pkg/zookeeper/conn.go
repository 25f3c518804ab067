// internal/pkg/zookeeper/conn.go
package zookeeper

import (
	"time"

	"github.com/go-zookeeper/zk"

	"sankey/internal/pkg/logger"
)

// Conn 是对 zk.Conn 的薄封装，统一连接参数
type Conn struct {
	*zk.Conn
}

// Connect 建立到 ZooKeeper 集群的连接
func Connect(servers []string) (*Conn, error) {
	conn, _, err := zk.Connect(servers, 10*time.Second, zk.WithLogInfo(false))
	if err != nil {
		return nil, err
	}
	logger.Logger().Info().Strs("servers", servers).Msg("✅ Connected to ZooKeeper.")
	return &Conn{Conn: conn}, nil
}
