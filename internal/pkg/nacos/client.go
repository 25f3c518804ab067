// internal/pkg/nacos/client.go
package nacos

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"

	"sankey/internal/pkg/logger"
)

// Client 封装了 Nacos 命名客户端和配置客户端
type Client struct {
	namingClient naming_client.INamingClient
	configClient config_client.IConfigClient

	namespaceId string
	groupName   string
}

// NewClient 创建并返回一个新的 Nacos 客户端。
// addrs 格式为 "ip1:port1,ip2:port2"。
func NewClient(addrs, namespaceId, groupName string) (*Client, error) {
	if groupName == "" {
		groupName = "DEFAULT_GROUP"
	}

	var serverConfigs []constant.ServerConfig
	for _, addr := range strings.Split(addrs, ",") {
		parts := strings.Split(addr, ":")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid nacos address format: %s", addr)
		}
		port, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid port in nacos address: %s", parts[1])
		}
		serverConfigs = append(serverConfigs, *constant.NewServerConfig(parts[0], port))
	}

	clientConfig := *constant.NewClientConfig(
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogDir("/tmp/nacos/log"),
		constant.WithCacheDir("/tmp/nacos/cache"),
		constant.WithLogLevel("warn"),
		constant.WithNamespaceId(namespaceId),
	)

	param := vo.NacosClientParam{
		ClientConfig:  &clientConfig,
		ServerConfigs: serverConfigs,
	}

	namingClient, err := clients.NewNamingClient(param)
	if err != nil {
		return nil, fmt.Errorf("failed to create nacos naming client: %w", err)
	}
	configClient, err := clients.NewConfigClient(param)
	if err != nil {
		return nil, fmt.Errorf("failed to create nacos config client: %w", err)
	}

	logger.Logger().Info().Msg("✅ Successfully connected to Nacos.")
	return &Client{
		namingClient: namingClient,
		configClient: configClient,
		namespaceId:  namespaceId,
		groupName:    groupName,
	}, nil
}

// RegisterServiceInstance 注册一个服务实例到 Nacos
func (c *Client) RegisterServiceInstance(serviceName, ip string, port int) error {
	success, err := c.namingClient.RegisterInstance(vo.RegisterInstanceParam{
		Ip:          ip,
		Port:        uint64(port),
		ServiceName: serviceName,
		Weight:      10,
		Enable:      true,
		Healthy:     true,
		Ephemeral:   true, // 临时节点，心跳断开后自动摘除
		GroupName:   c.groupName,
	})
	if err != nil {
		return fmt.Errorf("failed to register service with nacos: %w", err)
	}
	if !success {
		return fmt.Errorf("nacos registration was not successful for service: %s", serviceName)
	}
	logger.Logger().Info().Msgf("✅ Service '%s' registered to Nacos successfully (%s:%d)", serviceName, ip, port)
	return nil
}

// DeregisterServiceInstance 从 Nacos 注销一个服务实例
func (c *Client) DeregisterServiceInstance(serviceName, ip string, port int) error {
	_, err := c.namingClient.DeregisterInstance(vo.DeregisterInstanceParam{
		Ip:          ip,
		Port:        uint64(port),
		ServiceName: serviceName,
		Ephemeral:   true,
		GroupName:   c.groupName,
	})
	if err != nil {
		return fmt.Errorf("failed to deregister service with nacos: %w", err)
	}
	logger.Logger().Info().Msgf("ℹ️ Service '%s' deregistered from Nacos (%s:%d)", serviceName, ip, port)
	return nil
}

// GetConfig 从 Nacos 配置中心拉取一份配置内容
func (c *Client) GetConfig(dataId string) (string, error) {
	content, err := c.configClient.GetConfig(vo.ConfigParam{
		DataId: dataId,
		Group:  c.groupName,
	})
	if err != nil {
		return "", fmt.Errorf("failed to fetch config %q from nacos: %w", dataId, err)
	}
	return content, nil
}

// Close 关闭 Nacos 客户端连接
func (c *Client) Close() {
	if c.configClient != nil {
		c.configClient.CloseClient()
	}
	// naming client 的临时节点会在心跳停止后自动过期
}
