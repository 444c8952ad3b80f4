package app

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// GenerateServerID 生成网关实例ID
// 优先使用环境变量 BLE_INSTANCE_ID，否则由主机名与随机串组成
func GenerateServerID() string {
	if id := os.Getenv("BLE_INSTANCE_ID"); id != "" {
		return id
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("ble-gateway-%s-%s", hostname, uuid.New().String()[:8])
}
