// Package idgen 基于 snowflake 提供趋势递增的分布式 ID
package idgen

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	node *snowflake.Node
	once sync.Once
)

// 节点编号取自 APP_NODE_ID 环境变量，缺省为 1。
// 多实例部署时必须配置互不相同的编号，否则 ID 会冲突。
func initNode() {
	nodeID := int64(1)
	if v := os.Getenv("APP_NODE_ID"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			nodeID = parsed
		}
	}

	var err error
	node, err = snowflake.NewNode(nodeID)
	if err != nil {
		panic(fmt.Sprintf("idgen: failed to create snowflake node: %v", err))
	}
}

// GenID 生成一个趋势递增的 int64 ID
func GenID() int64 {
	once.Do(initNode)
	return node.Generate().Int64()
}

// GenIDString 生成字符串形式的 ID
func GenIDString() string {
	once.Do(initNode)
	return node.Generate().String()
}
