package monitor

import (
	"strconv"
	"strings"
)

// parseStoreInfo 解析 INFO 命令输出中监控关心的字段。
// 键空间行形如 "db0:keys=1234,expires=100,avg_ttl=3600"。
func parseStoreInfo(info string) StoreStats {
	var stats StoreStats
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch key {
		case "used_memory":
			stats.UsedMemoryBytes = parseInt(value)
		case "connected_clients":
			stats.ConnectedClients = parseInt(value)
		case "total_commands_processed":
			stats.TotalCommands = parseInt(value)
		default:
			if strings.HasPrefix(key, "db") {
				stats.Keys += parseKeyspaceCount(value)
			}
		}
	}
	return stats
}

func parseKeyspaceCount(value string) int64 {
	for _, pair := range strings.Split(value, ",") {
		if rest, ok := strings.CutPrefix(pair, "keys="); ok {
			return parseInt(rest)
		}
	}
	return 0
}

func parseInt(value string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
