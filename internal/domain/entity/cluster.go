package entity

// ClusterNode 集群节点，由成员管理方提供，本服务只读
type ClusterNode struct {
	ID        string `json:"id"`
	Available bool   `json:"available"`
}

// AvailableNodeIDs 过滤出可用节点 ID
func AvailableNodeIDs(nodes []ClusterNode) []string {
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n.Available && n.ID != "" {
			ids = append(ids, n.ID)
		}
	}
	return ids
}
