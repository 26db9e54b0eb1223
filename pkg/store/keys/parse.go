package keys

import (
	"fmt"
	"strconv"
	"strings"
)

type ClusteringParts struct {
	TS int64
	ID string
}

// ParseClustering splits any "<ts>:<id>" clustering key.
func ParseClustering(key []byte) (*ClusteringParts, error) {
	parts := strings.SplitN(string(key), ":", 2)
	if len(parts) != 2 || len(parts[0]) != TSPadWidth || parts[1] == "" {
		return nil, fmt.Errorf("invalid clustering key: %q", key)
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid clustering timestamp %q: %w", parts[0], err)
	}
	return &ClusteringParts{TS: ts, ID: parts[1]}, nil
}
