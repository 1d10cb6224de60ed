package cluster

import (
	"fmt"
	"net"
	"strconv"
)

// ServerInfo is the coordinator's view of one tablet server.
type ServerInfo struct {
	IP     string `json:"ip"`
	Port   int    `json:"port"`
	Active bool   `json:"active"`
}

// Addr returns "ip:port".
func (s ServerInfo) Addr() string {
	return net.JoinHostPort(s.IP, strconv.Itoa(s.Port))
}

// ParseServerInfo parses "ip:port" into an inactive ServerInfo.
func ParseServerInfo(addr string) (ServerInfo, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return ServerInfo{}, fmt.Errorf("bad address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return ServerInfo{}, fmt.Errorf("bad port in address %q", addr)
	}
	if host == "" {
		return ServerInfo{}, fmt.Errorf("missing host in address %q", addr)
	}
	return ServerInfo{IP: host, Port: port}, nil
}

// NodeConfig is one node's entry in a cluster configuration file.
type NodeConfig struct {
	Addr    string   `yaml:"addr"`
	DataDir string   `yaml:"data_dir"`
	Ranges  []string `yaml:"ranges"`
}

// Server returns the node's address as an inactive ServerInfo.
func (n NodeConfig) Server() (ServerInfo, error) {
	return ParseServerInfo(n.Addr)
}
