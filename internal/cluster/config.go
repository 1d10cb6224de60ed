package cluster

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrEmptyConfig is returned when a configuration names no nodes.
var ErrEmptyConfig = errors.New("config lists no nodes")

// ParseConfigLine parses one node line: "ip:port,dataDir[,range...]".
// Tablet servers read the first two fields; the coordinator reads the
// address and the ranges.
func ParseConfigLine(line string) (NodeConfig, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	n := NodeConfig{Addr: fields[0]}
	if _, err := ParseServerInfo(n.Addr); err != nil {
		return NodeConfig{}, err
	}
	if len(fields) > 1 {
		n.DataDir = fields[1]
	}
	for _, r := range fields[min(len(fields), 2):] {
		if r != "" {
			n.Ranges = append(n.Ranges, r)
		}
	}
	return n, nil
}

// ReadConfig reads line-format node entries from r. Blank lines and lines
// starting with '#' are skipped; the order of the remaining lines defines
// node indexes.
func ReadConfig(r io.Reader) ([]NodeConfig, error) {
	var nodes []NodeConfig
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		n, err := ParseConfigLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		nodes = append(nodes, n)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, ErrEmptyConfig
	}
	return nodes, nil
}

// yamlConfig is the YAML form of a cluster configuration:
//
//	nodes:
//	  - addr: 127.0.0.1:5000
//	    data_dir: /var/lib/tabletkv/0
//	    ranges: [a_m]
type yamlConfig struct {
	Nodes []NodeConfig `yaml:"nodes"`
}

// ReadYAMLConfig decodes a YAML cluster configuration.
func ReadYAMLConfig(r io.Reader) ([]NodeConfig, error) {
	var cfg yamlConfig
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyConfig
		}
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if len(cfg.Nodes) == 0 {
		return nil, ErrEmptyConfig
	}
	for i, n := range cfg.Nodes {
		if _, err := ParseServerInfo(n.Addr); err != nil {
			return nil, fmt.Errorf("node %d: %w", i, err)
		}
	}
	return cfg.Nodes, nil
}

// LoadConfig reads a configuration file. Files ending in .yaml or .yml are
// YAML; anything else uses the line format.
func LoadConfig(path string) ([]NodeConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ReadYAMLConfig(f)
	default:
		return ReadConfig(f)
	}
}
