// Package engcfg parses the transmit daemon's configuration file, a
// line-oriented format in the spirit of the course .lnx files:
//
//	streams 4
//	capacity 65535
//	mss 1460
//	idle-timeout 64
//	settle 2
//	chunk 64
//	unit 8
//	low-water 2920
//	listen 127.0.0.1:5000
//	peer 127.0.0.1:5001
//	endpoint 0 10.0.0.1:20001 10.0.0.2:80
package engcfg

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type EndpointConfig struct {
	Stream int
	Local  netip.AddrPort
	Remote netip.AddrPort
}

type DaemonConfig struct {
	Streams     int
	Capacity    uint32
	MSS         uint32
	IdleTimeout uint32
	Settle      int
	Chunk       uint32
	Unit        int
	LowWater    uint32

	Listen netip.AddrPort
	Peer   netip.AddrPort

	Endpoints []EndpointConfig
}

type parseFunc func(int, string, *DaemonConfig) error

var parseCommands = map[string]parseFunc{
	"streams":      parseIntField,
	"capacity":     parseIntField,
	"mss":          parseIntField,
	"idle-timeout": parseIntField,
	"settle":       parseIntField,
	"chunk":        parseIntField,
	"unit":         parseIntField,
	"low-water":    parseIntField,
	"listen":       parseAddrField,
	"peer":         parseAddrField,
	"endpoint":     parseEndpoint,
}

func parseIntField(ln int, line string, config *DaemonConfig) error {
	tokens := strings.Fields(line)
	if len(tokens) != 2 {
		return newErrString(ln, "%s directive must have format:  %s <number>", tokens[0], tokens[0])
	}
	v, err := strconv.ParseUint(tokens[1], 10, 32)
	if err != nil {
		return newErr(ln, err)
	}
	switch tokens[0] {
	case "streams":
		config.Streams = int(v)
	case "capacity":
		config.Capacity = uint32(v)
	case "mss":
		config.MSS = uint32(v)
	case "idle-timeout":
		config.IdleTimeout = uint32(v)
	case "settle":
		config.Settle = int(v)
	case "chunk":
		config.Chunk = uint32(v)
	case "unit":
		config.Unit = int(v)
	case "low-water":
		config.LowWater = uint32(v)
	}
	return nil
}

func parseAddrField(ln int, line string, config *DaemonConfig) error {
	tokens := strings.Fields(line)
	if len(tokens) != 2 {
		return newErrString(ln, "%s directive must have format:  %s <addr:port>", tokens[0], tokens[0])
	}
	addrPort, err := netip.ParseAddrPort(tokens[1])
	if err != nil {
		return newErr(ln, err)
	}
	switch tokens[0] {
	case "listen":
		config.Listen = addrPort
	case "peer":
		config.Peer = addrPort
	}
	return nil
}

func parseEndpoint(ln int, line string, config *DaemonConfig) error {
	var sID, sLocal, sRemote string

	format := "endpoint <stream id> <localIP:port> <remoteIP:port>"
	r := strings.NewReader(line)
	n, err := fmt.Fscanf(r, "endpoint %s %s %s", &sID, &sLocal, &sRemote)
	if err != nil {
		return newErr(ln, err)
	}
	if n != 3 {
		return newErrString(ln, "endpoint directive must have format:  %s", format)
	}

	id, err := strconv.Atoi(sID)
	if err != nil {
		return newErr(ln, err)
	}
	local, err := netip.ParseAddrPort(sLocal)
	if err != nil {
		return newErr(ln, err)
	}
	remote, err := netip.ParseAddrPort(sRemote)
	if err != nil {
		return newErr(ln, err)
	}

	config.Endpoints = append(config.Endpoints, EndpointConfig{
		Stream: id,
		Local:  local,
		Remote: remote,
	})
	return nil
}

func validate(config *DaemonConfig) error {
	if config.Streams < 1 {
		return errors.Errorf("config must declare at least one stream, got %d", config.Streams)
	}
	for _, ep := range config.Endpoints {
		if ep.Stream < 0 || ep.Stream >= config.Streams {
			return errors.Errorf("endpoint stream id %d out of range 0..%d", ep.Stream, config.Streams-1)
		}
	}
	if !config.Listen.IsValid() {
		return errors.New("config must declare a listen address")
	}
	return nil
}

func newErrString(line int, msg string, args ...any) error {
	return errors.Errorf("Parse error on line %d:  %s", line, fmt.Sprintf(msg, args...))
}

func newErr(line int, err error) error {
	return errors.Errorf("Parse error on line %d:  %s", line, err.Error())
}

// ParseConfig parses a daemon configuration file.
func ParseConfig(configFile string) (*DaemonConfig, error) {
	fd, err := os.Open(configFile)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open config file")
	}
	defer fd.Close()

	config := &DaemonConfig{
		Streams:   4,
		Endpoints: make([]EndpointConfig, 0, 1),
	}

	scanner := bufio.NewScanner(fd)
	ln := 0
	for scanner.Scan() {
		ln++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		directive := strings.Fields(line)[0]
		handler, ok := parseCommands[directive]
		if !ok {
			return nil, newErrString(ln, "unrecognized directive %s", directive)
		}
		if err := handler(ln, line, config); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}

	if err := validate(config); err != nil {
		return nil, err
	}
	return config, nil
}
