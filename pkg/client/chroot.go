package client

import (
	"fmt"
	"net"
	"strings"

	"github.com/mikekulinski/zkclient/pkg/utils"
)

// DefaultPort is used for servers listed without a port.
const DefaultPort = "2181"

// pathTranslator maps between the caller-visible namespace and the server namespace when the
// client is confined under a chroot. The zero value is the identity mapping.
type pathTranslator struct {
	root string
}

func newPathTranslator(chroot string) (pathTranslator, error) {
	if chroot == "" || chroot == "/" {
		return pathTranslator{}, nil
	}
	if err := utils.ValidatePath(chroot); err != nil {
		return pathTranslator{}, fmt.Errorf("%w: chroot %q: %v", ErrInvalidPath, chroot, err)
	}
	return pathTranslator{root: chroot}, nil
}

// toServer validates a caller path and prefixes it with the chroot.
func (p pathTranslator) toServer(path string) (string, error) {
	if err := utils.ValidatePath(path); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if p.root == "" {
		return path, nil
	}
	if path == "/" {
		return p.root, nil
	}
	return p.root + path, nil
}

// toClient strips the chroot. It reports false for server paths outside the chroot.
func (p pathTranslator) toClient(serverPath string) (string, bool) {
	if p.root == "" {
		return serverPath, true
	}
	if serverPath == p.root {
		return "/", true
	}
	if strings.HasPrefix(serverPath, p.root+"/") {
		return serverPath[len(p.root):], true
	}
	return "", false
}

// ParseConnectString splits a connect string such as "zk1:2181,zk2:2181/app" into the server
// list and the chroot. Servers without a port get DefaultPort.
func ParseConnectString(connectString string) ([]string, string, error) {
	hosts, chroot := connectString, ""
	if i := strings.Index(connectString, "/"); i >= 0 {
		hosts, chroot = connectString[:i], connectString[i:]
		if _, err := newPathTranslator(chroot); err != nil {
			return nil, "", err
		}
		if chroot == "/" {
			chroot = ""
		}
	}

	var servers []string
	for _, host := range strings.Split(hosts, ",") {
		host = strings.TrimSpace(host)
		if host == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(host); err != nil {
			host = net.JoinHostPort(host, DefaultPort)
		}
		servers = append(servers, host)
	}
	if len(servers) == 0 {
		return nil, "", fmt.Errorf("%w: connect string %q has no servers", ErrBadArguments, connectString)
	}
	return servers, chroot, nil
}
