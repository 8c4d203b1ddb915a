package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/mpapenbr/livetiming-go/log"
)

var ErrUnsupportedScheme = errors.New("unsupported scheme")

// path of the live feed endpoint relative to the source base url
const feedPath = "/ws"

// WaitForTCP tries to connect to addr until it succeeds, the timeout is
// reached or the context is done.
func WaitForTCP(ctx context.Context, addr string, timeout time.Duration) error {
	timeoutReached := time.Now().Add(timeout)
	start := time.Now()
	log.Debug("wait for tcp connection",
		log.String("addr", addr),
		log.String("timeout", timeout.String()))
	var d net.Dialer
	for time.Now().Before(timeoutReached) {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()

			log.Debug("tcp connection successful",
				log.String("addr", addr),
				log.String("duration", time.Since(start).String()))
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return fmt.Errorf("%s could not be reached after %v", addr, timeout)
}

// WebsocketURL derives the feed endpoint from the base url of the source.
// http is mapped to ws, https to wss and the feed path is appended.
// ws and wss urls are returned unchanged.
func WebsocketURL(base string) (string, error) {
	param := resolveRegex(
		"^(?P<proto>[a-zA-Z]+)://(?P<addr>[^/?#]+)(?P<path>[^?#]*)", base)
	if len(param) == 0 || param["addr"] == "" {
		return "", fmt.Errorf("invalid source url %q", base)
	}
	var proto string
	switch strings.ToLower(param["proto"]) {
	case "ws", "wss":
		return base, nil
	case "http":
		proto = "ws"
	case "https":
		proto = "wss"
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedScheme, param["proto"])
	}
	path := strings.TrimSuffix(param["path"], "/")
	return fmt.Sprintf("%s://%s%s%s", proto, param["addr"], path, feedPath), nil
}

func ExtractFromWebsocketURL(url string) (addr, proto string) {
	param := resolveRegex(
		"^(?P<proto>ws|wss)://(?P<addr>(?P<host>.*?)(:(?P<port>\\d+))?)/.*", url)
	if len(param) == 0 {
		return "", ""
	}
	if port, ok := param["port"]; ok && port != "" {
		// if port is found, the addr contains our wanted value
		return param["addr"], param["proto"]
	} else if proto := param["proto"]; proto == "wss" {
		return fmt.Sprintf("%s:443", param["addr"]), proto
	} else {
		return fmt.Sprintf("%s:80", param["addr"]), proto
	}
}

func resolveRegex(regEx, url string) (paramsMap map[string]string) {
	compRegEx := regexp.MustCompile(regEx)
	match := compRegEx.FindStringSubmatch(url)
	if match == nil {
		return map[string]string{}
	}

	paramsMap = make(map[string]string)
	for i, name := range compRegEx.SubexpNames() {
		if i > 0 && i <= len(match) {
			paramsMap[name] = match[i]
		}
	}
	return paramsMap
}
