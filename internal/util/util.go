package util

import (
	"fmt"
	"io"
	"net"
	"reflect"
	"strings"
)

// GetRemoteIPv4Address strips the port and any IPv6 brackets from an address.
func GetRemoteIPv4Address(url string) string {
	res := strings.ReplaceAll(url, "[", "")
	res = strings.ReplaceAll(res, "]", "")
	n := strings.LastIndex(res, ":")
	if n < 0 {
		return res
	}

	return fmt.Sprintf("%s", net.ParseIP(res[:n]))
}

func GetConnectionKey(s1, s2 string) string {
	return fmt.Sprintf("%s%s", s1, s2)
}

// CloseQuiet closes c and drops the error, for teardown paths that may run twice.
func CloseQuiet(c io.Closer) {
	if c == nil {
		return
	}
	if v := reflect.ValueOf(c); v.Kind() == reflect.Ptr && v.IsNil() {
		return
	}
	_ = c.Close()
}
