// Package validator 对中继命令做无状态校验：目标地址类别、HTTP 方法与序列化大小。
//
// 这里是防止中继被滥用为公网开放代理的边界：只允许访问回环地址与私有网段。
package validator

import (
	"net"
	"net/url"
	"strings"

	"github.com/lk2023060901/danmu-garden-relay/internal/relay/protocol"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/merr"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/typeutil"
)

// MaxCommandSize 为序列化后中继命令允许的最大字节数（64 KiB）。
const MaxCommandSize = 64 * 1024

var allowedMethods = typeutil.NewSet("GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS")

var privateNets = mustParseCIDRs("10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16")

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}

// IsRelayTarget 判断 rawURL 是否为允许的中继目标。
//
// 要求：
//   - scheme 必须为 http（本地中继场景不使用 https）；
//   - host 必须为 localhost、127.0.0.1、::1，或位于 10/8、172.16/12、192.168/16 私有网段的 IPv4 地址；
//   - 除 localhost 外不接受任何域名，不做 DNS 解析。
func IsRelayTarget(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if !strings.EqualFold(u.Scheme, "http") {
		return false
	}

	host := strings.ToLower(u.Hostname())
	switch host {
	case "":
		return false
	case "localhost", "127.0.0.1", "::1":
		return true
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return false
	}
	for _, n := range privateNets {
		if n.Contains(ip4) {
			return true
		}
	}
	return false
}

// IsAllowedMethod 判断 method 是否在允许的 HTTP 方法集合内，大小写不敏感。
func IsAllowedMethod(method string) bool {
	return allowedMethods.Contain(strings.ToUpper(method))
}

// SizeWithinLimit 判断序列化后的命令是否不超过 MaxCommandSize。
func SizeWithinLimit(serialized []byte) bool {
	return len(serialized) <= MaxCommandSize
}

// Validate 依次校验必填字段、目标地址、方法与大小，返回第一个失败原因。
//
// 返回的错误均为 merr.ErrValidation。
func Validate(cmd *protocol.Command) error {
	if cmd == nil {
		return merr.WrapErrValidation("command is nil")
	}
	switch {
	case cmd.RequestID == "":
		return merr.WrapErrValidation("missing required field", merr.Value("field", "requestId"))
	case cmd.Method == "":
		return merr.WrapErrValidation("missing required field", merr.Value("field", "method"))
	case cmd.URL == "":
		return merr.WrapErrValidation("missing required field", merr.Value("field", "url"))
	}

	if !IsRelayTarget(cmd.URL) {
		return merr.WrapErrValidation("target must be a loopback or private network http address", merr.Value("url", cmd.URL))
	}
	if !IsAllowedMethod(cmd.Method) {
		return merr.WrapErrValidation("method not allowed", merr.Value("method", cmd.Method))
	}

	serialized, err := protocol.MarshalCommand(cmd)
	if err != nil {
		return merr.WrapErrValidation("command is not serializable: " + err.Error())
	}
	if !SizeWithinLimit(serialized) {
		return merr.WrapErrValidation("command too large", merr.Value("size", len(serialized)), merr.Value("limit", MaxCommandSize))
	}
	return nil
}
