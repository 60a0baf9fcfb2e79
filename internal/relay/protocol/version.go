package protocol

import (
	"github.com/blang/semver/v4"

	"github.com/lk2023060901/danmu-garden-relay/pkg/util/merr"
)

// Version 为当前实现的协议版本，随 ready 事件下发。
const Version = "1.0.0"

// DefaultVersionRange 为默认接受的客户端协议版本范围。
const DefaultVersionRange = ">=1.0.0 <2.0.0"

// VersionGate 判断握手时客户端声明的协议版本是否可接受。
type VersionGate struct {
	expr string
	rng  semver.Range
}

// NewVersionGate 解析版本范围表达式，例如 ">=1.0.0 <2.0.0"。
func NewVersionGate(expr string) (*VersionGate, error) {
	if expr == "" {
		expr = DefaultVersionRange
	}
	rng, err := semver.ParseRange(expr)
	if err != nil {
		return nil, err
	}
	return &VersionGate{expr: expr, rng: rng}, nil
}

// Check 校验客户端版本；未声明版本的客户端（例如旧版浏览器脚本）视为兼容。
func (g *VersionGate) Check(version string) error {
	if version == "" {
		return nil
	}
	v, err := semver.ParseTolerant(version)
	if err != nil {
		return merr.WrapErrProtocolVersion(version, g.expr)
	}
	if !g.rng(v) {
		return merr.WrapErrProtocolVersion(version, g.expr)
	}
	return nil
}
