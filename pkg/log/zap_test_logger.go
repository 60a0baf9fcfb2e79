// Copyright 2021 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"bytes"

	"go.uber.org/zap/zaptest"
)

// testingWriter 将日志转发到 testing.T，便于在 go test -v 中查看。
type testingWriter struct {
	t          zaptest.TestingT
	markFailed bool
}

func newTestingWriter(t zaptest.TestingT) testingWriter {
	return testingWriter{t: t}
}

// WithMarkFailed 返回一个在写入时将测试标记为失败的副本。
func (w testingWriter) WithMarkFailed(v bool) testingWriter {
	w.markFailed = v
	return w
}

func (w testingWriter) Write(p []byte) (int, error) {
	n := len(p)

	// t.Logf 会自动追加换行。
	w.t.Logf("%s", bytes.TrimRight(p, "\n"))
	if w.markFailed {
		w.t.Fail()
	}
	return n, nil
}

func (w testingWriter) Sync() error {
	return nil
}
