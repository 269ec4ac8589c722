// Copyright The Memtrack Authors. All Rights Reserved.
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
	"fmt"
	"os"

	"google.golang.org/grpc/grpclog"
)

// SetGrpcLogger redirects the gRPC runtime to log through the named
// logger, optionally limiting the rate of emitted messages.
func SetGrpcLogger(source string, rate *Rate) {
	var l Logger

	l = log.get(source)
	if rate != nil {
		l = RateLimit(l, *rate)
	}

	grpclog.SetLoggerV2(&grpcLogger{log: l})
}

// grpcLogger adapts a logger to the gRPC LoggerV2 interface.
type grpcLogger struct {
	log Logger
}

var _ grpclog.LoggerV2 = &grpcLogger{}

func (g *grpcLogger) Info(args ...interface{}) {
	g.log.Info("%s", fmt.Sprint(args...))
}

func (g *grpcLogger) Infoln(args ...interface{}) {
	g.log.Info("%s", fmt.Sprint(args...))
}

func (g *grpcLogger) Infof(format string, args ...interface{}) {
	g.log.Info(format, args...)
}

func (g *grpcLogger) Warning(args ...interface{}) {
	g.log.Warn("%s", fmt.Sprint(args...))
}

func (g *grpcLogger) Warningln(args ...interface{}) {
	g.log.Warn("%s", fmt.Sprint(args...))
}

func (g *grpcLogger) Warningf(format string, args ...interface{}) {
	g.log.Warn(format, args...)
}

func (g *grpcLogger) Error(args ...interface{}) {
	g.log.Error("%s", fmt.Sprint(args...))
}

func (g *grpcLogger) Errorln(args ...interface{}) {
	g.log.Error("%s", fmt.Sprint(args...))
}

func (g *grpcLogger) Errorf(format string, args ...interface{}) {
	g.log.Error(format, args...)
}

func (g *grpcLogger) Fatal(args ...interface{}) {
	g.log.Error("%s", fmt.Sprint(args...))
	Flush()
	os.Exit(1)
}

func (g *grpcLogger) Fatalln(args ...interface{}) {
	g.log.Error("%s", fmt.Sprint(args...))
	Flush()
	os.Exit(1)
}

func (g *grpcLogger) Fatalf(format string, args ...interface{}) {
	g.log.Error(format, args...)
	Flush()
	os.Exit(1)
}

func (g *grpcLogger) V(level int) bool {
	return level > 0 || g.log.DebugEnabled()
}
