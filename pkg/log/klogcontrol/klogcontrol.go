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

package klogcontrol

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"k8s.io/klog/v2"
)

// Config provides runtime configuration for klog. Every field corresponds
// to a klog command line flag of the same name, with dashes replaced by
// underscores. Nil fields are left at their current value.
type Config struct {
	Add_dir_header    *bool   `json:"add_dir_header,omitempty"`
	Alsologtostderr   *bool   `json:"alsologtostderr,omitempty"`
	Log_backtrace_at  *string `json:"log_backtrace_at,omitempty"`
	Log_dir           *string `json:"log_dir,omitempty"`
	Log_file          *string `json:"log_file,omitempty"`
	Log_file_max_size *uint64 `json:"log_file_max_size,omitempty"`
	Logtostderr       *bool   `json:"logtostderr,omitempty"`
	One_output        *bool   `json:"one_output,omitempty"`
	Skip_headers      *bool   `json:"skip_headers,omitempty"`
	Skip_log_headers  *bool   `json:"skip_log_headers,omitempty"`
	Stderrthreshold   *string `json:"stderrthreshold,omitempty"`
	V                 *int    `json:"v,omitempty"`
	Vmodule           *string `json:"vmodule,omitempty"`
}

// GetByFlag returns the configured value for the given klog flag.
func (c *Config) GetByFlag(name string) (string, bool) {
	if c == nil {
		return "", false
	}

	switch strings.ReplaceAll(name, "-", "_") {
	case "add_dir_header":
		if c.Add_dir_header != nil {
			return strconv.FormatBool(*c.Add_dir_header), true
		}
	case "alsologtostderr":
		if c.Alsologtostderr != nil {
			return strconv.FormatBool(*c.Alsologtostderr), true
		}
	case "log_backtrace_at":
		if c.Log_backtrace_at != nil {
			return *c.Log_backtrace_at, true
		}
	case "log_dir":
		if c.Log_dir != nil {
			return *c.Log_dir, true
		}
	case "log_file":
		if c.Log_file != nil {
			return *c.Log_file, true
		}
	case "log_file_max_size":
		if c.Log_file_max_size != nil {
			return strconv.FormatUint(*c.Log_file_max_size, 10), true
		}
	case "logtostderr":
		if c.Logtostderr != nil {
			return strconv.FormatBool(*c.Logtostderr), true
		}
	case "one_output":
		if c.One_output != nil {
			return strconv.FormatBool(*c.One_output), true
		}
	case "skip_headers":
		if c.Skip_headers != nil {
			return strconv.FormatBool(*c.Skip_headers), true
		}
	case "skip_log_headers":
		if c.Skip_log_headers != nil {
			return strconv.FormatBool(*c.Skip_log_headers), true
		}
	case "stderrthreshold":
		if c.Stderrthreshold != nil {
			return *c.Stderrthreshold, true
		}
	case "v":
		if c.V != nil {
			return strconv.Itoa(*c.V), true
		}
	case "vmodule":
		if c.Vmodule != nil {
			return *c.Vmodule, true
		}
	}

	return "", false
}

// Control implements runtime control for klog.
type Control struct {
	*flag.FlagSet
}

// Our singleton klog Control instance.
var ctl = &Control{FlagSet: flag.NewFlagSet("klog flags", flag.ContinueOnError)}

// Get returns our singleton klog Control instance.
func Get() *Control {
	return ctl
}

// Configure klog according to the given configuration.
func (c *Control) Configure(cfg *Config) error {
	var errs []error
	c.VisitAll(func(f *flag.Flag) {
		if value, ok := cfg.GetByFlag(f.Name); ok {
			if err := ctl.Set(f.Name, value); err != nil {
				errs = append(errs, klogError("failed to set klog flag %s to %s: %w",
					f.Name, value, err))
			}
		}
	})
	return errors.Join(errs...)
}

// getEnvForFlag returns a default value for the flag from the environment.
func getEnvForFlag(flagName string) (string, string, bool) {
	name := "LOGGER_" + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
	if value, ok := os.LookupEnv(name); ok {
		return name, value, true
	}
	return "", "", false
}

// klogError returns a package-specific formatted error.
func klogError(format string, args ...interface{}) error {
	return fmt.Errorf("klogcontrol: "+format, args...)
}

// init discovers klog flags and sets up dynamic control for them.
func init() {
	ctl.SetOutput(io.Discard)
	klog.InitFlags(ctl.FlagSet)
	ctl.VisitAll(func(f *flag.Flag) {
		if name, value, ok := getEnvForFlag(f.Name); ok {
			if err := ctl.Set(f.Name, value); err != nil {
				klog.Errorf("klog flag %q: invalid environment default %s=%q: %v",
					f.Name, name, value, err)
			}
		} else {
			// Unless explicitly configured in the environment, by default
			// turn off headers (date, timestamp, etc.) when we're logging
			// to a journald stream.
			if f.Name == "skip_headers" {
				if value, _ := os.LookupEnv("JOURNAL_STREAM"); value != "" {
					klog.Infof("Logging to journald, forcing headers off...")
					ctl.Set(f.Name, "true")
				}
			}
		}
	})
}
