/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package main

import (
	"log/slog"
	"os"

	"acecoredata/internal/crash"
	applog "acecoredata/internal/log"
)

func main() {
	// initialize structured logging using environment defaults; the
	// command re-initializes it once the config file has been read
	applog.Init(applog.FromEnv())
	defer crash.Recover()

	l := applog.WithComponent("cli")
	l.Debug("start", slog.Int("args", len(os.Args)))
	if err := execute(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		os.Exit(1)
	}
}
