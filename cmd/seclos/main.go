// Copyright 2024 The Seclos Authors.
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

// Binary seclos is the entrypoint of the protected runtime: it boots an
// image from its manifest and drives the call boundary from the host side.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"

	"seclos.dev/seclos/pkg/log"
)

var (
	debug   = flag.Bool("debug", false, "enable debug logging")
	logJSON = flag.Bool("log-json", false, "emit logs as json")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(Boot), "")
	subcommands.Register(new(RunTest), "")
	subcommands.Register(new(Version), "")

	flag.Parse()

	if *debug {
		log.SetLevel(log.Debug)
	}
	if *logJSON {
		log.SetTarget(log.JSONEmitter{Writer: &log.Writer{Next: os.Stderr}})
	}

	os.Exit(int(subcommands.Execute(context.Background())))
}
