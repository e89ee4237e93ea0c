// Copyright 2021 FerretDB Inc.
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

// Package version provides information about litequeue version and build configuration.
//
// # Extra files
//
// The following text files may be present in this (`build/version`) directory during building:
//   - version.txt (required) contains the version in a format similar to `git describe` output:
//     `v<major>.<minor>.<patch>`.
//   - commit.txt (optional) contains information about the source git commit.
//   - branch.txt (optional) contains information about the source git branch.
//
// # Debug builds
//
// Builds with the race detector or with the `litequeue_debug` build tag are debug builds.
// They use debug logging level by default, and dump metrics to stderr on exit.
package version

import (
	"embed"
	"fmt"
	"regexp"
	"runtime"
	runtimedebug "runtime/debug"
	"slices"
	"strconv"
	"strings"

	"github.com/FerretDB/litequeue/internal/engine"
)

//go:generate go run ./generate.go

//go:embed *.txt
var gen embed.FS

// Info provides details about the current build.
//
//nolint:vet // for readability
type Info struct {
	Version          string
	Commit           string
	Branch           string
	Dirty            bool
	DebugBuild       bool
	BuildEnvironment map[string]string

	// EngineVersion is the version of the embedded database engine.
	EngineVersion string
}

// info singleton instance set by init().
var info *Info

// unknown is a placeholder for unknown version, commit, and branch values.
const unknown = "unknown"

// semVerTag is a https://semver.org/#is-there-a-suggested-regular-expression-regex-to-check-a-semver-string,
// but with a leading `v` and an optional `git describe` suffix.
var semVerTag = regexp.MustCompile(`^v(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)(-[0-9A-Za-z.-]+)?$`)

// Get returns current build's info.
//
// It returns a shared instance without any synchronization.
func Get() *Info {
	return info
}

// readFiles sets info fields from txt files that are present.
func readFiles() {
	for f, sp := range map[string]*string{
		"version.txt": &info.Version,
		"commit.txt":  &info.Commit,
		"branch.txt":  &info.Branch,
	} {
		b, _ := gen.ReadFile(f)
		if s := strings.TrimSpace(string(b)); s != "" {
			*sp = s
		}
	}
}

// readBuildInfo updates info from the build information embedded in the binary.
func readBuildInfo() {
	buildInfo, ok := runtimedebug.ReadBuildInfo()
	if !ok {
		return
	}

	info.BuildEnvironment["go.version"] = buildInfo.GoVersion

	for _, s := range buildInfo.Settings {
		if s.Value != "" {
			info.BuildEnvironment[s.Key] = s.Value
		}

		switch s.Key {
		case "vcs.revision":
			if info.Commit == unknown {
				info.Commit = s.Value
			}

		case "vcs.modified":
			info.Dirty, _ = strconv.ParseBool(s.Value)

		case "-race":
			if race, _ := strconv.ParseBool(s.Value); race {
				info.DebugBuild = true
			}

		case "-tags":
			if slices.Contains(strings.Split(s.Value, ","), "litequeue_debug") {
				info.DebugBuild = true
			}
		}
	}
}

func init() {
	info = &Info{
		Version: unknown,
		Commit:  unknown,
		Branch:  unknown,
		BuildEnvironment: map[string]string{
			"go.runtime": runtime.Version(),
		},
		EngineVersion: engine.Version(),
	}

	readFiles()
	readBuildInfo()

	if !semVerTag.MatchString(info.Version) {
		msg := fmt.Sprintf("Invalid build/version/version.txt file content %q.\n", info.Version)
		msg += "Please run `go generate ./build/version` or create this file manually\n"
		msg += "with a content similar to the output of `git describe`: `v<major>.<minor>.<patch>`."
		panic(msg)
	}
}
