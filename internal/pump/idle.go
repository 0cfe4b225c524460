// Copyright 2023 The Cockroach Authors
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
//
// SPDX-License-Identifier: Apache-2.0

package pump

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// FreeSpaceChecker reports whether every configured data directory
// still has at least its configured minimum free space (§4.8,
// grounded on notifier.c's check_free_space). A threshold of zero or
// less disables the check for that directory, matching
// "listener/freespace ... ≤0 disables" (§6).
type FreeSpaceChecker struct {
	// Dirs maps a data directory to its minimum required free space in
	// MiB. A non-positive value disables the check for that directory.
	Dirs map[string]int64
}

// Check returns a resource fault (§7.5) for the first directory found
// under its threshold. The daemon must treat any error from this as
// fatal: check_free_space aborts the process outright rather than
// risk a partial write.
func (f FreeSpaceChecker) Check() error {
	for dir, minMiB := range f.Dirs {
		if minMiB <= 0 {
			continue
		}
		freeMiB, err := freeSpaceMiB(dir)
		if err != nil {
			log.WithError(err).WithField("dir", dir).Warn("pump: could not stat directory for free space check, skipping")
			continue
		}
		if freeMiB < minMiB {
			return errors.Errorf("filesystem %q full: %d MiB free, need %d", dir, freeMiB, minMiB)
		}
	}
	return nil
}

func freeSpaceMiB(dir string) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, errors.Wrapf(err, "statfs %q", dir)
	}
	return int64(stat.Bavail) * int64(stat.Bsize) >> 20, nil
}

// checkFreeSpace runs the configured FreeSpaceChecker, if any, on
// every S0 cycle (§4.8 "on every iteration").
func (p *Pump) checkFreeSpace() error {
	return p.FreeSpace.Check()
}
