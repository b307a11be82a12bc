// Copyright 2022-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package profiler

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// FileStore persists an already-encoded report to disk. The write goes to a
// temp file in the same directory followed by an atomic rename, retried
// with backoff on transient rename failures (EBUSY/EXDEV on some
// filesystems under concurrent readers).
type FileStore struct {
	logger log.Logger
	dir    string
}

// NewFileStore creates a FileStore rooted at dirPath.
func NewFileStore(logger log.Logger, dirPath string) *FileStore {
	return &FileStore{logger: logger, dir: dirPath}
}

// Store writes b to a file named name under the store's directory.
func (fs *FileStore) Store(name string, b []byte) error {
	if err := os.MkdirAll(fs.dir, 0o755); err != nil {
		return fmt.Errorf("could not use report dir %s: %w", fs.dir, err)
	}

	final := filepath.Join(fs.dir, name)
	tmp := final + fmt.Sprintf(".%d.tmp", time.Now().UnixNano())

	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("writing temp report file: %w", err)
	}

	level.Debug(fs.logger).Log("msg", "report written", "bytes", humanize.Bytes(uint64(len(b))), "path", final)

	op := func() error {
		return os.Rename(tmp, final)
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	if err := backoff.Retry(op, bo); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming report into place: %w", err)
	}

	return nil
}
