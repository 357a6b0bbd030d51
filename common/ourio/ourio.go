//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
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
package ourio

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/juju/errors"
)

// WriteFileAtomic writes data to a temporary file next to filename and
// renames it into place, so readers never see a partial file.
func WriteFileAtomic(filename string, data []byte, perm os.FileMode) (err error) {
	f, err := ioutil.TempFile(filepath.Dir(filename), "."+filepath.Base(filename)+".")
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()
	if _, err = f.Write(data); err != nil {
		return errors.Trace(err)
	}
	if err = f.Sync(); err != nil {
		return errors.Trace(err)
	}
	if err = f.Chmod(perm); err != nil {
		return errors.Trace(err)
	}
	if err = f.Close(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(os.Rename(f.Name(), filename))
}

// WriteJSONFileAtomic writes v as indented JSON.
func WriteJSONFileAtomic(filename string, v interface{}, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Trace(err)
	}
	return WriteFileAtomic(filename, append(data, '\n'), perm)
}
