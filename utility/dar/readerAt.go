// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package dar

import "golang.org/x/exp/mmap"

// OpenFile memory maps the archive at path and opens it. The mapping is
// released by Archive.Close.
func OpenFile(path string, opts ...ReaderOption) (*Archive, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	ar, err := Open(r, int64(r.Len()), opts...)
	if err != nil {
		r.Close()
		return nil, err
	}
	ar.closer = r
	return ar, nil
}
