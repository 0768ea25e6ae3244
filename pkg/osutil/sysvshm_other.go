// Copyright 2024 fuzzbee project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build !linux

package osutil

import "fmt"

func CreateSysvShm(size int) (int, []byte, error) {
	return 0, nil, fmt.Errorf("sysv shared memory is not supported on this OS")
}

func AttachSysvShm(id int) ([]byte, error) {
	return nil, fmt.Errorf("sysv shared memory is not supported on this OS")
}

func DetachSysvShm(mem []byte) error {
	return fmt.Errorf("sysv shared memory is not supported on this OS")
}

func RemoveSysvShm(id int) error {
	return fmt.Errorf("sysv shared memory is not supported on this OS")
}
