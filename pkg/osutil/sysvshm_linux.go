// Copyright 2024 fuzzbee project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build linux

package osutil

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// CreateSysvShm creates a new SysV shared memory segment of the given size,
// attaches it and returns the segment id together with the mapping.
// The id is what gets handed to children through the environment.
func CreateSysvShm(size int) (int, []byte, error) {
	id, err := unix.SysvShmGet(unix.IPC_PRIVATE, size, unix.IPC_CREAT|0600)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create sysv shm segment: %w", err)
	}
	mem, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		RemoveSysvShm(id)
		return 0, nil, fmt.Errorf("failed to attach sysv shm segment %v: %w", id, err)
	}
	return id, mem, nil
}

// AttachSysvShm attaches an existing segment created by another process.
func AttachSysvShm(id int) ([]byte, error) {
	mem, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to attach sysv shm segment %v: %w", id, err)
	}
	return mem, nil
}

func DetachSysvShm(mem []byte) error {
	return unix.SysvShmDetach(mem)
}

// RemoveSysvShm marks the segment for destruction once all attachments are gone.
func RemoveSysvShm(id int) error {
	_, err := unix.SysvShmCtl(id, unix.IPC_RMID, nil)
	return err
}
