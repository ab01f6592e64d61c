// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package process provides inter-process synchronization for the daemon.

# ProcessLocker

ProcessLocker keeps two az-ray instances from managing the same resource
group and SOCKS port at once. Two orchestrators on one deployment would
recreate each other's container and fight over the listener. Uses
flock(2) for advisory file locking; the kernel drops the lock when the
holder dies, so a crash never leaves a stale lock behind. The holder's
PID is written into the lock file for the rejection message.

	lock := process.NewProcessLock(process.ProcessLockConfig{
	    LockDir:  s.StateDir,
	    LockName: process.NameFor(s.ResourceGroup, s.SOCKSPort),
	})
	if err := lock.Acquire(); err != nil {
	    return err // *process.ErrLockHeld when another instance runs
	}
	defer lock.Release()

# Thread Safety

ProcessLock is NOT safe for concurrent use from multiple goroutines.

# Limitations

  - Advisory lock only: other processes can ignore it
  - NFS and some network filesystems don't support flock properly
*/
package process
