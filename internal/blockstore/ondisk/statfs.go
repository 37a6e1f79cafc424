package ondisk

import "golang.org/x/sys/unix"

// unixStatfs is the subset of statfs(2) output the block store needs to
// estimate free space.
type unixStatfs struct {
	FreeBytes uint64
}

func statfs(path string, out *unixStatfs) error {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return err
	}
	out.FreeBytes = uint64(st.Bavail) * uint64(st.Bsize)
	return nil
}
