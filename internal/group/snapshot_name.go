package group

import "strconv"

// Snapshot directories are named by their backup-time (unix seconds,
// decimal). parseSnapshotName reports whether name is a valid one.
func parseSnapshotName(name string) (int64, bool) {
	t, err := strconv.ParseInt(name, 10, 64)
	if err != nil || t < 0 {
		return 0, false
	}
	return t, true
}

// SnapshotDirName formats a backup-time as its directory name.
func SnapshotDirName(backupTime int64) string {
	return strconv.FormatInt(backupTime, 10)
}
