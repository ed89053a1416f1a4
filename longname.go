package sftp

import (
	"fmt"
	"io/fs"
	"time"

	sshfx "github.com/paras-lalchandani/sftptogo/encoding/ssh/filexfer"
)

// FormatLongname formats fi in the `ls -l` style of the longname field of an SSH_FXP_NAME entry.
// It is used for entries where the server sent an empty longname.
func FormatLongname(fi fs.FileInfo, now time.Time) string {
	// example from openssh sftp server:
	// crw-rw-rw-    1 root     wheel           0 Jul 31 20:52 ttyvd
	// format:
	// {directory / char device / etc}{rwxrwxrwx}  {number of links} owner group size month day [time (this year) | year (otherwise)] name

	if fi == nil {
		return ""
	}

	var symPerms, uid, gid string

	switch sys := fi.Sys().(type) {
	case *sshfx.Attributes:
		symPerms = sys.Permissions.String()

		sysUID, sysGID := sys.GetUserGroup()
		uid = fmt.Sprint(sysUID)
		gid = fmt.Sprint(sysGID)

	default:
		symPerms = sshfx.FromGoFileMode(fi.Mode()).String()
		uid, gid = "0", "0"
	}

	numLinks := "1"
	if fi.IsDir() {
		numLinks = "2"
	}

	mtime := fi.ModTime()
	month := mtime.Format("Jan")
	day := mtime.Format("2")

	var yearOrTime string
	if mtime.Before(now.AddDate(0, -6, 0)) || mtime.After(now) {
		yearOrTime = mtime.Format("2006")
	} else {
		yearOrTime = mtime.Format("15:04")
	}

	return fmt.Sprintf("%s %4s %-8s %-8s %8d %s %2s %5s %s", symPerms, numLinks, uid, gid, fi.Size(), month, day, yearOrTime, fi.Name())
}
