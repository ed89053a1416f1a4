package sftp

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	sshfx "github.com/paras-lalchandani/sftptogo/encoding/ssh/filexfer"
)

// stamp formats the month and day the way ls does, in local time.
func stamp(t time.Time) string {
	t = t.Local()
	return fmt.Sprintf("%s %2s", t.Format("Jan"), t.Format("2"))
}

func TestFormatLongname(t *testing.T) {
	now := time.Date(2026, time.October, 18, 12, 0, 0, 0, time.UTC)

	recent := now.Add(-48 * time.Hour)
	old := now.AddDate(-2, 0, 0)

	tests := []struct {
		name  string
		attrs sshfx.Attributes
		want  string
	}{
		{
			name: "recent.txt",
			attrs: sshfx.Attributes{
				Flags:       sshfx.AttrSize | sshfx.AttrUIDGID | sshfx.AttrPermissions | sshfx.AttrACModTime,
				Size:        42,
				UID:         1000,
				GID:         100,
				Permissions: sshfx.ModeRegular | 0o640,
				MTime:       uint32(recent.Unix()),
			},
			want: fmt.Sprintf("-rw-r-----    1 1000     100      %8d %s %5s recent.txt", 42, stamp(recent), recent.Local().Format("15:04")),
		},
		{
			name: "archive",
			attrs: sshfx.Attributes{
				Flags:       sshfx.AttrSize | sshfx.AttrPermissions | sshfx.AttrACModTime,
				Size:        4096,
				Permissions: sshfx.ModeDir | 0o755,
				MTime:       uint32(old.Unix()),
			},
			want: fmt.Sprintf("drwxr-xr-x    2 0        0        %8d %s  2024 archive", 4096, stamp(old)),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ent := newDirectoryEntry(tt.name, "", &tt.attrs)

			assert.Equal(t, tt.want, FormatLongname(ent, now))
		})
	}

	assert.Empty(t, FormatLongname(nil, now))
}

func TestLongnameKept(t *testing.T) {
	attrs := sshfx.Attributes{}
	ent := newDirectoryEntry("x", "server provided", &attrs)
	assert.Equal(t, "server provided", ent.Longname)
}
