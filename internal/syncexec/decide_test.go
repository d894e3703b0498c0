package syncexec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"notesync/internal/domain"
)

func fi(mtime, size int64) *domain.FileInfo {
	return &domain.FileInfo{Path: "a.md", Mtime: mtime, Size: size, Type: domain.TypeFile}
}

func rec(mtime, size int64) *domain.SyncedFile {
	return &domain.SyncedFile{Mtime: mtime, Size: size, Status: domain.SyncSynced}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name   string
		last   *domain.SyncedFile
		local  *domain.FileInfo
		remote *domain.FileInfo
		skew   int64
		want   Decision
	}{
		{"absent everywhere", nil, nil, nil, 0, Decision{Action: ActionForget}},
		{"forgotten after both deleted", rec(1, 1), nil, nil, 0, Decision{Action: ActionForget}},

		{"new local file", nil, fi(100, 5), nil, 0, Decision{Action: ActionUpload}},
		{"new remote file", nil, nil, fi(100, 5), 0, Decision{Action: ActionDownload}},
		{"first sight, identical", nil, fi(100, 5), fi(100, 5), 0, Decision{Action: ActionRecord}},
		{"first sight, local newer", nil, fi(200, 5), fi(100, 5), 0, Decision{Action: ActionUpload, Conflict: true}},
		{"first sight, remote newer", nil, fi(100, 5), fi(200, 5), 0, Decision{Action: ActionDownload, Conflict: true}},

		{"unchanged", rec(100, 5), fi(100, 5), fi(100, 5), 0, Decision{Action: ActionNone}},
		{"local edit", rec(100, 5), fi(200, 5), fi(100, 5), 0, Decision{Action: ActionUpload}},
		{"local size change only", rec(100, 5), fi(100, 6), fi(100, 5), 0, Decision{Action: ActionUpload}},
		{"remote edit", rec(100, 5), fi(100, 5), fi(200, 9), 0, Decision{Action: ActionDownload}},
		{"local delete", rec(100, 5), nil, fi(100, 5), 0, Decision{Action: ActionDeleteRemote}},
		{"remote delete", rec(100, 5), fi(100, 5), nil, 0, Decision{Action: ActionDeleteLocal}},

		{"both edited, local newer", rec(100, 5), fi(200, 6), fi(150, 7), 0, Decision{Action: ActionUpload, Conflict: true}},
		{"both edited, remote newer", rec(100, 5), fi(120, 6), fi(150, 7), 0, Decision{Action: ActionDownload, Conflict: true}},
		{"both edited, tie goes to remote", rec(100, 5), fi(150, 6), fi(150, 7), 0, Decision{Action: ActionDownload, Conflict: true}},
		{"both edited, skew lifts local", rec(100, 5), fi(140, 6), fi(150, 7), 20, Decision{Action: ActionUpload, Conflict: true}},
		{"both edited, skew sinks local", rec(100, 5), fi(200, 6), fi(150, 7), -60, Decision{Action: ActionDownload, Conflict: true}},
		{"both edited to the same version", rec(100, 5), fi(200, 6), fi(200, 6), 0, Decision{Action: ActionRecord}},
		{"local deleted, remote edited", rec(100, 5), nil, fi(200, 6), 0, Decision{Action: ActionDownload, Conflict: true}},
		{"remote deleted, local edited", rec(100, 5), fi(200, 6), nil, 0, Decision{Action: ActionUpload, Conflict: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.last, tt.local, tt.remote, tt.skew))
		})
	}
}

func TestDecideIsPure(t *testing.T) {
	last, local, remote := rec(100, 5), fi(200, 6), fi(150, 7)
	first := Decide(last, local, remote, 0)
	assert.Equal(t, first, Decide(last, local, remote, 0))
	assert.Equal(t, rec(100, 5), last)
	assert.Equal(t, fi(200, 6), local)
	assert.Equal(t, fi(150, 7), remote)
}
