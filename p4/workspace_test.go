package p4

import (
	"testing"

	"github.com/rcowham/p4transfer/config"
	"github.com/rcowham/p4transfer/model"
	"github.com/stretchr/testify/assert"
)

func TestLocalPathMapsView(t *testing.T) {
	w := NewWorkspace("/p4/transfer", []config.View{
		{Src: "//depot/main/...", Targ: "import/main/..."},
	}, model.CasePolicy{CaseSensitive: true}, false)
	assert.Equal(t, "/p4/transfer/import/main/file.txt", w.LocalPath("//depot/main/file.txt"))
}

func TestLocalPathUnmapped(t *testing.T) {
	w := NewWorkspace("/p4/transfer", []config.View{
		{Src: "//depot/main/...", Targ: "import/main/..."},
	}, model.CasePolicy{CaseSensitive: true}, false)
	assert.Equal(t, "", w.LocalPath("//depot/other/file.txt"))
}

func TestLocalPathExclusion(t *testing.T) {
	w := NewWorkspace("/p4/transfer", []config.View{
		{Src: "//depot/main/...", Targ: "import/main/..."},
		{Src: "//depot/main/secrets/...", Targ: "import/main/secrets/...", Exclude: true},
	}, model.CasePolicy{CaseSensitive: true}, false)
	assert.Equal(t, "/p4/transfer/import/main/file.txt", w.LocalPath("//depot/main/file.txt"))
	assert.Equal(t, "", w.LocalPath("//depot/main/secrets/key.pem"))
}

func TestDummyViewSuppressesRealMapping(t *testing.T) {
	w := NewWorkspace("/p4/transfer", []config.View{{Src: "//depot/main/...", Targ: "import/main/..."}}, model.CasePolicy{CaseSensitive: true}, true)
	assert.Equal(t, "", w.LocalPath("//depot/main/file.txt"))
}

func TestHasLocalFileTracksMarks(t *testing.T) {
	w := NewWorkspace("/p4/transfer", []config.View{{Src: "//depot/main/...", Targ: "import/main/..."}}, model.CasePolicy{CaseSensitive: true}, false)
	local := w.LocalPath("//depot/main/file.txt")
	assert.False(t, w.HasLocalFile(local))
	w.MarkPresent(local)
	assert.True(t, w.HasLocalFile(local))
	w.MarkAbsent(local)
	assert.False(t, w.HasLocalFile(local))
}
