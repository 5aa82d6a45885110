package p4

import (
	"testing"

	"github.com/rcowham/p4transfer/model"
	"github.com/stretchr/testify/assert"
)

func TestParseFilelog(t *testing.T) {
	data := `//depot/main/f1
... #2 change 4 edit on 2024/01/02 by bob@ws (text)
... ... edit from //depot/main/f0#1,#1
... #1 change 1 add on 2024/01/01 by bob@ws (text)
`
	entries, err := parseFilelog([]byte(data))
	assert.NoError(t, err)
	assert.Equal(t, 2, len(entries))
	assert.Equal(t, "//depot/main/f1", entries[0].DepotFile)
	assert.Equal(t, 2, entries[0].Rev)
	assert.Equal(t, model.Edit, entries[0].Action)
	assert.Equal(t, 1, len(entries[0].Integrations))
	assert.Equal(t, model.EditFrom, entries[0].Integrations[0].How)
	assert.Equal(t, "//depot/main/f0", entries[0].Integrations[0].FromPath)
}

func TestParseChangeNumbersOldestFirst(t *testing.T) {
	data := "Change 10 on 2024/01/03 by bob@ws 'c3'\nChange 5 on 2024/01/02 by bob@ws 'c2'\nChange 2 on 2024/01/01 by bob@ws 'c1'\n"
	nums, err := parseChangeNumbers([]byte(data))
	assert.NoError(t, err)
	assert.Equal(t, []int{2, 5, 10}, nums)
}

func TestParseSubmittedChange(t *testing.T) {
	n, err := parseSubmittedChange([]byte("Submitting change 42.\nChange 43 submitted.\n"))
	assert.NoError(t, err)
	assert.Equal(t, 43, n)
}

func TestParseCounterValue(t *testing.T) {
	n, err := parseCounterValue([]byte("117\n"))
	assert.NoError(t, err)
	assert.Equal(t, 117, n)
}
