package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAC_FindAny(t *testing.T) {
	ac := NewAC([]string{"hello", "world", "powershell.exe"})
	hits := ac.FindAny("**HeLLo** not here")
	assert.Contains(t, hits, 0)
	assert.NotContains(t, hits, 1)

	hits = ac.FindAny(`C:\Windows\System32\WindowsPowerShell\v1.0\PowerShell.exe`)
	assert.Contains(t, hits, 2)
}

func TestAC_FindAnyReportsOverlaps(t *testing.T) {
	ac := NewAC([]string{"cmd.exe", "d.ex", "exe"})
	hits := ac.FindAny("cmd.exe")
	assert.Len(t, hits, 3)
}

func TestGateLiterals(t *testing.T) {
	lits, ok := gateLiterals(&Rule{AllOf: []Condition{
		MustCondition("a", OpEq, "ab"),
		MustCondition("b", OpContains, "longer"),
		MustCondition("c", OpRegex, "x+"),
	}})
	assert.True(t, ok)
	assert.Equal(t, []string{"longer"}, lits)

	_, ok = gateLiterals(&Rule{AnyOf: []Condition{
		MustCondition("a", OpEq, "ab"),
		MustCondition("b", OpNe, "x"),
	}})
	assert.False(t, ok)

	_, ok = gateLiterals(&Rule{AllOf: []Condition{MustCondition("a", OpContains, "")}})
	assert.False(t, ok, "empty literal matches everything")
}
