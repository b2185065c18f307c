package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpand_BracesAndLegacy(t *testing.T) {
	tpl := `WinActivate("ahk_pid ${PROCESS_ID}")
Send("connect process.env.SERVER_IP{Enter}")
; untouched: ${MISSING}`
	out := Expand(tpl, Vars("PROCESS_ID", 4242, "SERVER_IP", "10.0.0.5:30120"))
	assert.Contains(t, out, `ahk_pid 4242`)
	assert.Contains(t, out, `connect 10.0.0.5:30120{Enter}`)
	assert.Contains(t, out, `${MISSING}`)
}

func TestExpand_LongestNameWins(t *testing.T) {
	out := Expand("process.env.PROCESS_NAME / process.env.PROCESS_ID",
		Vars("PROCESS_ID", 7, "PROCESS_NAME", "FiveM_b2699_GTAProcess.exe"))
	assert.Equal(t, "FiveM_b2699_GTAProcess.exe / 7", out)
}

func TestExpand_ValuesNotReexpanded(t *testing.T) {
	out := Expand("${A}", Var{"A": "${B}", "B": "x"})
	assert.Equal(t, "${B}", out)
}

func TestVars_SkipsMalformed(t *testing.T) {
	v := Vars("A", 1, 2, "x", "", "y", "B")
	assert.Equal(t, Var{"A": "1"}, v)
}

func TestMerge_PrecedenceAndExpansion(t *testing.T) {
	e := New().WithSet("BASE", "root").WithSet("MODE", "global")
	e.env = Var{"PATH": "/bin", "MODE": "os"}
	out := e.Merge([]string{"MODE=slot", "HOME=${BASE}/home", "=ignored"})
	assert.Contains(t, out, "MODE=slot")
	assert.Contains(t, out, "HOME=root/home")
	assert.Contains(t, out, "PATH=/bin")
	for _, kv := range out {
		assert.NotEqual(t, byte('='), kv[0])
	}
}
