// Licensed under the MIT License. See LICENSE file in the project root for details.

package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"

	core "github.com/kianostad/crstats/internal/core"
	"github.com/kianostad/crstats/internal/heap/synthetic"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func runScript(t *testing.T, script string) string {
	t.Helper()
	h := synthetic.NewHeap(heapBase, 1<<20)
	engine := core.New(nil, h)
	engine.Initialize()
	defer engine.Close()

	var out bytes.Buffer
	NewREPL(engine, h, &out).Run(context.Background(), strings.NewReader(script), false)
	return out.String()
}

func TestREPLSession(t *testing.T) {
	out := runScript(t, strings.Join([]string{
		"class app/Node 2",
		"class java/lang/Object 1",
		"array [Lapp/Node; app/Node",
		"mark young 1 app/Node 64 null",
		"mark young 1 [Lapp/Node; -16 null 0x1000",
		"eval young 1",
		"quit",
		"eval young 1",
	}, "\n"))

	assert.Contains(t, out, "app/Node: likely (Compressible reference fields)")
	assert.Contains(t, out, "java/lang/Object: never (Internal Klass)")
	assert.Contains(t, out, "[Lapp/Node;: evaluate (Reference array)")
	assert.Contains(t, out, "marked app/Node at 0x100000")
	assert.Contains(t, out, "Young seq 1: 2 classes, 2 instances")
	assert.Contains(t, out, "app/Node slot 0: 1 bytes")
	assert.Contains(t, out, "Goodbye!")
	assert.Equal(t, 1, strings.Count(out, "Young seq 1"))
}

func TestREPLErrors(t *testing.T) {
	out := runScript(t, strings.Join([]string{
		"frobnicate",
		"class app/Node",
		"mark young 1 app/Missing",
		"mark middle 1 app/Node",
		"class app/Node 1",
		"mark young 1 app/Node 8 8",
		"unload app/Node",
		"class app/Other 1",
		"eval young x",
	}, "\n"))

	assert.Contains(t, out, "Error: unknown command: frobnicate")
	assert.Contains(t, out, "Error: usage: class <name> <refs>")
	assert.Contains(t, out, "Error: unknown class app/Missing")
	assert.Contains(t, out, "Error: unknown generation \"middle\"")
	assert.Contains(t, out, "Error: app/Node takes 1 references, got 2")
	assert.Contains(t, out, "unloaded app/Node: true")
	assert.Contains(t, out, "Error: invalid seq \"x\"")
}

func TestREPLJSONAndStats(t *testing.T) {
	out := runScript(t, "class app/Node 1\nmark old 3 app/Node 32\njson old 3\nstats\n")

	assert.Contains(t, out, "\"generation\": \"Old\"")
	assert.Contains(t, out, "\"generations\"")
}
