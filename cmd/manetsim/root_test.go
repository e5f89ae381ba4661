package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(args ...string) (string, error) {
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// exitRecord keeps what would have happened at process exit
type exitRecord struct {
	aborts   []string
	handlers []func()
}

func recordExit(t *testing.T) *exitRecord {
	rec := new(exitRecord)
	savedAbort, savedOnExit := abort, onExit
	abort = func(msg string) { rec.aborts = append(rec.aborts, msg) }
	onExit = func(handler func()) { rec.handlers = append(rec.handlers, handler) }
	t.Cleanup(func() {
		abort, onExit = savedAbort, savedOnExit
	})
	return rec
}

func TestOlsrScenarioRuns(t *testing.T) {
	rec := recordExit(t)
	out, err := execute("olsr", "--size", "2", "--time", "3", "--expName", "pair", "--log-level", "warn")
	require.NoError(t, err)
	assert.Contains(t, out, "Creating 2 nodes\n")
	assert.Contains(t, out, "Starting simulation for 3 s ...\n")
	assert.Contains(t, out, "Experiment pair, run 1, seed 12345\n")
	assert.Contains(t, out, "olsr control overhead")
	assert.Empty(t, rec.aborts)
}

func TestOutputsClosedOnceAtExit(t *testing.T) {
	rec := recordExit(t)
	traceOut := filepath.Join(t.TempDir(), "trace.yaml")
	_, err := execute("dsdv", "--size", "2", "--time", "2", "--traceOut", traceOut, "--log-level", "warn")
	require.NoError(t, err)

	require.Len(t, rec.handlers, 1)
	_, err = os.Stat(traceOut)
	assert.True(t, os.IsNotExist(err), "the trace is written when the process exits")

	rec.handlers[0]()
	_, err = os.Stat(traceOut)
	assert.NoError(t, err)
}

func TestDsdvScenarioFlags(t *testing.T) {
	cmd := newDsdvCmd()
	for _, name := range []string{"traceFile", "logFile", "pcap", "printRoutes", "size", "time",
		"start", "end", "routesFile", "config", "run"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
	assert.Equal(t, "11", cmd.Flags().Lookup("size").DefValue)
	assert.Equal(t, "25.78", cmd.Flags().Lookup("start").DefValue)
}

func TestBadFlagValueAbortsConfiguration(t *testing.T) {
	rec := recordExit(t)
	_, err := execute("dsdv", "--size", "abc")
	assert.Error(t, err)
	assert.Equal(t, []string{"Configuration failed. Aborted."}, rec.aborts)
	assert.Empty(t, rec.handlers)
}

func TestInvalidOptionsAbortConfiguration(t *testing.T) {
	rec := recordExit(t)
	_, err := execute("olsr", "--size", "0", "--log-level", "warn")
	assert.NoError(t, err)
	assert.Equal(t, []string{"Configuration failed. Aborted."}, rec.aborts)
	assert.Empty(t, rec.handlers)
}

func TestBadLogLevel(t *testing.T) {
	_, err := execute("dsdv", "--log-level", "loud")
	assert.Error(t, err)
}

func TestUnknownSubcommand(t *testing.T) {
	_, err := execute("aodv")
	assert.Error(t, err)
}
