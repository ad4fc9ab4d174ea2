package main

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidityManager/internal/model"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append(args, "--env-file=", "--log-level=error"))
	err := root.Execute()
	return out.String(), err
}

func TestSimulateScenario(t *testing.T) {
	out, err := execute(t, "simulate")
	require.NoError(t, err, out)

	var report simulationReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Len(t, report.Steps, 3)
	assert.Equal(t, "mint", report.Steps[0].Name)
	assert.Equal(t, "increase", report.Steps[1].Name)
	assert.Equal(t, "decrease", report.Steps[2].Name)
	assert.True(t, strings.HasSuffix(report.Steps[0].Result.Amount0, " DAI"))

	require.Len(t, report.Events, 3)
	assert.Equal(t, model.EventPositionMinted, report.Events[0].Name)
	assert.Equal(t, model.EventLiquidityIncreased, report.Events[1].Name)
	assert.Equal(t, model.EventLiquidityDecreasedByHalf, report.Events[2].Name)
	assert.Equal(t, report.Steps[2].Result.Position, report.Deposit.Liquidity.String())
}

func TestOperationsNeedChainBackend(t *testing.T) {
	_, err := execute(t, "decrease", "--id=1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--backend=chain")
}

func TestShowReadsStateFile(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "show",
		"--account=0xC000000000000000000000000000000000000C00",
		"--state-file="+dir+"/state.json",
	)
	require.NoError(t, err, out)

	var view ledgerView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Empty(t, view.Positions)
	assert.Equal(t, common.HexToAddress("0xC000000000000000000000000000000000000C00"), view.Account)
}

func TestAuditNeedsRPC(t *testing.T) {
	_, err := execute(t, "audit", "--account=0xC000000000000000000000000000000000000C00")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rpc url is required")
}
