package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/vouchermart/internal/sweeper"
)

type stubJob struct {
	report sweeper.Report
	err    error
}

func (j stubJob) Name() string { return "stub" }

func (j stubJob) Run(ctx context.Context) (sweeper.Report, error) { return j.report, j.err }

func TestRunJob(t *testing.T) {
	var out bytes.Buffer
	err := runJob(context.Background(), &out, stubJob{report: sweeper.Report{Job: "reaper", Scanned: 1, Succeeded: 1}})
	require.NoError(t, err)

	var report sweeper.Report
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, 1, report.Succeeded)

	out.Reset()
	err = runJob(context.Background(), &out, stubJob{report: sweeper.Report{
		Job:      "reconcile",
		Scanned:  1,
		Failures: []sweeper.Failure{{OrderID: 5, Error: "insufficient inventory"}},
	}})
	assert.ErrorIs(t, err, errReportHasFailures)
	assert.Contains(t, out.String(), "insufficient inventory")

	err = runJob(context.Background(), &out, stubJob{err: errors.New("db down")})
	assert.ErrorContains(t, err, "db down")
}

func TestPoolCmd_RejectsBadPlanID(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"pool", "abc"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})

	err := root.Execute()
	assert.ErrorContains(t, err, "invalid plan id")
}

func TestSetup_RequiresDatabase(t *testing.T) {
	t.Setenv("DATABASE_URI", "")
	databaseFlag = ""

	_, err := setup()
	assert.ErrorContains(t, err, "DATABASE_URI")
}
