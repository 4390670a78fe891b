package cli

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/delivery"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/usage"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

var cliNow = func() time.Time { return time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC) }

func TestRunArriveBy_Text(t *testing.T) {
	var out bytes.Buffer
	err := runArriveBy(&out, &RootOptions{Format: "text"}, &arriveByOptions{
		target: "2026-04-20",
		class:  "standard",
		now:    cliNow,
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "send on 2026-04-08 (standard, domestic, 8 transit + 4 buffer days)")
}

func TestRunArriveBy_JSONTooLate(t *testing.T) {
	var out bytes.Buffer
	err := runArriveBy(&out, &RootOptions{Format: "json"}, &arriveByOptions{
		target:  "2026-03-05",
		class:   "first_class",
		country: "DE",
		now:     cliNow,
	})
	require.NoError(t, err)

	var res map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, true, res["is_too_late"])
	assert.Equal(t, "europe", res["region"])
	assert.Equal(t, true, res["international"])
}

func TestRunArriveBy_InvalidInput(t *testing.T) {
	opts := &RootOptions{Format: "text"}
	assert.Error(t, runArriveBy(&bytes.Buffer{}, opts, &arriveByOptions{target: "soon", class: "first_class", now: cliNow}))
	assert.Error(t, runArriveBy(&bytes.Buffer{}, opts, &arriveByOptions{target: "2026-04-20", class: "overnight", now: cliNow}))
}

func TestRootCommand_Validation(t *testing.T) {
	_, err := execute(t, "--format", "yaml", "arrive-by", "--target", "2030-01-01")
	assert.Error(t, err)

	_, err = execute(t, "arrive-by")
	assert.Error(t, err, "target is required")

	_, err = execute(t, "sweep", "compaction")
	assert.Error(t, err)

	_, err = execute(t, "sweep")
	assert.Error(t, err)
}

func TestRootCommand_ArriveBy(t *testing.T) {
	out, err := execute(t, "arrive-by", "--target", "2099-01-01", "--class", "standard")
	require.NoError(t, err)
	assert.Contains(t, out, "send on 2098-12-20")
}

func TestPrintSweep(t *testing.T) {
	var out bytes.Buffer
	printSweep(&out, "deliveries", delivery.Result{Scanned: 3, Reenqueued: 2, Skipped: 1})
	assert.Equal(t, "deliveries: scanned=3 reenqueued=2 skipped=1 errored=0 failed=0 rate=0.000%\n", out.String())

	out.Reset()
	printSweep(&out, "rollover", usage.Result{Processed: 2, Succeeded: 2, Granted: 1, DurationMs: 12})
	assert.Equal(t, "rollover: processed=2 succeeded=2 errored=0 granted=1 duplicates=0 duration=12ms\n", out.String())
}
