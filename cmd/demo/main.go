package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ChuLiYu/lease-recovery/internal/scenario"
)

const (
	leaseDuration = 1 * time.Second
	workDuration  = 2 * time.Second
)

func main() {
	mode := "scenarios"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}

	switch mode {
	case "scenarios":
		runScenarios()
	case "recover":
		runRecovery()
	default:
		fmt.Println("Usage: go run cmd/demo/main.go [scenarios|recover]")
		os.Exit(1)
	}
}

// runScenarios 執行三個參考情境：無保護基準、冪等提交、未過期租約
func runScenarios() {
	fmt.Printf("Lease %s, first worker busy for %s (virtual time)\n\n", leaseDuration, workDuration)

	runs := []scenario.Named{
		scenario.RunNamed("known-broken baseline", func() (scenario.Result, error) {
			return scenario.RunKnownBrokenBaseline(leaseDuration, workDuration)
		}),
		scenario.RunNamed("idempotent commit", func() (scenario.Result, error) {
			return scenario.RunGuarded(leaseDuration, workDuration)
		}),
		scenario.RunNamed("lease outlives work", func() (scenario.Result, error) {
			return scenario.RunKnownBrokenBaseline(workDuration+leaseDuration, workDuration)
		}),
	}

	for _, run := range runs {
		if run.Err != nil {
			log.Fatalf("Scenario %q failed: %v", run.Name, run.Err)
		}
		res := run.Result
		mark := "✓"
		if res.EffectsCount > 1 {
			mark = "⚠️ "
		}
		fmt.Printf("%s %-24s job=%s effects=%d committed=%s outcomes=%v\n",
			mark, run.Name, res.JobID, res.EffectsCount, res.CommittedExecID, res.Outcomes)
	}

	fmt.Println("\n💡 Lease expiry alone duplicates the effect; the commit boundary keeps it at one.")
}

// runRecovery 提交後崩潰，再由 Reconcile 收尾
func runRecovery() {
	res, err := scenario.RunCrashRecovery(leaseDuration)
	if err != nil {
		log.Fatalf("Recovery scenario failed: %v", err)
	}

	fmt.Printf("Worker crashed after commit: %s\n", res.ExecID)
	fmt.Printf("📊 After reconcile:\n")
	fmt.Printf("  Finalized: %v\n", res.Reconcile.Finalized)
	fmt.Printf("  Exec:      %s\n", res.Status)
	fmt.Printf("  Job:       %s\n", res.JobState)
	fmt.Printf("  Effects:   %d\n", res.EffectsCount)
}
