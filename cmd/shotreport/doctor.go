package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/shotreport/internal/config"
	"github.com/basket/shotreport/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string, out io.Writer) int {
	jsonOutput := false
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			jsonOutput = true
		default:
			fmt.Fprintln(os.Stderr, "usage: shotreport doctor [-json]")
			return 2
		}
	}

	cfg, err := config.Load()
	var diag doctor.Diagnosis
	if err != nil {
		diag = doctor.Run(ctx, nil, Version)
		diag.Results[0].Detail = err.Error()
	} else {
		diag = doctor.Run(ctx, &cfg, Version)
	}

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
	} else {
		fmt.Fprintf(out, "shotreport doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
		fmt.Fprintf(out, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
		fmt.Fprintln(out, "---")
		for _, res := range diag.Results {
			icon := "✅"
			switch res.Status {
			case doctor.StatusFail:
				icon = "❌"
			case doctor.StatusWarn:
				icon = "⚠️ "
			case doctor.StatusSkip:
				icon = "⏩"
			}
			fmt.Fprintf(out, "%s %-13s: %s\n", icon, res.Name, res.Message)
			if res.Detail != "" {
				fmt.Fprintf(out, "    %s\n", res.Detail)
			}
		}
	}

	if diag.Failed() {
		return 1
	}
	return 0
}
