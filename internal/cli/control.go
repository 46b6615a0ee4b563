package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/SearocIsMe/elderly-companion/internal/platform/config"
	"github.com/SearocIsMe/elderly-companion/internal/policy"
)

// controlBase resolves the daemon's control address.
func controlBase() string {
	addr := config.FromEnv().Server.Addr
	if addr[0] == ':' {
		return "http://localhost" + addr
	}
	return "http://" + addr
}

func controlClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

var reloadPolicyCmd = &cobra.Command{
	Use:   "reload-policy",
	Short: "Reload the policy file of a running daemon",
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := controlClient().Post(controlBase()+"/control/reload-policy", "application/json", nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "daemon unreachable: %v\n", err)
			os.Exit(ExitAdapterDown)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode == http.StatusUnprocessableEntity {
			fmt.Fprintf(os.Stderr, "policy invalid: %s\n", body)
			os.Exit(ExitPolicyInvalid)
		}
		if resp.StatusCode != http.StatusOK {
			fmt.Fprintf(os.Stderr, "reload failed (%d): %s\n", resp.StatusCode, body)
			os.Exit(1)
		}
		fmt.Printf("%s\n", body)
	},
}

var dumpSnapshotLocal bool

var dumpSnapshotCmd = &cobra.Command{
	Use:   "dump-snapshot",
	Short: "Print the policy snapshot in force",
	Run: func(cmd *cobra.Command, args []string) {
		if dumpSnapshotLocal {
			path := config.FromEnv().Policy.Path
			snap, err := policy.Load(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "policy invalid: %v\n", err)
				os.Exit(ExitPolicyInvalid)
			}
			data, err := policy.Marshal(snap.Doc)
			if err != nil {
				fmt.Fprintf(os.Stderr, "marshal failed: %v\n", err)
				os.Exit(1)
			}
			os.Stdout.Write(data)
			return
		}
		resp, err := controlClient().Get(controlBase() + "/control/snapshot")
		if err != nil {
			fmt.Fprintf(os.Stderr, "daemon unreachable: %v\n", err)
			os.Exit(ExitAdapterDown)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			fmt.Fprintf(os.Stderr, "dump failed (%d)\n", resp.StatusCode)
			os.Exit(1)
		}
		_, _ = io.Copy(os.Stdout, resp.Body)
	},
}

var (
	testEmergencyCategory string
	testEmergencySeverity int
)

var testEmergencyCmd = &cobra.Command{
	Use:   "test-emergency",
	Short: "Feed a synthesized emergency through the pipeline",
	Long: `test-emergency synthesizes an SOS utterance for the given category and
runs it through the full pipeline of a running daemon. Use against a daemon
started with COMPANION_ADAPTERS_DRY_RUN=true unless you really mean to dial
the contact ladder.`,
	Run: func(cmd *cobra.Command, args []string) {
		payload, _ := json.Marshal(map[string]any{
			"category": testEmergencyCategory,
			"severity": testEmergencySeverity,
		})
		resp, err := controlClient().Post(controlBase()+"/control/test-emergency", "application/json", bytes.NewReader(payload))
		if err != nil {
			fmt.Fprintf(os.Stderr, "daemon unreachable: %v\n", err)
			os.Exit(ExitAdapterDown)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			fmt.Fprintf(os.Stderr, "test failed (%d): %s\n", resp.StatusCode, body)
			os.Exit(1)
		}
		fmt.Printf("%s\n", body)
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Quiesce a running daemon",
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := controlClient().Post(controlBase()+"/control/drain", "application/json", nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "daemon unreachable: %v\n", err)
			os.Exit(ExitAdapterDown)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		fmt.Printf("%s\n", body)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the policy file and probe adapter gateways",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.FromEnv()
		snap, err := policy.Load(cfg.Policy.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "policy invalid: %v\n", err)
			os.Exit(ExitPolicyInvalid)
		}
		fmt.Printf("policy ok: version %s, %d devices, %d ladder rungs\n",
			snap.Version, len(snap.Devices), len(snap.Ladder))

		if down := probeAdapters(cfg); len(down) > 0 {
			fmt.Fprintf(os.Stderr, "adapters unreachable: %v\n", down)
			os.Exit(ExitAdapterDown)
		}
		fmt.Println("adapters ok")
	},
}

func init() {
	dumpSnapshotCmd.Flags().BoolVar(&dumpSnapshotLocal, "local", false, "load the policy file directly instead of asking the daemon")
	testEmergencyCmd.Flags().StringVar(&testEmergencyCategory, "category", "sos", "emergency category")
	testEmergencyCmd.Flags().IntVar(&testEmergencySeverity, "severity", 4, "severity 1..4")
}
