/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"

	kvm "github.com/blacktop/go-kvm"
	"github.com/blacktop/go-kvm/payload"
	"github.com/spf13/cobra"
)

var (
	rax         uint8
	rbx         uint8
	strictPorts bool
	verbose     bool
	jsonOutput  bool
	showStats   bool
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Uint8Var(&rax, "rax", 2, "Initial value of RAX (first operand)")
	runCmd.Flags().Uint8Var(&rbx, "rbx", 2, "Initial value of RBX (second operand)")
	runCmd.Flags().BoolVar(&strictPorts, "strict-ports", false, "Fail on output to ports other than 0x3f8")
	runCmd.Flags().BoolVarP(&verbose, "verbose", "V", false, "Print the program listing and every exit to stderr")
	runCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the final register state and dispatch summary as JSON")
	runCmd.Flags().BoolVar(&showStats, "stats", false, "Print KVM operation metrics to stderr")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Launch the built-in program and print its console output",
	Long: `Launch the built-in real-mode program, which adds RAX and RBX and
writes the sum as one decimal digit and a newline to port 0x3f8.

Guest output goes to stdout. Diagnostics and the halt notice go to stderr.
With --json the guest output is only included in the JSON report.`,
	Args: cobra.NoArgs,
	RunE: runLaunch,
}

func runLaunch(cmd *cobra.Command, args []string) error {
	// Pin the vCPU to one host thread so EINTR re-entry stays cheap.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := checkSupport(kvm.Supported()); err != nil {
		return err
	}

	p, err := payload.Adder(rax, rbx)
	if err != nil {
		return err
	}

	if verbose {
		listing, err := payload.Listing(p.Code, p.Entry)
		if err != nil {
			return err
		}
		infoColor.Fprintf(os.Stderr, "%s at 0x%x:\n", p.Name, p.Entry)
		fmt.Fprint(os.Stderr, listing)
	}

	var stdout io.Writer = os.Stdout
	if jsonOutput {
		stdout = nil
	}

	cfg := kvm.Config{
		Memory:      []kvm.Range{{GuestAddr: 0, Size: 2 * payload.RegionSize}},
		Entry:       p.Entry,
		Payload:     p.Code,
		Regs:        kvm.Regs{RAX: p.RAX, RBX: p.RBX},
		DebugPort:   payload.ConsolePort,
		StrictPorts: strictPorts,
		Output:      stdout,
		Notice:      os.Stderr,
	}
	if verbose {
		cfg.Trace = func(e kvm.ExitInfo) {
			infoColor.Fprintf(os.Stderr, "exit: %s\n", e)
		}
	}

	report, err := kvm.Launch(cfg)
	if showStats {
		printStats()
	}
	if err != nil {
		// Guest output was only captured; show what the guest got out.
		if jsonOutput && report != nil {
			os.Stdout.Write(report.Output)
		}
		return err
	}

	if verbose {
		okColor.Fprintf(os.Stderr, "halted after %d exits, %d bytes of output\n", report.Result.Exits, report.Result.Bytes)
	}
	if jsonOutput {
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}
		fmt.Println(string(out))
	}
	return nil
}

func printStats() {
	out, err := json.MarshalIndent(kvm.GetMetrics(), "", "  ")
	if err != nil {
		return
	}
	infoColor.Fprintln(os.Stderr, "metrics:")
	fmt.Fprintln(os.Stderr, string(out))
}

// checkSupport turns the result of kvm.Supported into a launch error.
func checkSupport(ok bool, err error) error {
	if err != nil {
		return fmt.Errorf("kvm not supported: %w", err)
	}
	if !ok {
		return fmt.Errorf("kvm not supported: %s is missing or not readable and writable", kvm.DevicePath)
	}
	return nil
}
