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
	"fmt"

	kvm "github.com/blacktop/go-kvm"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check /dev/kvm access and report its capabilities",
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := kvm.Supported()
		if err != nil {
			fmt.Printf("kvm support: error: %v\n", err)
			return err
		}
		fmt.Printf("kvm support: %v\n", ok)
		if !ok {
			return fmt.Errorf("%s is missing or not readable and writable", kvm.DevicePath)
		}

		sys, err := kvm.Open()
		if err != nil {
			return err
		}
		defer sys.Close()

		fmt.Printf("api version: %d\n", sys.APIVersion())
		fmt.Printf("max vcpus: %d\n", sys.MaxVCPUs())
		fmt.Printf("vcpu mmap size: %d\n", sys.VCPUMmapSize())
		fmt.Printf("memory slots: %d\n", sys.MemorySlots())
		fmt.Printf("user memory: %v\n", sys.CheckExtension(kvm.CapUserMemory) != 0)
		return nil
	},
}
